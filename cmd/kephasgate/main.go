// kephasgate runs every shard of a bot in supervised units, one unit per
// shard, and restarts units that die.
//
// In worker mode the units are goroutines of this process. In process mode
// each unit is a kephasgate-worker child process that receives its shard
// through the environment and talks to this supervisor over stdin/stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/ipc"
	"github.com/luciancaetano/kephasgate/internal/supervisor"
	"github.com/luciancaetano/kephasgate/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		mode       string
		shards     string
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("kephasgate", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&mode, "mode", "", "override supervisor.mode: process or worker")
	flagSet.StringVar(&shards, "shards", "", "override shards.total: a count or \"auto\"")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
		configPath = os.Getenv(config.EnvConfig)
	}
	if err != nil {
		return err
	}

	if mode != "" {
		cfg.Supervisor.Mode = mode
	}
	if shards != "" {
		if shards == "auto" {
			cfg.Shards.Total = kephasgate.AutoShards
		} else {
			n, err := strconv.Atoi(shards)
			if err != nil {
				return fmt.Errorf("--shards: %w", err)
			}
			cfg.Shards.Total = config.ShardCount(n)
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	spawner, err := newSpawner(cfg, configPath, logger)
	if err != nil {
		return err
	}
	sup := supervisor.New(cfg.SupervisorOptions(), supervisor.Deps{Spawner: spawner, Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		logEvents(logger, sup.Events())
	}()

	logger.Info("starting supervisor", zap.String("mode", cfg.Supervisor.Mode))
	spawnErr := sup.Spawn(ctx)
	if spawnErr == nil {
		<-ctx.Done()
		logger.Info("shutting down")
	}

	killErr := sup.KillAll()
	<-logged
	if spawnErr != nil && !errors.Is(spawnErr, context.Canceled) {
		return spawnErr
	}
	return killErr
}

func newSpawner(cfg *config.Config, configPath string, logger *zap.Logger) (supervisor.Spawner, error) {
	if cfg.Supervisor.Mode == config.ModeProcess {
		env := []string{}
		if configPath != "" {
			abs, err := filepath.Abs(configPath)
			if err != nil {
				return nil, fmt.Errorf("resolving config path: %w", err)
			}
			env = append(env, config.EnvConfig+"="+abs)
		}
		return &supervisor.ProcessSpawner{
			Path: cfg.Supervisor.WorkerPath,
			Args: cfg.Supervisor.WorkerArgs,
			Env:  env,
		}, nil
	}

	opts := worker.RunOptions{Pool: cfg.PoolOptions()}
	return &supervisor.WorkerSpawner{Run: func(ctx context.Context, env ipc.UnitEnv, r io.Reader, w io.Writer) error {
		return worker.Run(ctx, opts, env, r, w, logger.With(zap.String("unit_id", env.UnitID)))
	}}, nil
}

func logEvents(logger *zap.Logger, events <-chan kephasgate.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case kephasgate.UnitSpawned:
			logger.Info("unit spawned", zap.Int("shard_id", e.ShardID), zap.Int("pid", e.Pid))
		case kephasgate.UnitReady:
			logger.Info("unit ready", zap.Int("shard_id", e.ShardID))
		case kephasgate.UnitDeath:
			logger.Warn("unit died", zap.Int("shard_id", e.ShardID), zap.Bool("respawn", e.Respawn), zap.Error(e.Err))
		case kephasgate.UnitDisconnected:
			logger.Warn("unit disconnected from gateway", zap.Int("shard_id", e.ShardID))
		case kephasgate.UnitReconnecting:
			logger.Info("unit reconnecting to gateway", zap.Int("shard_id", e.ShardID))
		case kephasgate.UnitError:
			logger.Error("unit error", zap.Int("shard_id", e.ShardID), zap.Error(e.Err))
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `kephasgate supervises one unit per gateway shard.

Usage:
  kephasgate [flags]

Examples:
  # Run with in-process workers
  kephasgate --config kephasgate.yaml

  # Run each shard in its own process
  kephasgate --config kephasgate.yaml --mode process

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
