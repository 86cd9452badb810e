// kephasgate-worker is the unit process started by kephasgate in process
// mode. It reads its shard from the environment, runs a shard pool for it
// and speaks IPC with the supervisor on stdin and stdout. Logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/gateway"
	"github.com/luciancaetano/kephasgate/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	flagSet := pflag.NewFlagSet("kephasgate-worker", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default: $"+config.EnvConfig+")")
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

	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// The supervisor stops a unit by killing it or closing its stdin, so
	// signals only matter when the worker is run by hand.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := gateway.WorkerOptions{
		Pool: cfg.PoolOptions(),
		OnEvent: func(ev kephasgate.Event) {
			if d, ok := ev.(kephasgate.Dispatch); ok {
				logger.Debug("dispatch", zap.Int("shard_id", d.ShardID), zap.String("event", d.Name))
			}
		},
	}
	err = gateway.RunWorker(ctx, opts, os.Stdin, os.Stdout, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `kephasgate-worker runs the shards assigned by a kephasgate supervisor.

It is not meant to be started by hand. The supervisor sets %s
and %s and talks to it over stdin and stdout.

Usage:
  kephasgate-worker [flags]

Flags:
`, "KEPHASGATE_SHARDS", "KEPHASGATE_SHARD_COUNT")
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
