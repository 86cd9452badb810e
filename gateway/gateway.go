package gateway

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/ipc"
	"github.com/luciancaetano/kephasgate/internal/pool"
	"github.com/luciancaetano/kephasgate/internal/shard"
	"github.com/luciancaetano/kephasgate/internal/supervisor"
	"github.com/luciancaetano/kephasgate/internal/worker"
)

type PoolOptions = pool.Options
type ShardConfig = shard.Config
type SupervisorOptions = supervisor.Options
type Config = config.Config
type UnitEnv = ipc.UnitEnv
type Method = worker.Method
type WorkerOptions = worker.RunOptions

// NewPool creates a shard pool. No connection is opened before
// CreateShards.
//
// Example:
//
//	opts := gateway.DefaultPoolOptions()
//	opts.Token = os.Getenv("KEPHASGATE_TOKEN")
//	opts.Intents = 513
//	pool := gateway.NewPool(opts, logger)
func NewPool(opts PoolOptions, logger *zap.Logger) kephasgate.ShardPool {
	return pool.New(opts, pool.Deps{Logger: logger})
}

// DefaultPoolOptions returns the pool defaults: automatic shard count,
// 5s between spawns and a 30s ready timeout per shard.
func DefaultPoolOptions() PoolOptions {
	return pool.DefaultOptions()
}

// NewProcessSupervisor creates a supervisor running each shard in a child
// process started from path. The child must call RunWorker.
func NewProcessSupervisor(opts SupervisorOptions, path string, args []string, logger *zap.Logger) kephasgate.Supervisor {
	return supervisor.New(opts, supervisor.Deps{
		Spawner: &supervisor.ProcessSpawner{Path: path, Args: args},
		Logger:  logger,
	})
}

// NewWorkerSupervisor creates a supervisor running each shard in an
// in-process worker built from wopts.
func NewWorkerSupervisor(opts SupervisorOptions, wopts WorkerOptions, logger *zap.Logger) kephasgate.Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	run := func(ctx context.Context, env ipc.UnitEnv, r io.Reader, w io.Writer) error {
		return worker.Run(ctx, wopts, env, r, w, logger.With(zap.String("unit_id", env.UnitID)))
	}
	return supervisor.New(opts, supervisor.Deps{
		Spawner: &supervisor.WorkerSpawner{Run: run},
		Logger:  logger,
	})
}

// DefaultSupervisorOptions returns the supervisor defaults.
func DefaultSupervisorOptions() SupervisorOptions {
	return supervisor.DefaultOptions()
}

// RunWorker is the body of a unit process: it reads its shards from the
// environment and speaks IPC on r and w, normally os.Stdin and os.Stdout.
func RunWorker(ctx context.Context, wopts WorkerOptions, r io.Reader, w io.Writer, logger *zap.Logger) error {
	env, err := worker.EnvFromOS()
	if err != nil {
		return err
	}
	return worker.Run(ctx, wopts, env, r, w, logger)
}

// LoadConfig loads the YAML file at path, or the file named by
// KEPHASGATE_CONFIG when path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
