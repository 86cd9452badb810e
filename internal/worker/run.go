package worker

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/ipc"
	"github.com/luciancaetano/kephasgate/internal/pool"
)

// RunOptions configures Run.
type RunOptions struct {
	// Pool is the template of the unit's pool. The shard list and count
	// come from the unit environment.
	Pool pool.Options
	Deps pool.Deps
	// Methods are registered next to the built-ins.
	Methods map[string]Method
	// OnEvent receives every pool event.
	OnEvent func(kephasgate.Event)
}

// Run hosts a full client for the shards in env: it spawns a pool, serves
// the supervisor on r and w, and reports readiness. It returns when ctx is
// cancelled, when the supervisor closes the channel, or when the pool fails
// to spawn.
func Run(ctx context.Context, opts RunOptions, env ipc.UnitEnv, r io.Reader, w io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	popts := opts.Pool
	popts.TotalShards = env.TotalShards
	popts.ShardIDs = env.ShardIDs
	deps := opts.Deps
	if deps.Logger == nil {
		deps.Logger = logger
	}

	p := pool.New(popts, deps)
	wk := New(p, env, r, w, logger)
	for name, m := range opts.Methods {
		wk.Register(name, m)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridged := make(chan struct{})
	go func() {
		defer close(bridged)
		wk.Bridge(p.Events(), opts.OnEvent)
	}()

	served := make(chan error, 1)
	go func() { served <- wk.Serve(ctx) }()

	created := make(chan error, 1)
	go func() { created <- p.CreateShards(ctx) }()

	wk.logger.Info("unit started", zap.Int("total_shards", env.TotalShards), zap.String("unit_id", env.UnitID))

	var runErr error
loop:
	for {
		select {
		case err := <-created:
			created = nil
			if err != nil {
				runErr = fmt.Errorf("creating shards: %w", err)
				break loop
			}
		case err := <-served:
			if err != nil {
				runErr = fmt.Errorf("serving supervisor: %w", err)
			}
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	cancel()
	runErr = multierr.Append(runErr, p.Destroy())
	<-bridged
	wk.logger.Info("unit stopped", zap.Error(runErr))
	return runErr
}
