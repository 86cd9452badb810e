package pool

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
	"github.com/luciancaetano/kephasgate/internal/rest"
	"github.com/luciancaetano/kephasgate/internal/shard"
)

// Options configures a Manager.
type Options struct {
	Token   string
	Intents int

	// TotalShards is the shard count of the whole application, or
	// kephasgate.AutoShards to use the recommended count.
	TotalShards int
	// ShardIDs are the shards owned by this pool. Empty means all of
	// [0, TotalShards).
	ShardIDs []int

	// GatewayURL overrides the URL returned by the API.
	GatewayURL string
	// APIURL is the base URL of the HTTP API used for AutoShards.
	APIURL string
	// Version is the gateway API version requested when dialing.
	Version int

	// SpawnDelay is the pause between two shard spawns.
	SpawnDelay time.Duration
	// SpawnTimeout bounds the wait for each shard to become ready before
	// spawning the next: >0 waits at most that long, 0 waits without a
	// deadline, <0 does not wait.
	SpawnTimeout time.Duration

	// IdentifyInterval and MaxConcurrency shape the identify limiter:
	// MaxConcurrency identifies per IdentifyInterval across the pool.
	// A zero MaxConcurrency is taken from the API for AutoShards, or 1.
	IdentifyInterval time.Duration
	MaxConcurrency   int

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// Shard is the template for every shard's configuration. ID, Total,
	// Token, Intents and GatewayURL are filled in by the pool.
	Shard shard.Config
}

// DefaultOptions returns the operational defaults.
func DefaultOptions() Options {
	return Options{
		TotalShards:      kephasgate.AutoShards,
		APIURL:           rest.DefaultBaseURL,
		Version:          10,
		SpawnDelay:       5 * time.Second,
		SpawnTimeout:     30 * time.Second,
		IdentifyInterval: 5 * time.Second,
		EventBuffer:      256,
		Shard:            shard.DefaultConfig(),
	}
}

// GatewayInfo resolves the recommended sharding parameters.
// *rest.Client satisfies it.
type GatewayInfo interface {
	GatewayBot(ctx context.Context) (*rest.GatewayBot, error)
}

// Deps are the collaborators of a Manager. Nil fields get production
// implementations.
type Deps struct {
	Dialer kephasgate.Dialer
	Clock  clock.Clock
	Logger *zap.Logger
	REST   GatewayInfo
}

// ResolveShardIDs validates an explicit shard list against total, or
// expands the full range. The result is sorted and free of duplicates.
func ResolveShardIDs(ids []int, total int) ([]int, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total shards must be positive, got %d", kephasgate.ErrInvalidShardList, total)
	}
	if len(ids) == 0 {
		out := make([]int, total)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	out := slices.Clone(ids)
	slices.Sort(out)
	out = slices.Compact(out)
	for _, id := range out {
		if id < 0 || id >= total {
			return nil, fmt.Errorf("%w: shard %d outside [0, %d)", kephasgate.ErrInvalidShardList, id, total)
		}
	}
	return out, nil
}
