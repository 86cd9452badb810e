package supervisor

import (
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
	"github.com/luciancaetano/kephasgate/internal/ipc"
	"github.com/luciancaetano/kephasgate/internal/pool"
	"github.com/luciancaetano/kephasgate/internal/rest"
)

// Options configures a Manager.
type Options struct {
	// Token and APIURL are used to ask for the recommended shard count
	// when TotalShards is kephasgate.AutoShards.
	Token       string
	APIURL      string
	TotalShards int
	// ShardIDs are the shards to run, one unit each. Empty means all of
	// [0, TotalShards).
	ShardIDs []int

	// Respawn restarts units that exit after becoming ready.
	Respawn bool
	// SpawnDelay is the pause between two unit spawns.
	SpawnDelay time.Duration
	// SpawnTimeout bounds the wait for each unit's ready message: >0 waits
	// at most that long, 0 waits without a deadline, <0 does not wait.
	SpawnTimeout time.Duration
	// RespawnDelay is the pause between a unit's death and its respawn.
	RespawnDelay time.Duration
	// FastFailWindow: a unit that exits before its first ready message
	// and within this window after starting is not respawned, and the
	// exit fails Spawn with kephasgate.ErrFastFail.
	FastFailWindow time.Duration

	// Format is the IPC encoding offered to units.
	Format ipc.Format

	EventBuffer int
}

// DefaultOptions returns the operational defaults.
func DefaultOptions() Options {
	return Options{
		APIURL:         rest.DefaultBaseURL,
		TotalShards:    kephasgate.AutoShards,
		Respawn:        true,
		SpawnDelay:     5500 * time.Millisecond,
		SpawnTimeout:   30 * time.Second,
		RespawnDelay:   500 * time.Millisecond,
		FastFailWindow: 10 * time.Second,
		Format:         ipc.FormatJSON,
		EventBuffer:    64,
	}
}

// DefaultRespawnOptions returns the defaults of RespawnAll.
func DefaultRespawnOptions() kephasgate.RespawnOptions {
	return kephasgate.RespawnOptions{
		ShardDelay:   5 * time.Second,
		RespawnDelay: 500 * time.Millisecond,
		Timeout:      30 * time.Second,
	}
}

// Deps are the collaborators of a Manager. Spawner is required; other nil
// fields get production implementations.
type Deps struct {
	Spawner Spawner
	Clock   clock.Clock
	Logger  *zap.Logger
	REST    pool.GatewayInfo
}
