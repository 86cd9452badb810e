package kephasgate

import (
	"context"
	"time"
)

// Conn is one duplex message stream to the gateway.
//
// The shard state machine only depends on this interface, so any
// transport (gorilla WebSocket in production, an in-memory fake in tests)
// can carry the session.
type Conn interface {
	// ReadMessage blocks until the next complete text payload arrives.
	// Compressed frames are inflated before they are returned.
	//
	// When the remote closes the socket, the returned error is a
	// *CloseError carrying the close code.
	ReadMessage() ([]byte, error)

	// WriteMessage queues data for delivery. It must be safe to call from
	// several goroutines.
	WriteMessage(ctx context.Context, data []byte) error

	// CloseWithCode sends a close frame with the given code and closes the
	// socket. Calling it more than once is harmless.
	//
	// Common close codes:
	//   - 1000 (CloseNormal): ends the session, it cannot be resumed
	//   - 4000 (CloseReconnect): drops the socket but keeps the session
	CloseWithCode(code int, reason string) error
}

// Dialer opens gateway connections.
type Dialer interface {
	// Dial connects to url. The context bounds the opening handshake only.
	Dial(ctx context.Context, url string) (Conn, error)
}

// ShardStats is a point-in-time view of one shard.
type ShardStats struct {
	ID        int           `json:"id"`
	Status    Status        `json:"status"`
	Ping      time.Duration `json:"ping"`
	Sequence  int64         `json:"sequence"`
	SessionID string        `json:"session_id,omitempty"`
}

// PoolStats is a point-in-time view of a shard pool.
type PoolStats struct {
	Ready        bool         `json:"ready"`
	Reconnecting bool         `json:"reconnecting"`
	TotalShards  int          `json:"total_shards"`
	ShardIDs     []int        `json:"shard_ids"`
	Shards       []ShardStats `json:"shards"`
	Dispatches   int64        `json:"dispatches"`
	Uptime       float64      `json:"uptime"`
}

// ShardPool manages the gateway connections of every shard assigned to
// this process.
//
// Example usage:
//
//	opts := gateway.DefaultPoolOptions()
//	opts.Token = token
//	pool := gateway.NewPool(opts, logger)
//
//	go func() {
//	    for ev := range pool.Events() {
//	        // ...
//	    }
//	}()
//
//	if err := pool.CreateShards(ctx); err != nil {
//	    log.Fatal(err)
//	}
type ShardPool interface {
	// CreateShards resolves the shard count and spawns every shard in
	// ascending order, waiting between spawns. It returns an error when a
	// shard fails fatally (for example with an invalid token).
	CreateShards(ctx context.Context) error

	// Broadcast sends a gateway command to every shard of the pool.
	Broadcast(ctx context.Context, op Opcode, data any) error

	// Destroy stops every shard and prevents further reconnects.
	Destroy() error

	// Events delivers shard, dispatch and pool events. Events are not
	// dropped: a consumer that stops reading eventually stalls the shards.
	Events() <-chan Event

	// Ready reports whether every shard has been ready at least once.
	Ready() bool

	// Stats returns a snapshot of the pool.
	Stats() PoolStats
}

// RespawnOptions controls a rolling restart of supervised units.
type RespawnOptions struct {
	// ShardDelay is the pause between two units.
	ShardDelay time.Duration `json:"shard_delay" cbor:"shard_delay"`
	// RespawnDelay is the pause between killing a unit and starting it.
	RespawnDelay time.Duration `json:"respawn_delay" cbor:"respawn_delay"`
	// Timeout bounds the wait for each unit's ready signal. Negative
	// values do not wait.
	Timeout time.Duration `json:"timeout" cbor:"timeout"`
}

// Supervisor runs shards in isolated units (processes or in-process
// workers) and offers RPC across them.
type Supervisor interface {
	// Spawn starts one unit per shard id.
	Spawn(ctx context.Context) error

	// BroadcastEval calls a registered method on every unit and returns
	// the results ordered by shard id.
	BroadcastEval(ctx context.Context, method string, args map[string]any) ([]any, error)

	// EvalOn calls a registered method on the unit hosting shardID.
	EvalOn(ctx context.Context, shardID int, method string, args map[string]any) (any, error)

	// FetchClientValues reads a dotted property path from every unit's
	// client, for example "shards.0.ping".
	FetchClientValues(ctx context.Context, prop string) ([]any, error)

	// FetchClientValue reads a property path from one unit.
	FetchClientValue(ctx context.Context, prop string, shardID int) (any, error)

	// RespawnAll restarts every unit one after another.
	RespawnAll(ctx context.Context, opts RespawnOptions) error

	// KillAll stops every unit without respawning them.
	KillAll() error

	// Events delivers unit lifecycle events. Callers must drain it:
	// events are not dropped, and a unit's notifications are handled on
	// its IPC read loop, so an undrained channel also stalls eval and
	// fetch replies from that unit. The channel is closed by KillAll.
	Events() <-chan Event
}
