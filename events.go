package kephasgate

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the concrete type behind an Event.
type EventKind int

// Event kinds.
const (
	EventDispatch EventKind = iota
	EventShardReady
	EventShardResumed
	EventShardReconnecting
	EventShardDisconnected
	EventShardError
	EventInvalidSession
	EventRateLimited
	EventShardDestroyed
	EventPoolReady
	EventUnitSpawned
	EventUnitReady
	EventUnitDeath
	EventUnitDisconnected
	EventUnitReconnecting
	EventUnitError
)

// Event is emitted by shards, pools and supervisors. Consumers switch on
// the concrete type (or on Kind):
//
//	for ev := range pool.Events() {
//	    switch e := ev.(type) {
//	    case kephasgate.Dispatch:
//	        handle(e.Name, e.Data)
//	    case kephasgate.PoolReady:
//	        log.Printf("ready, %d unavailable guilds", len(e.UnavailableGuilds))
//	    }
//	}
type Event interface {
	Kind() EventKind
}

// Dispatch carries one gateway event received by a shard.
type Dispatch struct {
	ShardID  int
	Name     string
	Sequence int64
	Data     json.RawMessage
}

// ShardReady is emitted once a shard is fully operational: all guilds
// announced in READY arrived, or the ready timeout elapsed. Missing guilds
// are listed in UnavailableGuilds.
type ShardReady struct {
	ShardID           int
	SessionID         string
	UnavailableGuilds []string
}

// ShardResumed is emitted after a session was resumed.
type ShardResumed struct {
	ShardID        int
	ReplayedEvents int64
}

// ShardReconnecting is emitted before a shard reconnects.
type ShardReconnecting struct {
	ShardID int
	Resume  bool
}

// ShardDisconnected is emitted when a shard closed and will not reconnect.
type ShardDisconnected struct {
	ShardID int
	Code    int
	Reason  string
}

// ShardError surfaces a non-fatal error observed by a shard.
type ShardError struct {
	ShardID int
	Err     error
}

// InvalidSession is emitted when the remote invalidated the session.
type InvalidSession struct {
	ShardID   int
	Resumable bool
}

// RateLimited is emitted when a shard's send window is exhausted.
type RateLimited struct {
	ShardID    int
	RetryAfter time.Duration
	Pending    int
}

// ShardDestroyed is emitted when a shard is destroyed with Emit set.
type ShardDestroyed struct {
	ShardID int
}

// PoolReady is emitted exactly once, after every shard of a pool is ready.
type PoolReady struct {
	UnavailableGuilds map[int][]string
}

// UnitSpawned is emitted when the supervisor started a unit.
type UnitSpawned struct {
	ShardID int
	Pid     int
}

// UnitReady is emitted when a unit reported ready over IPC.
type UnitReady struct {
	ShardID int
}

// UnitDeath is emitted when a unit exited.
type UnitDeath struct {
	ShardID int
	Err     error
	Respawn bool
}

// UnitDisconnected is emitted when a unit reported that its client lost
// its gateway connection.
type UnitDisconnected struct {
	ShardID int
}

// UnitReconnecting is emitted when a unit reported that its client is
// reconnecting.
type UnitReconnecting struct {
	ShardID int
}

// UnitError surfaces supervisor-level errors for one unit.
type UnitError struct {
	ShardID int
	Err     error
}

func (Dispatch) Kind() EventKind          { return EventDispatch }
func (ShardReady) Kind() EventKind        { return EventShardReady }
func (ShardResumed) Kind() EventKind      { return EventShardResumed }
func (ShardReconnecting) Kind() EventKind { return EventShardReconnecting }
func (ShardDisconnected) Kind() EventKind { return EventShardDisconnected }
func (ShardError) Kind() EventKind        { return EventShardError }
func (InvalidSession) Kind() EventKind    { return EventInvalidSession }
func (RateLimited) Kind() EventKind       { return EventRateLimited }
func (ShardDestroyed) Kind() EventKind    { return EventShardDestroyed }
func (PoolReady) Kind() EventKind         { return EventPoolReady }
func (UnitSpawned) Kind() EventKind       { return EventUnitSpawned }
func (UnitReady) Kind() EventKind         { return EventUnitReady }
func (UnitDeath) Kind() EventKind         { return EventUnitDeath }
func (UnitDisconnected) Kind() EventKind  { return EventUnitDisconnected }
func (UnitReconnecting) Kind() EventKind  { return EventUnitReconnecting }
func (UnitError) Kind() EventKind         { return EventUnitError }
