package kephasgate

import (
	"errors"
	"fmt"
)

// Opcode identifies the kind of a gateway frame.
type Opcode int

// Gateway opcodes.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	}
	return fmt.Sprintf("OPCODE(%d)", int(op))
}

// Close codes observed on the gateway socket.
const (
	// CloseNormal is sent by us when a session is deliberately ended.
	// The remote discards the session afterwards.
	CloseNormal = 1000
	// CloseAbnormal is reported when the socket drops without a close frame.
	CloseAbnormal = 1006
	// CloseReconnect is sent by us when tearing a socket down that we
	// intend to resume. Any non-1000 code keeps the session alive.
	CloseReconnect = 4000

	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// IsFatalCloseCode reports whether the remote must not be reconnected to
// after closing with code.
func IsFatalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	}
	return false
}

// Status is the connection status of a single shard.
type Status int

// Shard statuses.
const (
	StatusIdle Status = iota
	StatusConnecting
	StatusIdentifying
	StatusResuming
	StatusReady
	StatusConnected
	StatusReconnecting
	StatusDisconnected
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusReady:
		return "ready"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// AutoShards asks the pool or supervisor to use the shard count
// recommended by the remote service.
const AutoShards = -1

// Standard errors
var (
	// Connection errors
	ErrNotConnected             = errors.New("shard is not connected")
	ErrShardDestroyed           = errors.New("shard destroyed")
	ErrHandshakeTimeout         = errors.New("timed out waiting for HELLO")
	ErrHandshakeBudgetExhausted = errors.New("handshake retry budget exhausted")
	ErrQueueClosed              = errors.New("send queue closed")

	// Pool errors
	ErrShardNotFound    = errors.New("shard not found")
	ErrPoolDestroyed    = errors.New("shard pool destroyed")
	ErrAlreadySpawned   = errors.New("shards already spawned")
	ErrInvalidShardList = errors.New("invalid shard list")

	// Supervisor errors
	ErrUnitDied       = errors.New("shard unit died")
	ErrUnitNotReady   = errors.New("shard unit not ready")
	ErrFastFail       = errors.New("shard unit exited before becoming ready")
	ErrReadyTimeout   = errors.New("timed out waiting for ready")
	ErrClientNotReady = errors.New("client is not ready")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrChannelClosed  = errors.New("ipc channel closed")
)

// CloseError describes a socket closed by the remote, or dropped.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed with code %d", e.Code)
	}
	return fmt.Sprintf("gateway closed with code %d: %s", e.Code, e.Reason)
}

// FatalCloseError is returned when the remote closed with a code that
// forbids reconnecting. The shard stays disconnected.
type FatalCloseError struct {
	ShardID int
	Code    int
	Reason  string
}

func (e *FatalCloseError) Error() string {
	return fmt.Sprintf("shard %d: fatal close code %d: %s", e.ShardID, e.Code, e.Reason)
}

// MarshalText renders the status by name in stats and IPC payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
