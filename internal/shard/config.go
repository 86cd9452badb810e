package shard

import (
	"context"
	"math/rand/v2"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/clock"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/sendqueue"
)

// Config describes one shard connection.
type Config struct {
	ID    int
	Total int

	Token          string
	Intents        int
	GatewayURL     string
	Properties     protocol.IdentifyProperties
	LargeThreshold int
	Compress       bool
	Presence       *protocol.PresenceUpdate

	// HelloTimeout bounds the wait for HELLO after a dial starts.
	HelloTimeout time.Duration
	// ReadyTimeout bounds the wait for the guilds announced in READY.
	ReadyTimeout time.Duration
	// MaxConnectAttempts is the number of consecutive failed handshakes
	// tolerated before the shard gives up. Zero retries forever.
	MaxConnectAttempts int
	// ReconnectBackoff is the delay before the second consecutive
	// reconnect attempt; it doubles up to MaxReconnectBackoff. The first
	// attempt is immediate.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	SendQueue sendqueue.Config

	// Jitter returns the fraction of the heartbeat interval to wait
	// before the first heartbeat on a new socket.
	Jitter func() float64
}

// DefaultConfig returns the operational defaults.
func DefaultConfig() Config {
	return Config{
		Total:        1,
		GatewayURL:   "wss://gateway.discord.gg",
		Properties:   DefaultProperties(),
		HelloTimeout: 20 * time.Second,
		ReadyTimeout: 15 * time.Second,

		ReconnectBackoff:    time.Second,
		MaxReconnectBackoff: time.Minute,
		SendQueue:           sendqueue.DefaultConfig(),
		Jitter:              rand.Float64,
	}
}

// DefaultProperties identifies this library to the gateway.
func DefaultProperties() protocol.IdentifyProperties {
	return protocol.IdentifyProperties{
		OS:      runtime.GOOS,
		Browser: "kephasgate",
		Device:  "kephasgate",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Total <= 0 {
		c.Total = d.Total
	}
	if c.GatewayURL == "" {
		c.GatewayURL = d.GatewayURL
	}
	if c.Properties == (protocol.IdentifyProperties{}) {
		c.Properties = d.Properties
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
	if c.MaxReconnectBackoff < c.ReconnectBackoff {
		c.MaxReconnectBackoff = d.MaxReconnectBackoff
	}
	if c.Jitter == nil {
		c.Jitter = d.Jitter
	}
}

// IdentifyGate limits how often shards may identify. *rate.Limiter
// satisfies it.
type IdentifyGate interface {
	Wait(ctx context.Context) error
}

// Deps are the collaborators of a shard.
type Deps struct {
	Dialer kephasgate.Dialer
	Clock  clock.Clock
	Logger *zap.Logger
	// Emit receives every event of the shard. It is called from the
	// shard's goroutines and must not call back into the shard's
	// blocking methods (Connect, Destroy).
	Emit func(kephasgate.Event)
	// IdentifyGate is waited on before every IDENTIFY. Nil means no limit.
	IdentifyGate IdentifyGate
}

// DestroyOptions controls Destroy.
type DestroyOptions struct {
	// Code is the close code sent to the gateway. Zero means 1000, which
	// ends the session remotely.
	Code int
	// Reset discards the session id and sequence even when Code keeps the
	// session alive on the remote.
	Reset bool
	// Emit sends a ShardDestroyed event.
	Emit bool
}
