// Package config loads the gateway configuration.
//
// Configuration is read from a single YAML file named by the --config flag
// or the KEPHASGATE_CONFIG environment variable. The only environment
// override is KEPHASGATE_TOKEN, so secrets can stay out of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/ipc"
	"github.com/luciancaetano/kephasgate/internal/pool"
	"github.com/luciancaetano/kephasgate/internal/supervisor"
)

// Environment variables read by Load.
const (
	EnvConfig = "KEPHASGATE_CONFIG"
	EnvToken  = "KEPHASGATE_TOKEN"
)

// Supervisor modes.
const (
	ModeProcess = "process"
	ModeWorker  = "worker"
)

// Config is the whole gateway configuration.
type Config struct {
	// Token authenticates the bot. Prefer KEPHASGATE_TOKEN over the file.
	Token   string `yaml:"token"`
	Intents int    `yaml:"intents"`

	// GatewayURL overrides the gateway URL returned by the API.
	GatewayURL string `yaml:"gateway_url"`
	APIURL     string `yaml:"api_url"`
	Version    int    `yaml:"version"`

	// Compress asks for zlib-compressed payloads.
	Compress       bool `yaml:"compress"`
	LargeThreshold int  `yaml:"large_threshold"`

	Shards     ShardsConfig     `yaml:"shards"`
	Connection ConnectionConfig `yaml:"connection"`
	SendQueue  SendQueueConfig  `yaml:"send_queue"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Log        LogConfig        `yaml:"log"`
}

// ShardsConfig configures how shards are assigned and spawned.
type ShardsConfig struct {
	// Total is the application's shard count, or "auto".
	Total ShardCount `yaml:"total"`
	// IDs restricts this process to a subset of shards.
	IDs []int `yaml:"ids"`

	SpawnDelay time.Duration `yaml:"spawn_delay"`
	// SpawnTimeout: negative spawns without waiting for ready, zero waits
	// without a deadline.
	SpawnTimeout time.Duration `yaml:"spawn_timeout"`

	IdentifyInterval time.Duration `yaml:"identify_interval"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
}

// ConnectionConfig configures every shard connection.
type ConnectionConfig struct {
	HelloTimeout        time.Duration `yaml:"hello_timeout"`
	ReadyTimeout        time.Duration `yaml:"ready_timeout"`
	MaxConnectAttempts  int           `yaml:"max_connect_attempts"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// SendQueueConfig configures the outbound rate gate.
type SendQueueConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// SupervisorConfig configures cross-process sharding.
type SupervisorConfig struct {
	// Mode is "process" (one child process per shard) or "worker" (one
	// in-process worker per shard).
	Mode string `yaml:"mode"`
	// WorkerPath is the unit entry point in process mode.
	WorkerPath string   `yaml:"worker_path"`
	WorkerArgs []string `yaml:"worker_args"`

	Respawn        bool          `yaml:"respawn"`
	SpawnDelay     time.Duration `yaml:"spawn_delay"`
	SpawnTimeout   time.Duration `yaml:"spawn_timeout"`
	RespawnDelay   time.Duration `yaml:"respawn_delay"`
	FastFailWindow time.Duration `yaml:"fast_fail_window"`

	// IPCFormat is "json" or "cbor".
	IPCFormat string `yaml:"ipc_format"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// Development enables stack traces on warnings and panics on DPanic.
	Development bool `yaml:"development"`
}

// ShardCount is a shard count that may be "auto" in YAML.
type ShardCount int

// UnmarshalYAML accepts an integer or the string "auto".
func (c *ShardCount) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: shard count must be an integer or \"auto\"", value.Line)
	}
	if strings.EqualFold(value.Value, "auto") {
		*c = kephasgate.AutoShards
		return nil
	}
	n, err := strconv.Atoi(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: shard count must be an integer or \"auto\", got %q", value.Line, value.Value)
	}
	*c = ShardCount(n)
	return nil
}

// MarshalYAML renders AutoShards as "auto".
func (c ShardCount) MarshalYAML() (any, error) {
	if c == kephasgate.AutoShards {
		return "auto", nil
	}
	return int(c), nil
}

// Default returns the configuration used as a base before loading a file.
func Default() *Config {
	popts := pool.DefaultOptions()
	sopts := supervisor.DefaultOptions()
	return &Config{
		APIURL:         popts.APIURL,
		Version:        popts.Version,
		LargeThreshold: 50,
		Shards: ShardsConfig{
			Total:            kephasgate.AutoShards,
			SpawnDelay:       popts.SpawnDelay,
			SpawnTimeout:     popts.SpawnTimeout,
			IdentifyInterval: popts.IdentifyInterval,
		},
		Connection: ConnectionConfig{
			HelloTimeout:        popts.Shard.HelloTimeout,
			ReadyTimeout:        popts.Shard.ReadyTimeout,
			MaxConnectAttempts:  popts.Shard.MaxConnectAttempts,
			ReconnectBackoff:    popts.Shard.ReconnectBackoff,
			MaxReconnectBackoff: popts.Shard.MaxReconnectBackoff,
		},
		SendQueue: SendQueueConfig{
			Limit:  popts.Shard.SendQueue.Limit,
			Window: popts.Shard.SendQueue.Window,
		},
		Supervisor: SupervisorConfig{
			Mode:           ModeWorker,
			Respawn:        sopts.Respawn,
			SpawnDelay:     sopts.SpawnDelay,
			SpawnTimeout:   sopts.SpawnTimeout,
			RespawnDelay:   sopts.RespawnDelay,
			FastFailWindow: sopts.FastFailWindow,
			IPCFormat:      string(sopts.Format),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads the file named by KEPHASGATE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config", EnvConfig)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults and applies
// the environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and applies the
// environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if token, ok := lookup(EnvToken); ok && token != "" {
		c.Token = token
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Token == "" {
		errs = append(errs, fmt.Errorf("token is required (or set %s)", EnvToken))
	}
	if c.Intents < 0 {
		errs = append(errs, errors.New("intents must not be negative"))
	}
	if c.Version <= 0 {
		errs = append(errs, errors.New("version must be positive"))
	}

	total := int(c.Shards.Total)
	switch {
	case total == kephasgate.AutoShards:
		if len(c.Shards.IDs) > 0 {
			errs = append(errs, errors.New("shards.ids requires an explicit shards.total"))
		}
	case total <= 0:
		errs = append(errs, fmt.Errorf("shards.total must be positive or \"auto\", got %d", total))
	default:
		if _, err := pool.ResolveShardIDs(c.Shards.IDs, total); err != nil {
			errs = append(errs, fmt.Errorf("shards.ids: %w", err))
		}
	}
	if c.Shards.SpawnDelay < 0 {
		errs = append(errs, errors.New("shards.spawn_delay must not be negative"))
	}
	if c.Shards.MaxConcurrency < 0 {
		errs = append(errs, errors.New("shards.max_concurrency must not be negative"))
	}

	if c.Connection.HelloTimeout <= 0 {
		errs = append(errs, errors.New("connection.hello_timeout must be positive"))
	}
	if c.Connection.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("connection.ready_timeout must be positive"))
	}
	if c.Connection.MaxConnectAttempts < 0 {
		errs = append(errs, errors.New("connection.max_connect_attempts must not be negative"))
	}
	if c.SendQueue.Limit <= 0 || c.SendQueue.Window <= 0 {
		errs = append(errs, errors.New("send_queue.limit and send_queue.window must be positive"))
	}

	switch c.Supervisor.Mode {
	case ModeWorker:
	case ModeProcess:
		if c.Supervisor.WorkerPath == "" {
			errs = append(errs, errors.New("supervisor.worker_path is required in process mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("supervisor.mode must be %q or %q, got %q", ModeProcess, ModeWorker, c.Supervisor.Mode))
	}
	if _, err := ipc.ParseFormat(c.Supervisor.IPCFormat); err != nil {
		errs = append(errs, fmt.Errorf("supervisor.ipc_format: %w", err))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be \"json\" or \"console\", got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// PoolOptions converts the configuration into shard pool options.
func (c *Config) PoolOptions() pool.Options {
	opts := pool.DefaultOptions()
	opts.Token = c.Token
	opts.Intents = c.Intents
	opts.TotalShards = int(c.Shards.Total)
	opts.ShardIDs = c.Shards.IDs
	opts.GatewayURL = c.GatewayURL
	opts.APIURL = c.APIURL
	opts.Version = c.Version
	opts.SpawnDelay = c.Shards.SpawnDelay
	opts.SpawnTimeout = c.Shards.SpawnTimeout
	opts.IdentifyInterval = c.Shards.IdentifyInterval
	opts.MaxConcurrency = c.Shards.MaxConcurrency

	opts.Shard.Compress = c.Compress
	opts.Shard.LargeThreshold = c.LargeThreshold
	opts.Shard.HelloTimeout = c.Connection.HelloTimeout
	opts.Shard.ReadyTimeout = c.Connection.ReadyTimeout
	opts.Shard.MaxConnectAttempts = c.Connection.MaxConnectAttempts
	opts.Shard.ReconnectBackoff = c.Connection.ReconnectBackoff
	opts.Shard.MaxReconnectBackoff = c.Connection.MaxReconnectBackoff
	opts.Shard.SendQueue.Limit = c.SendQueue.Limit
	opts.Shard.SendQueue.Window = c.SendQueue.Window
	return opts
}

// SupervisorOptions converts the configuration into supervisor options.
func (c *Config) SupervisorOptions() supervisor.Options {
	opts := supervisor.DefaultOptions()
	opts.Token = c.Token
	opts.APIURL = c.APIURL
	opts.TotalShards = int(c.Shards.Total)
	opts.ShardIDs = c.Shards.IDs
	opts.Respawn = c.Supervisor.Respawn
	opts.SpawnDelay = c.Supervisor.SpawnDelay
	opts.SpawnTimeout = c.Supervisor.SpawnTimeout
	opts.RespawnDelay = c.Supervisor.RespawnDelay
	opts.FastFailWindow = c.Supervisor.FastFailWindow
	if format, err := ipc.ParseFormat(c.Supervisor.IPCFormat); err == nil {
		opts.Format = format
	}
	return opts
}

// NewLogger builds the zap logger described by c.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if c.Format != "" {
		zc.Encoding = c.Format
	}
	// Units speak IPC on stdout.
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
