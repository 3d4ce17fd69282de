// Package config provides configuration management for reelpool using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8750
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultPoolCapacity        = 3
	defaultInitTimeout         = 15 * time.Second
	defaultInitRetryDelay      = 1 * time.Second
	defaultAcquireWaitTimeout  = 5 * time.Second
	defaultDrainBatchLimit     = 4
	defaultPreloadRadius       = 1
	defaultFastForwardAhead    = 2
	defaultSettleInterval      = 300 * time.Millisecond
	defaultWarmSegments        = 3
	defaultWarmChunkBytes      = 512 * 1024
	defaultPrefetchTimeout     = 20 * time.Second
	defaultPrefetchRetries     = 3
	defaultPrefetchRetryDelay  = 500 * time.Millisecond
	defaultBreakerThreshold    = 5
	defaultBreakerTimeout      = 30 * time.Second
	defaultMemoryThresholdPct  = 85.0
	defaultMemoryCheckInterval = 10 * time.Second
	defaultMemoryKeepSlots     = 1
	defaultPositionRetention   = 90 * 24 * time.Hour
	defaultPositionSaveDelta   = 5 * time.Second
)

// Config holds all configuration for the playback engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Preload  PreloadConfig  `mapstructure:"preload"`
	Prefetch PrefetchConfig `mapstructure:"prefetch"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
	Position PositionConfig `mapstructure:"position"`
}

// ServerConfig holds the local control API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration for the
// persisted playback-position store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PoolConfig holds controller pool configuration.
type PoolConfig struct {
	// Capacity is the maximum number of simultaneously live decoder slots.
	// Hardware decoders are scarce on the target devices, so keep this small.
	Capacity int `mapstructure:"capacity"`
	// InitTimeout bounds a single decoder initialization attempt.
	InitTimeout time.Duration `mapstructure:"init_timeout"`
	// InitRetryDelay is the backoff before the single retry after a
	// timed-out initialization.
	InitRetryDelay time.Duration `mapstructure:"init_retry_delay"`
	// AcquireWaitTimeout is how long an acquire waits for an evictable slot
	// when every slot is pinned before giving up softly.
	AcquireWaitTimeout time.Duration `mapstructure:"acquire_wait_timeout"`
	// DrainBatchLimit caps how many slots a single drain pass tears down.
	DrainBatchLimit int `mapstructure:"drain_batch_limit"`
}

// PreloadConfig holds preload window and scroll heuristics configuration.
type PreloadConfig struct {
	// Radius is the symmetric preload window radius around the visible item.
	Radius int `mapstructure:"radius"`
	// FastForwardAhead is the forward radius used during fast forward
	// scrolling (the backward radius drops to zero).
	FastForwardAhead int `mapstructure:"fast_forward_ahead"`
	// SettleInterval is the debounce interval for page-change bursts. It is
	// also the fast-scroll threshold: inter-event gaps below it count as
	// fast scrolling for both preloading and cancellation.
	SettleInterval time.Duration `mapstructure:"settle_interval"`
}

// PrefetchConfig holds network prefetch configuration.
type PrefetchConfig struct {
	// WarmSegments is how many leading media segments to warm per manifest.
	WarmSegments int `mapstructure:"warm_segments"`
	// WarmChunkSize caps the bytes fetched per warmed segment.
	// Supports human-readable values like "512KB".
	WarmChunkSize ByteSize `mapstructure:"warm_chunk_size"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// RetryAttempts is the number of retries for failed fetches.
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryDelay is the initial exponential backoff delay.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// BreakerThreshold is the per-host failure count that opens the circuit.
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	// BreakerTimeout is how long an open circuit stays open.
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
	// UserAgent overrides the default User-Agent header.
	UserAgent string `mapstructure:"user_agent"`
}

// MemoryConfig holds memory pressure watcher configuration.
type MemoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ThresholdPercent is the system used-memory percentage above which the
	// pool is shrunk immediately.
	ThresholdPercent float64 `mapstructure:"threshold_percent"`
	// CheckInterval is how often system memory is sampled.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// KeepSlots is how many slots survive an emergency shrink.
	KeepSlots int `mapstructure:"keep_slots"`
}

// JanitorConfig holds scheduled maintenance configuration.
type JanitorConfig struct {
	// DrainSchedule is the cron expression for disposal queue draining.
	DrainSchedule string `mapstructure:"drain_schedule"`
	// PruneSchedule is the cron expression for pruning stale position rows.
	PruneSchedule string `mapstructure:"prune_schedule"`
}

// PositionConfig holds playback position persistence configuration.
type PositionConfig struct {
	// Retention is how long unwatched position rows are kept.
	Retention time.Duration `mapstructure:"retention"`
	// SaveDelta is the minimum position change that triggers a save.
	SaveDelta time.Duration `mapstructure:"save_delta"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REELPOOL_ and use underscores for
// nesting. Example: REELPOOL_POOL_CAPACITY=5.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/reelpool")
		v.AddConfigPath("$HOME/.reelpool")
	}

	v.SetEnvPrefix("REELPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, DecodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook returns the decoder option every Unmarshal of Config needs:
// durations and ByteSize values arrive as strings from config files and
// REELPOOL_* environment variables.
func DecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults. The control API is only meant for the local UI
	// shell, so bind to loopback.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "reelpool.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Pool defaults
	v.SetDefault("pool.capacity", defaultPoolCapacity)
	v.SetDefault("pool.init_timeout", defaultInitTimeout)
	v.SetDefault("pool.init_retry_delay", defaultInitRetryDelay)
	v.SetDefault("pool.acquire_wait_timeout", defaultAcquireWaitTimeout)
	v.SetDefault("pool.drain_batch_limit", defaultDrainBatchLimit)

	// Preload defaults
	v.SetDefault("preload.radius", defaultPreloadRadius)
	v.SetDefault("preload.fast_forward_ahead", defaultFastForwardAhead)
	v.SetDefault("preload.settle_interval", defaultSettleInterval)

	// Prefetch defaults
	v.SetDefault("prefetch.warm_segments", defaultWarmSegments)
	v.SetDefault("prefetch.warm_chunk_size", defaultWarmChunkBytes)
	v.SetDefault("prefetch.timeout", defaultPrefetchTimeout)
	v.SetDefault("prefetch.retry_attempts", defaultPrefetchRetries)
	v.SetDefault("prefetch.retry_delay", defaultPrefetchRetryDelay)
	v.SetDefault("prefetch.breaker_threshold", defaultBreakerThreshold)
	v.SetDefault("prefetch.breaker_timeout", defaultBreakerTimeout)
	v.SetDefault("prefetch.user_agent", "")

	// Memory watcher defaults
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.threshold_percent", defaultMemoryThresholdPct)
	v.SetDefault("memory.check_interval", defaultMemoryCheckInterval)
	v.SetDefault("memory.keep_slots", defaultMemoryKeepSlots)

	// Janitor defaults (6-field cron: seconds included)
	v.SetDefault("janitor.drain_schedule", "@every 30s")
	v.SetDefault("janitor.prune_schedule", "0 0 3 * * *") // daily at 3 AM

	// Position store defaults
	v.SetDefault("position.retention", defaultPositionRetention)
	v.SetDefault("position.save_delta", defaultPositionSaveDelta)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity must be at least 1")
	}
	if c.Pool.InitTimeout <= 0 {
		return fmt.Errorf("pool.init_timeout must be positive")
	}
	if c.Pool.DrainBatchLimit < 1 {
		return fmt.Errorf("pool.drain_batch_limit must be at least 1")
	}

	if c.Preload.Radius < 0 {
		return fmt.Errorf("preload.radius must not be negative")
	}
	if c.Preload.FastForwardAhead < c.Preload.Radius {
		return fmt.Errorf("preload.fast_forward_ahead must be at least preload.radius")
	}
	if c.Preload.SettleInterval <= 0 {
		return fmt.Errorf("preload.settle_interval must be positive")
	}

	if c.Prefetch.WarmSegments < 0 {
		return fmt.Errorf("prefetch.warm_segments must not be negative")
	}

	if c.Memory.ThresholdPercent <= 0 || c.Memory.ThresholdPercent > 100 {
		return fmt.Errorf("memory.threshold_percent must be between 0 and 100")
	}
	if c.Memory.KeepSlots < 0 {
		return fmt.Errorf("memory.keep_slots must not be negative")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
