// Package config loads the relay server configuration.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/assistant"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/channellayer"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/heartbeat"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/presence"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/workers"
)

// Config is the main configuration structure for relay.
type Config struct {
	Version       int                     `yaml:"version" json:"version"`
	Server        ServerConfig            `yaml:"server" json:"server"`
	Database      DatabaseConfig          `yaml:"database" json:"database"`
	Auth          auth.Config             `yaml:"auth" json:"auth"`
	Realtime      RealtimeConfig          `yaml:"realtime" json:"realtime"`
	Router        router.Config           `yaml:"router" json:"router"`
	Presence      PresenceConfig          `yaml:"presence" json:"presence"`
	ChannelLayer  channellayer.Config     `yaml:"channel_layer" json:"channel_layer"`
	Events        EventsConfig            `yaml:"events" json:"events"`
	Assistant     assistant.Config        `yaml:"assistant" json:"assistant"`
	Logging       observability.LogConfig `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig     `yaml:"observability" json:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// Backend is "memory" or "sql".
	Backend string            `yaml:"backend" json:"backend" jsonschema:"enum=memory,enum=sql"`
	SQL     storage.SQLConfig `yaml:"sql" json:"sql"`
}

// RealtimeConfig tunes connection handling.
type RealtimeConfig struct {
	Heartbeat heartbeat.Config `yaml:"heartbeat" json:"heartbeat"`

	// ShutdownGrace is how long open connections may drain on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`

	// SendBuffer is the per-connection outbound frame queue.
	SendBuffer int `yaml:"send_buffer" json:"send_buffer"`

	// MaxFrameBytes bounds a single inbound frame.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" json:"max_frame_bytes"`

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	RateLimit ratelimit.Config `yaml:"rate_limit" json:"rate_limit"`
	Workers   workers.Config   `yaml:"workers" json:"workers"`

	// NotifyWorkers sizes the pool that delivers notifications, kept apart
	// from the conversation workers.
	NotifyWorkers workers.Config `yaml:"notify_workers" json:"notify_workers"`
}

// PresenceConfig configures the stale presence sweep.
type PresenceConfig struct {
	DisableReaper bool                  `yaml:"disable_reaper" json:"disable_reaper"`
	Reaper        presence.ReaperConfig `yaml:"reaper" json:"reaper"`
}

// EventsConfig configures domain event export.
type EventsConfig struct {
	Kafka events.KafkaConfig `yaml:"kafka" json:"kafka"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	Tracing observability.TraceConfig `yaml:"tracing" json:"tracing"`
}

// ConfigValidationError lists every problem found in a loaded config.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := base()
	applyDefaults(cfg)
	return cfg
}

// base holds defaults that a zero value cannot express, such as switches
// that are on unless the file turns them off.
func base() *Config {
	return &Config{
		Realtime: RealtimeConfig{RateLimit: ratelimit.Config{Enabled: true}},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "memory"
	}
	defaults := storage.DefaultSQLConfig()
	sqlCfg := &cfg.Database.SQL
	if sqlCfg.Driver == "" {
		sqlCfg.Driver = defaults.Driver
	}
	if sqlCfg.MaxOpenConns == 0 {
		sqlCfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if sqlCfg.MaxIdleConns == 0 {
		sqlCfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if sqlCfg.ConnMaxLifetime == 0 {
		sqlCfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if sqlCfg.ConnMaxIdleTime == 0 {
		sqlCfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if sqlCfg.ConnectTimeout == 0 {
		sqlCfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Auth.ValidationTimeout == 0 {
		cfg.Auth.ValidationTimeout = auth.DefaultValidationTimeout
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "relay"
	}

	rt := &cfg.Realtime
	hb := heartbeat.DefaultConfig()
	if rt.Heartbeat.Interval == 0 {
		rt.Heartbeat.Interval = hb.Interval
	}
	if rt.Heartbeat.MaxMissed == 0 {
		rt.Heartbeat.MaxMissed = hb.MaxMissed
	}
	if rt.ShutdownGrace == 0 {
		rt.ShutdownGrace = 15 * time.Second
	}
	if rt.SendBuffer == 0 {
		rt.SendBuffer = 64
	}
	if rt.MaxFrameBytes == 0 {
		rt.MaxFrameBytes = 64 << 10
	}
	if rt.WriteTimeout == 0 {
		rt.WriteTimeout = 10 * time.Second
	}
	if rt.RateLimit.RequestsPerSecond == 0 && rt.RateLimit.BurstSize == 0 {
		limits := ratelimit.DefaultConfig()
		rt.RateLimit.RequestsPerSecond = limits.RequestsPerSecond
		rt.RateLimit.BurstSize = limits.BurstSize
	}

	if cfg.Router.MaxContentBytes == 0 {
		cfg.Router.MaxContentBytes = 8192
	}
	if cfg.Router.MaxFiles == 0 {
		cfg.Router.MaxFiles = 10
	}
	if cfg.ChannelLayer.Backend == "" {
		cfg.ChannelLayer.Backend = "local"
	}
	if cfg.ChannelLayer.Prefix == "" {
		cfg.ChannelLayer.Prefix = "relay"
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "relay.events"
	}
	if cfg.Assistant.Provider == "" {
		cfg.Assistant.Provider = "none"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "relay"
	}
}

func validate(cfg *Config) error {
	var issues []string
	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d is out of range", cfg.Server.Port))
	}

	switch cfg.Database.Backend {
	case "memory":
	case "sql":
		if strings.TrimSpace(cfg.Database.SQL.DSN) == "" {
			issues = append(issues, "database.sql.dsn is required for the sql backend")
		}
		switch strings.ToLower(cfg.Database.SQL.Driver) {
		case "postgres", "postgresql", "cockroach", "cockroachdb", "sqlite", "sqlite3":
		default:
			issues = append(issues, fmt.Sprintf("database.sql.driver %q is not supported", cfg.Database.SQL.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("database.backend must be memory or sql, got %q", cfg.Database.Backend))
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" && len(cfg.Auth.APIKeys) == 0 {
		issues = append(issues, "auth.jwt_secret or auth.api_keys is required")
	}
	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 16 {
		issues = append(issues, "auth.jwt_secret must be at least 16 characters")
	}

	rt := cfg.Realtime
	if rt.Heartbeat.Interval < 0 || rt.Heartbeat.MaxMissed < 0 {
		issues = append(issues, "realtime.heartbeat interval and max_missed must be positive")
	}
	if rt.ShutdownGrace < 0 {
		issues = append(issues, "realtime.shutdown_grace must not be negative")
	}
	if rt.SendBuffer < 0 {
		issues = append(issues, "realtime.send_buffer must not be negative")
	}
	if rt.RateLimit.Enabled && (rt.RateLimit.RequestsPerSecond <= 0 || rt.RateLimit.BurstSize <= 0) {
		issues = append(issues, "realtime.rate_limit requires positive requests_per_second and burst_size")
	}

	switch cfg.ChannelLayer.Backend {
	case "local":
	case "redis":
		if strings.TrimSpace(cfg.ChannelLayer.Redis.Addr) == "" {
			issues = append(issues, "channel_layer.redis.addr is required for the redis backend")
		}
	case "nats":
		if strings.TrimSpace(cfg.ChannelLayer.NATS.URL) == "" {
			issues = append(issues, "channel_layer.nats.url is required for the nats backend")
		}
	default:
		issues = append(issues, fmt.Sprintf("channel_layer.backend must be local, redis or nats, got %q", cfg.ChannelLayer.Backend))
	}

	if cfg.Events.Kafka.Enabled && len(cfg.Events.Kafka.Brokers) == 0 {
		issues = append(issues, "events.kafka.brokers is required when kafka is enabled")
	}

	switch cfg.Assistant.Provider {
	case "none":
	case "openai", "anthropic", "gemini":
		if strings.TrimSpace(cfg.Assistant.APIKey) == "" {
			issues = append(issues, fmt.Sprintf("assistant.api_key is required for provider %s", cfg.Assistant.Provider))
		}
	default:
		issues = append(issues, fmt.Sprintf("assistant.provider must be none, openai, anthropic or gemini, got %q", cfg.Assistant.Provider))
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", cfg.Logging.Format))
	}
	if rate := cfg.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
