// Package channellayer carries room broadcasts between gateway nodes. Every
// backend delivers published frames to the local rooms.Hub of each node,
// including the publishing one.
package channellayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("channel layer closed")

// Deliverer performs local fan-out of a frame to a room.
type Deliverer interface {
	Deliver(room models.RoomKey, data []byte) int
}

// Layer publishes serialized envelopes to rooms.
type Layer interface {
	Publish(ctx context.Context, room models.RoomKey, data []byte) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "local", "redis" or "nats".
	Backend string `yaml:"backend" json:"backend"`
	// Prefix namespaces channels and subjects.
	Prefix string      `yaml:"prefix" json:"prefix"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
	NATS   NATSConfig  `yaml:"nats" json:"nats"`
	// ConnectAttempts bounds startup retries against the broker.
	ConnectAttempts int `yaml:"connect_attempts" json:"connect_attempts"`
}

// RedisConfig configures the Redis pub/sub backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// NATSConfig configures the NATS backend.
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url"`
	Name          string        `yaml:"name" json:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
}

// Open builds the configured backend around hub.
func Open(ctx context.Context, cfg Config, hub Deliverer, logger *slog.Logger) (Layer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channellayer")
	if cfg.Prefix == "" {
		cfg.Prefix = "relay"
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	onRetry := func(attempt int, err error, wait time.Duration) {
		logger.Warn("channel layer connect failed", "backend", cfg.Backend, "attempt", attempt, "retry_in", wait, "error", err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "local":
		return NewLocal(hub), nil
	case "redis":
		return backoff.Retry(ctx, backoff.DefaultPolicy(), attempts, func(int) (Layer, error) {
			layer, err := DialRedis(ctx, cfg.Redis, cfg.Prefix, hub, logger)
			if err != nil {
				return nil, err
			}
			return layer, nil
		}, onRetry)
	case "nats":
		return backoff.Retry(ctx, backoff.DefaultPolicy(), attempts, func(int) (Layer, error) {
			layer, err := DialNATS(cfg.NATS, cfg.Prefix, hub, logger)
			if err != nil {
				return nil, err
			}
			return layer, nil
		}, onRetry)
	default:
		return nil, fmt.Errorf("unknown channel layer backend %q", cfg.Backend)
	}
}

// Local delivers directly to the in-process hub. It serves single-node
// deployments and tests.
type Local struct {
	hub Deliverer
}

// NewLocal creates an in-process layer.
func NewLocal(hub Deliverer) *Local {
	return &Local{hub: hub}
}

func (l *Local) Publish(ctx context.Context, room models.RoomKey, data []byte) error {
	if l == nil || l.hub == nil {
		return ErrClosed
	}
	l.hub.Deliver(room, data)
	return nil
}

func (l *Local) Close() error { return nil }
