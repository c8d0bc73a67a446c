package channellayer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/relay/pkg/models"
)

// Redis fans out through Redis PUBLISH/PSUBSCRIBE on "<prefix>:room:<key>".
type Redis struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	hub     Deliverer
	logger  *slog.Logger
	owned   bool

	closeOnce sync.Once
	done      chan struct{}
}

// DialRedis connects to Redis and subscribes to every room channel.
func DialRedis(ctx context.Context, cfg RedisConfig, prefix string, hub Deliverer, logger *slog.Logger) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	layer, err := NewRedis(ctx, client, prefix, hub, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	layer.owned = true
	return layer, nil
}

// NewRedis subscribes an existing client. The caller keeps ownership of client.
func NewRedis(ctx context.Context, client *redis.Client, prefix string, hub Deliverer, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "relay"
	}
	channel := prefix + ":room:"
	pubsub := client.PSubscribe(ctx, channel+"*")
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe redis: %w", err)
	}
	r := &Redis{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		hub:     hub,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *Redis) loop() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		room := models.RoomKey(strings.TrimPrefix(msg.Channel, r.channel))
		r.hub.Deliver(room, []byte(msg.Payload))
	}
}

func (r *Redis) Publish(ctx context.Context, room models.RoomKey, data []byte) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	if err := r.client.Publish(ctx, r.channel+string(room), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", room, err)
	}
	return nil
}

func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.pubsub.Close()
		<-r.done
		if r.owned {
			if cerr := r.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
