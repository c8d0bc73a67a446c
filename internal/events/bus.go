// Package events provides explicit in-process publication of domain events.
// Producers call Publish; consumers are registered with Subscribe at wiring
// time, so every side effect of a state change is visible at the call site.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a domain event.
type Type string

const (
	MessageCreated      Type = "message.created"
	MessageUpdated      Type = "message.updated"
	MessageDeleted      Type = "message.deleted"
	MessagesRead        Type = "message.read"
	ReactionToggled     Type = "reaction.toggled"
	PresenceChanged     Type = "presence.changed"
	NotificationCreated Type = "notification.created"
	ConnectionRequested Type = "connection.requested"
	ConnectionAccepted  Type = "connection.accepted"
)

// Event is a domain event. Key partitions downstream consumers, usually the
// conversation or user id.
type Event struct {
	Type    Type      `json:"type"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Handler consumes events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, event Event)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus fans events out to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[Type][]Handler), logger: logger.With("component", "events")}
}

// Subscribe registers h for the given types, or for every event when none are given.
func (b *Bus) Subscribe(h Handler, types ...Type) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.all = append(b.all, h)
		return
	}
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// Publish delivers event to its handlers. A panicking handler is logged and
// does not affect the others.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event.Type, "key", event.Key, "panic", r)
		}
	}()
	h(ctx, event)
}
