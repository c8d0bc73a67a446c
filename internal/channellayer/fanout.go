package channellayer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/pkg/models"
)

// Broadcaster sends typed events to rooms. Components depend on this
// interface rather than on a concrete layer.
type Broadcaster interface {
	Broadcast(ctx context.Context, room models.RoomKey, eventType models.EventType, payload any) error
}

// ObserveFunc records the outcome of a broadcast.
type ObserveFunc func(roomKind string, eventType models.EventType, err error)

// Fanout encodes envelopes once and publishes them through a Layer.
type Fanout struct {
	layer   Layer
	observe ObserveFunc
}

// NewFanout wraps layer. observe may be nil.
func NewFanout(layer Layer, observe ObserveFunc) *Fanout {
	return &Fanout{layer: layer, observe: observe}
}

// Broadcast encodes payload as an envelope of eventType and publishes it to room.
func (f *Fanout) Broadcast(ctx context.Context, room models.RoomKey, eventType models.EventType, payload any) error {
	env, err := models.NewEnvelope(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return f.Send(ctx, room, env)
}

// Send publishes a prepared envelope.
func (f *Fanout) Send(ctx context.Context, room models.RoomKey, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = f.layer.Publish(ctx, room, data)
	if f.observe != nil {
		f.observe(room.Kind(), env.Type, err)
	}
	return err
}
