package channellayer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/relay/pkg/models"
)

type frame struct {
	room models.RoomKey
	data []byte
}

type captureHub struct {
	mu     sync.Mutex
	frames []frame
	notify chan struct{}
}

func newCaptureHub() *captureHub {
	return &captureHub{notify: make(chan struct{}, 16)}
}

func (h *captureHub) Deliver(room models.RoomKey, data []byte) int {
	h.mu.Lock()
	h.frames = append(h.frames, frame{room: room, data: data})
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return 1
}

func (h *captureHub) wait(t *testing.T, n int) []frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.mu.Lock()
		if len(h.frames) >= n {
			out := append([]frame(nil), h.frames...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		select {
		case <-h.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func TestFanoutLocal(t *testing.T) {
	hub := newCaptureHub()
	var observed []string
	fanout := NewFanout(NewLocal(hub), func(kind string, eventType models.EventType, err error) {
		observed = append(observed, kind+"/"+string(eventType))
	})

	payload := models.TypingUpdate{ConversationID: "42", UserID: "alice", IsTyping: true}
	if err := fanout.Broadcast(context.Background(), models.ConversationRoom("42"), models.EventTyping, payload); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	frames := hub.wait(t, 1)
	var env models.Envelope
	if err := json.Unmarshal(frames[0].data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != models.EventTyping || frames[0].room != "conversation:42" {
		t.Fatalf("frame = %s %s", frames[0].room, env.Type)
	}
	if len(observed) != 1 || observed[0] != "conversation/typing" {
		t.Fatalf("observed = %v", observed)
	}
}

func TestRedisLayerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	nodeA := newCaptureHub()
	nodeB := newCaptureHub()
	layerA, err := NewRedis(ctx, client, "test", nodeA, nil)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	defer layerA.Close()
	layerB, err := NewRedis(ctx, client, "test", nodeB, nil)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	defer layerB.Close()

	if err := layerA.Publish(ctx, models.UserRoom("bob"), []byte(`{"type":"unread_count_update"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for name, hub := range map[string]*captureHub{"a": nodeA, "b": nodeB} {
		frames := hub.wait(t, 1)
		if frames[0].room != "user:bob" {
			t.Fatalf("node %s room = %q, want user:bob", name, frames[0].room)
		}
	}

	if err := layerA.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := layerA.Publish(ctx, models.GlobalRoom, nil); err != ErrClosed {
		t.Fatalf("Publish() after close error = %v, want ErrClosed", err)
	}
}

func TestNATSRoomHeader(t *testing.T) {
	if got := natsSubject("relay:prod"); got != "relay.prod.rooms" {
		t.Fatalf("natsSubject() = %q", got)
	}
	msg := newRoomMsg("relay.rooms", models.ConversationRoom("a.b*c"), []byte("x"))
	if msg.Header.Get(roomHeader) != "conversation:a.b*c" || string(msg.Data) != "x" {
		t.Fatalf("newRoomMsg() = %+v", msg)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "carrier-pigeon"}, newCaptureHub(), nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	layer, err := Open(context.Background(), Config{}, newCaptureHub(), nil)
	if err != nil {
		t.Fatalf("Open() default error = %v", err)
	}
	if _, ok := layer.(*Local); !ok {
		t.Fatalf("Open() default = %T, want *Local", layer)
	}
}
