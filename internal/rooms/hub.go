package rooms

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// Conn is a live, authenticated connection that can receive frames.
type Conn interface {
	ID() string
	UserID() string
	// Send queues data without blocking. It fails when the connection's
	// buffer is full or the connection is closing.
	Send(data []byte) error
}

// DropFunc observes frames that could not be queued to a connection.
type DropFunc func(conn Conn, room models.RoomKey, err error)

// Hub pairs the Registry with the connection handles living on this node
// and performs local fan-out.
type Hub struct {
	registry *Registry
	conns    sync.Map // conn id -> Conn
	logger   *slog.Logger
	onDrop   DropFunc
}

// NewHub creates a hub over registry. A nil registry gets a default one.
func NewHub(registry *Registry, logger *slog.Logger) *Hub {
	if registry == nil {
		registry = NewRegistry(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{registry: registry, logger: logger.With("component", "rooms")}
}

// OnDrop installs a callback for frames dropped during fan-out.
func (h *Hub) OnDrop(fn DropFunc) {
	h.onDrop = fn
}

// Registry returns the underlying membership index.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Attach registers an authenticated connection and joins it to rooms.
func (h *Hub) Attach(conn Conn, rooms ...models.RoomKey) {
	if conn == nil {
		return
	}
	h.conns.Store(conn.ID(), conn)
	for _, room := range rooms {
		h.registry.Join(conn.ID(), room)
	}
}

// Detach removes the connection from every room and forgets its handle.
// It returns the rooms the connection left.
func (h *Hub) Detach(connID string) []models.RoomKey {
	left := h.registry.DropConnection(connID)
	h.conns.Delete(connID)
	return left
}

// Join adds an attached connection to room.
func (h *Hub) Join(connID string, room models.RoomKey) bool {
	if _, ok := h.conns.Load(connID); !ok {
		return false
	}
	return h.registry.Join(connID, room)
}

// Leave removes connID from room.
func (h *Hub) Leave(connID string, room models.RoomKey) bool {
	return h.registry.Leave(connID, room)
}

// Conn returns the handle of an attached connection.
func (h *Hub) Conn(connID string) (Conn, bool) {
	value, ok := h.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return value.(Conn), true
}

// UserConnections returns the attached connections of userID.
func (h *Hub) UserConnections(userID string) []Conn {
	ids := h.registry.ConnectionsInRoom(models.UserRoom(userID))
	out := make([]Conn, 0, len(ids))
	for _, id := range ids {
		if conn, ok := h.Conn(id); ok {
			out = append(out, conn)
		}
	}
	return out
}

// Deliver queues data to every local member of room and returns how many
// connections accepted it. Slow consumers are dropped, never waited on.
func (h *Hub) Deliver(room models.RoomKey, data []byte) int {
	delivered := 0
	for _, id := range h.registry.ConnectionsInRoom(room) {
		conn, ok := h.Conn(id)
		if !ok {
			continue
		}
		if err := conn.Send(data); err != nil {
			h.logger.Debug("fan-out dropped frame", "room", room, "conn_id", id, "error", err)
			if h.onDrop != nil {
				h.onDrop(conn, room, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}
