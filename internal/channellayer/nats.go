package channellayer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/haasonsaas/relay/pkg/models"
)

// roomHeader carries the room key; room ids may contain characters that are
// not valid in subject tokens.
const roomHeader = "Relay-Room"

// NATS fans out through a single "<prefix>.rooms" subject.
type NATS struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	hub     Deliverer
	logger  *slog.Logger
}

// DialNATS connects to NATS and subscribes to room broadcasts.
func DialNATS(cfg NATSConfig, prefix string, hub Deliverer, logger *slog.Logger) (*NATS, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "relay"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	layer, err := NewNATS(conn, prefix, hub, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return layer, nil
}

// NewNATS subscribes an existing connection. Close drains and closes conn.
func NewNATS(conn *nats.Conn, prefix string, hub Deliverer, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "relay"
	}
	n := &NATS{conn: conn, subject: natsSubject(prefix), hub: hub, logger: logger}
	sub, err := conn.Subscribe(n.subject, n.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe nats: %w", err)
	}
	n.sub = sub
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush nats subscription: %w", err)
	}
	return n, nil
}

func natsSubject(prefix string) string {
	return strings.ReplaceAll(prefix, ":", ".") + ".rooms"
}

func newRoomMsg(subject string, room models.RoomKey, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(roomHeader, string(room))
	msg.Data = data
	return msg
}

func (n *NATS) handle(msg *nats.Msg) {
	room := msg.Header.Get(roomHeader)
	if room == "" {
		n.logger.Debug("nats frame without room header", "subject", msg.Subject)
		return
	}
	n.hub.Deliver(models.RoomKey(room), msg.Data)
}

func (n *NATS) Publish(ctx context.Context, room models.RoomKey, data []byte) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.PublishMsg(newRoomMsg(n.subject, room, data)); err != nil {
		return fmt.Errorf("nats publish %s: %w", room, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}
