package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/assistant"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
)

// session is one authenticated WebSocket connection. It implements
// rooms.Conn; Send never blocks.
type session struct {
	id             string
	userID         string
	surface        string
	conversationID string
	rooms          []models.RoomKey

	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	bucket  *ratelimit.Bucket
	streams *assistant.Streams
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn, userID, surface, conversationID string, keys []models.RoomKey) *session {
	id := uuid.NewString()
	ctx := observability.WithConnID(context.Background(), id)
	ctx = observability.WithUserID(ctx, userID)
	if conversationID != "" {
		ctx = observability.WithConversationID(ctx, conversationID)
	}
	ctx, cancel := context.WithCancel(ctx)

	sess := &session{
		id:             id,
		userID:         userID,
		surface:        surface,
		conversationID: conversationID,
		rooms:          keys,
		server:         server,
		conn:           conn,
		send:           make(chan []byte, server.config.SendBuffer),
		bucket:         server.limiter.Bucket(),
		logger:         server.logger.With("conn_id", id, "user_id", userID, "surface", surface),
		ctx:            ctx,
		cancel:         cancel,
	}
	if surface == SurfaceAssistant {
		sess.streams = assistant.NewStreams(server.deps.Assistant, server.config.Assistant, server.logger)
	}
	return sess
}

func (s *session) ID() string     { return s.id }
func (s *session) UserID() string { return s.userID }

// Send queues data for the write loop.
func (s *session) Send(data []byte) error {
	select {
	case <-s.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (s *session) emit(eventType models.EventType, payload any) error {
	return s.reply("", eventType, payload)
}

func (s *session) reply(requestID string, eventType models.EventType, payload any) error {
	env, err := models.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	env.RequestID = requestID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// fail answers the sender with an error envelope, or ends the session when
// the error is terminal.
func (s *session) fail(requestID string, err error) {
	s.server.metrics.RecordError(err)
	kind := relayerr.KindOf(err)
	switch kind {
	case relayerr.KindPersistence, relayerr.KindInternal:
		s.logger.Warn("request failed", "request_id", requestID, "kind", kind, "error", err)
	default:
		s.logger.Debug("request rejected", "request_id", requestID, "kind", kind, "error", err)
	}
	if relayerr.Terminal(err) {
		s.closeWith(websocket.ClosePolicyViolation, relayerr.Public(err))
		return
	}
	_ = s.reply(requestID, models.EventError, models.ErrorPayload{
		Code:    string(kind),
		Message: relayerr.Public(err),
	})
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(s.server.config.MaxFrameBytes)
	s.conn.SetPongHandler(func(string) error {
		s.server.beat(s)
		return nil
	})
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.fail("", relayerr.Validation("frames must be JSON text"))
			continue
		}
		s.server.handleFrame(s, data)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				s.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// closeWith sends a close frame once, cancels the session context and
// closes the socket so the read loop returns.
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		if code != websocket.CloseAbnormalClosure {
			deadline := time.Now().Add(time.Second)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		}
		s.cancel()
		_ = s.conn.Close()
	})
}
