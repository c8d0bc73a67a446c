// Package gateway serves the WebSocket surfaces and the small HTTP API of a
// relay node. Each connection is authenticated, attached to its rooms,
// supervised by the shared heartbeat and torn down on close.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/assistant"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/heartbeat"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/presence"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// Surfaces served by the gateway.
const (
	SurfaceChat          = "chat"
	SurfaceGlobal        = "global"
	SurfaceConnections   = "connections"
	SurfaceNotifications = "notifications"
	SurfaceAssistant     = "assistant"
)

var (
	ErrNotMember         = relayerr.New(relayerr.KindMembership, "not a member of this conversation")
	ErrRateLimited       = relayerr.New(relayerr.KindRateLimited, "too many messages, slow down")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrSendBufferFull    = errors.New("send buffer full")
	errMissingConvParam  = relayerr.Validation("conversation id is required")
	errShutdownInProcess = errors.New("server shutting down")
)

// Config tunes connection handling.
type Config struct {
	Heartbeat      heartbeat.Config
	ShutdownGrace  time.Duration
	SendBuffer     int
	MaxFrameBytes  int64
	WriteTimeout   time.Duration
	RateLimit      ratelimit.Config
	AllowedOrigins []string
	Assistant      assistant.Config
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Deps are the components a gateway drives. Assistant, Metrics, Tracer,
// Gatherer and Ready are optional.
type Deps struct {
	Gate          *auth.Gate
	Hub           *rooms.Hub
	Conversations storage.ConversationStore
	Presence      *presence.Tracker
	Router        *router.Router
	Notify        *notify.Service
	Assistant     assistant.Provider
	Metrics       *observability.Metrics
	Tracer        *observability.Tracer
	Gatherer      prometheus.Gatherer
	Ready         func(context.Context) error
	Logger        *slog.Logger
}

// Server owns the live sessions of one node.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	upgrader  websocket.Upgrader
	heartbeat *heartbeat.Supervisor
	limiter   *ratelimit.Limiter
	mux       *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
	drained  chan struct{}
}

// New validates deps and builds the server. Call Start to run the heartbeat.
func New(cfg Config, deps Deps) (*Server, error) {
	required := map[string]bool{
		"gate":          deps.Gate != nil,
		"hub":           deps.Hub != nil,
		"conversations": deps.Conversations != nil,
		"presence":      deps.Presence != nil,
		"router":        deps.Router != nil,
		"notify":        deps.Notify != nil,
	}
	for name, ok := range required {
		if !ok {
			return nil, errors.New("gateway: " + name + " is required")
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	s := &Server{
		config:   cfg.withDefaults(),
		deps:     deps,
		logger:   logger.With("component", "gateway"),
		metrics:  deps.Metrics,
		tracer:   tracer,
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		sessions: make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.heartbeat = heartbeat.NewSupervisor(s.config.Heartbeat, s.probe, s.evict, logger)
	deps.Hub.OnDrop(func(conn rooms.Conn, room models.RoomKey, err error) {
		s.logger.Debug("frame dropped", "conn_id", conn.ID(), "room", room, "error", err)
	})
	s.mux = s.routes()
	return s, nil
}

// Start runs the heartbeat scheduler until ctx ends or Shutdown is called.
func (s *Server) Start(ctx context.Context) {
	s.heartbeat.Start(ctx)
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting sessions, waits up to the shutdown grace for the
// live ones to end and then closes the rest with 1012.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.heartbeat.Stop()

	s.mu.Lock()
	s.draining = true
	if len(s.sessions) == 0 {
		s.mu.Unlock()
		return nil
	}
	drained := make(chan struct{})
	s.drained = drained
	live := len(s.sessions)
	s.mu.Unlock()

	s.logger.Info("draining sessions", "sessions", live, "grace", s.config.ShutdownGrace)
	grace := time.NewTimer(s.config.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	s.mu.Lock()
	remaining := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		remaining = append(remaining, sess)
	}
	s.mu.Unlock()
	s.logger.Info("closing remaining sessions", "sessions", len(remaining))
	for _, sess := range remaining {
		sess.closeWith(websocket.CloseServiceRestart, errShutdownInProcess.Error())
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) serveWS(surface string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			s.metrics.RateLimitHit()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "surface", surface, "error", err)
			return
		}
		if s.isDraining() {
			rejectConn(conn, websocket.CloseServiceRestart, errShutdownInProcess.Error())
			return
		}

		user, err := s.deps.Gate.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			s.metrics.AuthFailed(surface)
			s.logger.Info("websocket auth rejected", "surface", surface, "remote", r.RemoteAddr, "error", err)
			rejectConn(conn, websocket.ClosePolicyViolation, relayerr.Public(err))
			return
		}

		keys, conversationID, err := s.roomsFor(r, surface, user.ID)
		if err != nil {
			s.metrics.RecordError(err)
			s.logger.Info("websocket join rejected", "surface", surface, "user_id", user.ID, "error", err)
			rejectConn(conn, closeCodeFor(err), relayerr.Public(err))
			return
		}

		sess := newSession(s, conn, user.ID, surface, conversationID, keys)
		if !s.track(sess) {
			rejectConn(conn, websocket.CloseServiceRestart, errShutdownInProcess.Error())
			return
		}
		s.serveSession(sess)
	}
}

func (s *Server) roomsFor(r *http.Request, surface, userID string) ([]models.RoomKey, string, error) {
	switch surface {
	case SurfaceChat:
		conversationID := strings.TrimSpace(r.PathValue("conversationID"))
		if conversationID == "" {
			return nil, "", errMissingConvParam
		}
		if _, err := s.deps.Conversations.GetMember(r.Context(), conversationID, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, "", ErrNotMember
			}
			return nil, "", relayerr.Wrap(relayerr.KindPersistence, "lookup membership", err)
		}
		return []models.RoomKey{models.ConversationRoom(conversationID), models.UserRoom(userID)}, conversationID, nil
	case SurfaceGlobal:
		return []models.RoomKey{models.GlobalRoom, models.UserRoom(userID)}, "", nil
	default:
		return []models.RoomKey{models.UserRoom(userID)}, "", nil
	}
}

func (s *Server) serveSession(sess *session) {
	ctx := sess.ctx
	s.deps.Hub.Attach(sess, sess.rooms...)
	s.deps.Presence.Connect(ctx, sess.userID)
	s.heartbeat.Register(sess.id)
	s.metrics.ConnectionOpened(sess.surface)
	sess.logger.Info("session opened", "rooms", len(sess.rooms))
	defer s.teardown(sess)

	go sess.writeLoop()

	if err := sess.emit(models.EventConnected, models.Connected{
		ConnectionID:        sess.id,
		UserID:              sess.userID,
		Surface:             sess.surface,
		Rooms:               sess.rooms,
		HeartbeatIntervalMs: s.heartbeat.Interval().Milliseconds(),
	}); err != nil {
		return
	}
	s.greet(sess)
	sess.readLoop()
}

// greet pushes the state a surface shows on open.
func (s *Server) greet(sess *session) {
	ctx := sess.ctx
	switch sess.surface {
	case SurfaceConnections:
		pending, err := s.deps.Notify.Pending(ctx, sess.userID)
		if err != nil {
			sess.logger.Warn("load pending requests failed", "error", err)
		}
		for _, req := range pending {
			_ = sess.emit(models.EventConnectionRequest, req)
		}
		suggestions, err := s.deps.Notify.Suggestions(ctx, sess.userID, 20)
		if err != nil {
			sess.logger.Warn("load suggestions failed", "error", err)
		}
		for _, suggestion := range suggestions {
			_ = sess.emit(models.EventFriendSuggestion, suggestion)
		}
	case SurfaceNotifications:
		unread, err := s.deps.Notify.List(ctx, sess.userID, true, 50)
		if err != nil {
			sess.logger.Warn("load notifications failed", "error", err)
		}
		for _, n := range unread {
			_ = sess.emit(models.EventNotification, n)
		}
	}
}

func (s *Server) teardown(sess *session) {
	ctx := context.WithoutCancel(sess.ctx)
	sess.closeWith(websocket.CloseNormalClosure, "")

	s.heartbeat.Remove(sess.id)
	s.deps.Hub.Detach(sess.id)
	if sess.streams != nil {
		sess.streams.Close()
	}
	if sess.surface == SurfaceChat && !s.otherChatOpen(sess) {
		_ = s.deps.Router.Typing(ctx, sess.userID, sess.conversationID, false)
	}
	remaining := s.deps.Presence.Disconnect(ctx, sess.userID)
	if remaining == 0 {
		s.deps.Router.ClearTyping(ctx, sess.userID)
	}
	s.metrics.ConnectionClosed(sess.surface)
	s.untrack(sess.id)
	sess.logger.Info("session closed", "user_sessions", remaining)
}

// otherChatOpen reports whether the user has another chat session on the
// same conversation.
func (s *Server) otherChatOpen(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.sessions {
		if id != sess.id && other.surface == SurfaceChat &&
			other.userID == sess.userID && other.conversationID == sess.conversationID {
			return true
		}
	}
	return false
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	if s.draining && len(s.sessions) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

func (s *Server) session(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) probe(connID string, missed int) error {
	sess, ok := s.session(connID)
	if !ok {
		return ErrConnectionClosed
	}
	deadline := time.Now().Add(s.config.WriteTimeout)
	if err := sess.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	return sess.emit(models.EventHeartbeat, models.HeartbeatPayload{
		Timestamp: time.Now().UnixMilli(),
		Missed:    missed,
	})
}

func (s *Server) evict(connID string, missed int) {
	s.metrics.HeartbeatEvicted()
	sess, ok := s.session(connID)
	if !ok {
		return
	}
	sess.logger.Info("session evicted", "missed", missed)
	sess.closeWith(websocket.CloseGoingAway, "heartbeat timeout")
}

// beat records liveness for any inbound traffic.
func (s *Server) beat(sess *session) {
	s.heartbeat.Beat(sess.id)
	s.deps.Presence.Touch(sess.ctx, sess.userID)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func closeCodeFor(err error) int {
	switch relayerr.KindOf(err) {
	case relayerr.KindAuth, relayerr.KindMembership, relayerr.KindValidation:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// rejectConn closes a connection that never became a session.
func rejectConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
