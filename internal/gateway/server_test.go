package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/channellayer"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/presence"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/unread"
	"github.com/haasonsaas/relay/internal/workers"
	"github.com/haasonsaas/relay/pkg/models"
)

const testSecret = "gateway-test-secret-0123"

type fixture struct {
	server   *Server
	http     *httptest.Server
	store    *storage.MemoryStore
	hub      *rooms.Hub
	tracker  *presence.Tracker
	jwt      *auth.JWTService
	registry *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := store.Create(ctx, &models.User{ID: id}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	err := store.CreateConversation(ctx, &models.Conversation{ID: "42", Kind: models.ConversationGroup}, []*models.ConversationMember{
		{UserID: "alice", Role: models.RoleOwner},
		{UserID: "bob", Role: models.RoleMember},
	})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	err = store.CreateConversation(ctx, &models.Conversation{ID: "7", Kind: models.ConversationGroup}, []*models.ConversationMember{
		{UserID: "alice", Role: models.RoleMember},
		{UserID: "bob", Role: models.RoleOwner},
	})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	hub := rooms.NewHub(nil, nil)
	fanout := channellayer.NewFanout(channellayer.NewLocal(hub), metrics.ObserveBroadcast)
	pool := workers.New(workers.Config{Workers: 4, QueueSize: 32})
	t.Cleanup(pool.Close)

	tracker := presence.NewTracker(store, store, fanout, nil)
	r := router.New(store, store, unread.NewCounter(store, fanout, nil), fanout, pool, router.Config{}, nil)
	t.Cleanup(r.Close)
	notifyPool := workers.New(workers.Config{Workers: 2, QueueSize: 32})
	t.Cleanup(notifyPool.Close)
	notifier := notify.NewService(store.Stores(), fanout, nil, notify.WithPool(notifyPool))

	authCfg := auth.Config{JWTSecret: testSecret, Issuer: "relay", ValidationTimeout: time.Second}
	gate := auth.NewGate(auth.NewService(authCfg), store, authCfg, nil)

	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 100 * time.Millisecond
	}
	srv, err := New(cfg, Deps{
		Gate:          gate,
		Hub:           hub,
		Conversations: store,
		Presence:      tracker,
		Router:        r,
		Notify:        notifier,
		Metrics:       metrics,
		Gatherer:      registry,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	return &fixture{
		server:   srv,
		http:     ts,
		store:    store,
		hub:      hub,
		tracker:  tracker,
		jwt:      auth.NewJWTService(testSecret, "relay", time.Hour),
		registry: registry,
	}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.jwt.Generate(&models.User{ID: userID})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return token
}

func (f *fixture) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + path + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials and consumes the connected frame.
func (f *fixture) connect(t *testing.T, path, userID string) (*websocket.Conn, models.Connected) {
	t.Helper()
	conn := f.dial(t, path, f.token(t, userID))
	env := readUntil(t, conn, models.EventConnected)
	var connected models.Connected
	if err := env.Decode(&connected); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return conn, connected
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType models.EventType) models.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if env.Type == eventType {
			return env
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		if closeErr.Code != code {
			t.Fatalf("close code = %d (%q), want %d", closeErr.Code, closeErr.Text, code)
		}
		return
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChatMessageReachesMembers(t *testing.T) {
	f := newFixture(t, Config{})
	alice, connected := f.connect(t, "/chat/42", "alice")
	bob, _ := f.connect(t, "/chat/42", "bob")

	if connected.Surface != SurfaceChat || len(connected.Rooms) != 2 {
		t.Fatalf("connected = %+v", connected)
	}

	send(t, alice, `{"type":"chat_message","requestId":"r1","payload":{"clientMessageId":"c1","content":"hello"}}`)

	env := readUntil(t, bob, models.EventChatMessage)
	var msg models.Message
	if err := env.Decode(&msg); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Content != "hello" || msg.SenderID != "alice" || msg.Seq != 1 {
		t.Fatalf("message = %+v", msg)
	}

	env = readUntil(t, bob, models.EventUnreadCountUpdate)
	var count models.UnreadCountUpdate
	if err := env.Decode(&count); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if count.UserID != "bob" || count.Count != 1 {
		t.Fatalf("unread = %+v", count)
	}

	readUntil(t, alice, models.EventChatMessage)
	if n, err := testutil.GatherAndCount(f.registry, "relay_messages_routed_total"); err != nil || n != 1 {
		t.Fatalf("relay_messages_routed_total series = %d, %v", n, err)
	}
}

func TestFlatSnakeCaseFrames(t *testing.T) {
	f := newFixture(t, Config{})
	alice, _ := f.connect(t, "/chat/42", "alice")
	bob, _ := f.connect(t, "/chat/42", "bob")

	send(t, alice, `{"type":"chat_message","conversation":42,"content":"hi"}`)
	env := readUntil(t, bob, models.EventChatMessage)
	var msg models.Message
	if err := env.Decode(&msg); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.ConversationID != "42" || msg.Type != models.MessageText {
		t.Fatalf("message = %+v", msg)
	}

	send(t, bob, `{"type":"read","message_ids":["`+msg.ID+`"]}`)
	env = readUntil(t, alice, models.EventMessageStatus)
	var status models.MessageStatusUpdate
	if err := env.Decode(&status); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if status.Status != models.StatusRead || len(status.MessageIDs) != 1 || status.MessageIDs[0] != msg.ID {
		t.Fatalf("status = %+v", status)
	}
	waitFor(t, "bob unread reset", func() bool {
		member, err := f.store.GetMember(context.Background(), "42", "bob")
		return err == nil && member.UnreadCount == 0
	})
}

func TestClosingOneChatKeepsTypingElsewhere(t *testing.T) {
	f := newFixture(t, Config{})
	alice42, _ := f.connect(t, "/chat/42", "alice")
	alice7, _ := f.connect(t, "/chat/7", "alice")
	bob, _ := f.connect(t, "/chat/42", "bob")

	send(t, alice42, `{"type":"typing","payload":{"isTyping":true}}`)
	var update models.TypingUpdate
	typingEnv := readUntil(t, bob, models.EventTyping)
	if err := typingEnv.Decode(&update); err != nil || !update.IsTyping {
		t.Fatalf("typing = %+v, %v", update, err)
	}

	_ = alice7.Close()
	waitFor(t, "one session", func() bool { return f.tracker.Sessions("alice") == 1 })
	send(t, alice42, `{"type":"chat_message","payload":{"content":"still typing"}}`)

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = bob.SetReadDeadline(deadline)
		_, data, err := bob.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for chat_message: %v", err)
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if env.Type == models.EventTyping {
			t.Fatalf("closing /chat/7 broadcast %s on conversation 42", data)
		}
		if env.Type == models.EventChatMessage {
			break
		}
	}

	_ = alice42.Close()
	typingEnv = readUntil(t, bob, models.EventTyping)
	if err := typingEnv.Decode(&update); err != nil || update.IsTyping || update.UserID != "alice" {
		t.Fatalf("typing after close = %+v, %v", update, err)
	}
}

func TestExpiredTokenClosesWithPolicyViolation(t *testing.T) {
	f := newFixture(t, Config{})
	past := time.Now().Add(-time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "relay",
		ExpiresAt: jwt.NewNumericDate(past),
	}}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	conn := f.dial(t, "/chat/42", expired)
	expectClose(t, conn, websocket.ClosePolicyViolation)

	if stats := f.hub.Registry().Stats(); stats.Connections != 0 || stats.Memberships != 0 {
		t.Fatalf("registry = %+v, want empty", stats)
	}
	if n := f.tracker.Sessions("alice"); n != 0 {
		t.Fatalf("sessions = %d, want 0", n)
	}
	p, err := f.tracker.GetStatus(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if p.Status != models.PresenceOffline {
		t.Fatalf("status = %q, want offline", p.Status)
	}
}

func TestNonMemberIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t, "/chat/42", f.token(t, "carol"))
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestInvalidFrameKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, Config{})
	alice, _ := f.connect(t, "/chat/42", "alice")

	send(t, alice, `{"type":"reaction","requestId":"bad","payload":{"emoji":"👍"}}`)
	env := readUntil(t, alice, models.EventError)
	var payload models.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload.Code != "validation_failure" {
		t.Fatalf("code = %q", payload.Code)
	}

	send(t, alice, `{"type":"assistant_message","payload":{"prompt":"hi"}}`)
	env = readUntil(t, alice, models.EventError)
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !strings.Contains(payload.Message, "not supported") {
		t.Fatalf("message = %q", payload.Message)
	}

	send(t, alice, `{"type":"ping","requestId":"p1"}`)
	if env := readUntil(t, alice, models.EventPong); env.RequestID != "p1" {
		t.Fatalf("pong requestId = %q", env.RequestID)
	}
}

func TestHeartbeatProbeAndAck(t *testing.T) {
	f := newFixture(t, Config{})
	alice, connected := f.connect(t, "/chat/42", "alice")

	send(t, alice, `{"type":"heartbeat","requestId":"hb1"}`)
	if env := readUntil(t, alice, models.EventHeartbeatAck); env.RequestID != "hb1" {
		t.Fatalf("ack requestId = %q", env.RequestID)
	}

	if err := f.server.probe(connected.ConnectionID, 2); err != nil {
		t.Fatalf("probe() error = %v", err)
	}
	env := readUntil(t, alice, models.EventHeartbeat)
	var hb models.HeartbeatPayload
	if err := env.Decode(&hb); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if hb.Missed != 2 {
		t.Fatalf("missed = %d, want 2", hb.Missed)
	}
}

func TestEvictionCleansUp(t *testing.T) {
	f := newFixture(t, Config{})
	alice, connected := f.connect(t, "/chat/42", "alice")

	f.server.evict(connected.ConnectionID, 3)
	expectClose(t, alice, websocket.CloseGoingAway)

	waitFor(t, "session teardown", func() bool { return f.server.Sessions() == 0 })
	if _, ok := f.hub.Conn(connected.ConnectionID); ok {
		t.Fatal("evicted connection still attached")
	}
	if rooms := f.hub.Registry().RoomsOf(connected.ConnectionID); len(rooms) != 0 {
		t.Fatalf("rooms = %v, want none", rooms)
	}
	waitFor(t, "presence offline", func() bool { return f.tracker.Sessions("alice") == 0 })
}

func TestPresenceFollowsSessions(t *testing.T) {
	f := newFixture(t, Config{})
	first, _ := f.connect(t, "/chat/42", "alice")
	_, _ = f.connect(t, "/notifications", "alice")

	if n := f.tracker.Sessions("alice"); n != 2 {
		t.Fatalf("sessions = %d, want 2", n)
	}
	_ = first.Close()
	waitFor(t, "one session", func() bool { return f.tracker.Sessions("alice") == 1 })

	p, err := f.tracker.GetStatus(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if p.Status != models.PresenceOnline {
		t.Fatalf("status = %q, want online while a session remains", p.Status)
	}
}

func TestRateLimitedFrames(t *testing.T) {
	f := newFixture(t, Config{RateLimit: ratelimit.Config{Enabled: true, RequestsPerSecond: 0.5, BurstSize: 1}})
	alice, _ := f.connect(t, "/chat/42", "alice")

	send(t, alice, `{"type":"typing","payload":{"isTyping":true}}`)
	send(t, alice, `{"type":"typing","requestId":"t2","payload":{"isTyping":false}}`)

	env := readUntil(t, alice, models.EventError)
	var payload models.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload.Code != "rate_limited" || env.RequestID != "t2" {
		t.Fatalf("error = %+v (requestId %q)", payload, env.RequestID)
	}
}

func TestGlobalLobby(t *testing.T) {
	f := newFixture(t, Config{})
	alice, _ := f.connect(t, "/chat/global", "alice")
	carol, _ := f.connect(t, "/chat/global", "carol")

	send(t, carol, `{"type":"chat_message","payload":{"content":"hi all"}}`)
	env := readUntil(t, alice, models.EventChatMessage)
	var msg models.Message
	if err := env.Decode(&msg); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.SenderID != "carol" || msg.Content != "hi all" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestConnectionsSurface(t *testing.T) {
	f := newFixture(t, Config{})
	bob, _ := f.connect(t, "/connections", "bob")

	send(t, bob, `{"type":"connection_request","requestId":"cr1","payload":{"toUserId":"carol","message":"hey"}}`)
	env := readUntil(t, bob, models.EventConnectionRequest)
	if env.RequestID != "cr1" {
		t.Fatalf("requestId = %q", env.RequestID)
	}

	carol, _ := f.connect(t, "/connections", "carol")
	env = readUntil(t, carol, models.EventConnectionRequest)
	var req models.ConnectionRequest
	if err := env.Decode(&req); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.FromUserID != "bob" || req.Status != models.ConnectionPending {
		t.Fatalf("pending request = %+v", req)
	}

	send(t, carol, `{"type":"connection_respond","payload":{"id":"`+req.ID+`","accept":true}}`)
	env = readUntil(t, bob, models.EventConnectionRequest)
	if err := env.Decode(&req); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.Status != models.ConnectionAccepted {
		t.Fatalf("status = %q, want accepted", req.Status)
	}
}

func TestAssistantDisabled(t *testing.T) {
	f := newFixture(t, Config{})
	conn, _ := f.connect(t, "/assistant/chat", "alice")

	send(t, conn, `{"type":"assistant_message","requestId":"s1","payload":{"prompt":"hello"}}`)
	env := readUntil(t, conn, models.EventError)
	var payload models.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload.Code != "validation_failure" || env.RequestID != "s1" {
		t.Fatalf("error = %+v", payload)
	}
}

func TestShutdownClosesWithServiceRestart(t *testing.T) {
	f := newFixture(t, Config{ShutdownGrace: 50 * time.Millisecond})
	alice, _ := f.connect(t, "/chat/42", "alice")

	done := make(chan error, 1)
	go func() { done <- f.server.Shutdown(context.Background()) }()

	expectClose(t, alice, websocket.CloseServiceRestart)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown() did not return")
	}

	late := f.dial(t, "/chat/42", f.token(t, "bob"))
	expectClose(t, late, websocket.CloseServiceRestart)
}

func TestPresenceAPI(t *testing.T) {
	f := newFixture(t, Config{})
	_, _ = f.connect(t, "/chat/42", "alice")
	token := f.token(t, "bob")

	do := func(method, path, body string) (*http.Response, map[string]any) {
		t.Helper()
		req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, body := do(http.MethodGet, "/api/presence/alice", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "online" || body["isOnline"] != true {
		t.Fatalf("GET alice = %d %v", resp.StatusCode, body)
	}

	resp, body = do(http.MethodPut, "/api/presence", `{"status":"busy"}`)
	if resp.StatusCode != http.StatusOK || body["status"] != "busy" {
		t.Fatalf("PUT busy = %d %v", resp.StatusCode, body)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"offline rejected", http.MethodPut, "/api/presence", `{"status":"offline"}`, http.StatusBadRequest},
		{"unknown status", http.MethodPut, "/api/presence", `{"status":"asleep"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPut, "/api/presence", `nope`, http.StatusBadRequest},
		{"unknown user", http.MethodGet, "/api/presence/nobody", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/presence/alice", nil)
	unauth, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = unauth.Body.Close()
	if unauth.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", unauth.StatusCode)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, Config{})
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.http.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}
}
