package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

type sent struct {
	room      models.RoomKey
	eventType models.EventType
	payload   any
}

type recordingFanout struct {
	mu   sync.Mutex
	sent []sent
}

func (f *recordingFanout) Broadcast(_ context.Context, room models.RoomKey, eventType models.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{room: room, eventType: eventType, payload: payload})
	return nil
}

func (f *recordingFanout) reset() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *storage.MemoryStore, *recordingFanout) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := store.Create(ctx, &models.User{ID: id}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	members := []*models.ConversationMember{{UserID: "alice"}, {UserID: "bob"}}
	if err := store.CreateConversation(ctx, &models.Conversation{ID: "42"}, members); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	fanout := &recordingFanout{}
	return NewTracker(store, store, fanout, nil, opts...), store, fanout
}

func TestConnectBroadcastsToRelatedUsers(t *testing.T) {
	tracker, store, fanout := newTestTracker(t)
	ctx := context.Background()

	if n := tracker.Connect(ctx, "alice"); n != 1 {
		t.Fatalf("Connect() = %d, want 1", n)
	}
	got := fanout.reset()
	if len(got) != 2 {
		t.Fatalf("broadcasts = %d, want personal room and bob", len(got))
	}
	if got[0].room != models.UserRoom("alice") || got[1].room != models.UserRoom("bob") {
		t.Fatalf("rooms = %s, %s", got[0].room, got[1].room)
	}
	change := got[0].payload.(models.PresenceChanged)
	if change.Status != models.PresenceOnline || !change.IsOnline || got[0].eventType != models.EventOnlineStatusChange {
		t.Fatalf("payload = %+v", change)
	}
	p, _ := store.GetPresence(ctx, "alice")
	if p.Status != models.PresenceOnline {
		t.Fatalf("stored status = %q", p.Status)
	}
}

func TestMultipleSessionsKeepUserOnline(t *testing.T) {
	tracker, store, fanout := newTestTracker(t)
	ctx := context.Background()

	tracker.Connect(ctx, "alice")
	tracker.Connect(ctx, "alice")
	fanout.reset()

	if n := tracker.Disconnect(ctx, "alice"); n != 1 {
		t.Fatalf("Disconnect() = %d, want 1", n)
	}
	p, _ := store.GetPresence(ctx, "alice")
	if p.Status != models.PresenceOnline {
		t.Fatalf("status after first disconnect = %q, want online", p.Status)
	}
	if len(fanout.reset()) != 0 {
		t.Fatal("no broadcast expected while a session remains")
	}

	if n := tracker.Disconnect(ctx, "alice"); n != 0 {
		t.Fatalf("Disconnect() = %d, want 0", n)
	}
	p, _ = store.GetPresence(ctx, "alice")
	if p.Status != models.PresenceOffline {
		t.Fatalf("status after last disconnect = %q, want offline", p.Status)
	}
	if tracker.Sessions("alice") != 0 {
		t.Fatal("expected no sessions")
	}
	if n := tracker.Disconnect(ctx, "alice"); n != 0 {
		t.Fatalf("extra Disconnect() = %d", n)
	}
}

func TestConcurrentSessions(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Connect(ctx, "bob")
		}()
	}
	wg.Wait()
	if tracker.Sessions("bob") != 20 {
		t.Fatalf("sessions = %d, want 20", tracker.Sessions("bob"))
	}
	for i := 0; i < 19; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Disconnect(ctx, "bob")
		}()
	}
	wg.Wait()
	p, _ := store.GetPresence(ctx, "bob")
	if p.Status != models.PresenceOnline {
		t.Fatalf("status = %q with one session left", p.Status)
	}
}

func TestSetStatusOnlyBroadcastsChanges(t *testing.T) {
	var changes []models.PresenceStatus
	bus := events.NewBus(nil)
	var published int
	bus.Subscribe(func(context.Context, events.Event) { published++ }, events.PresenceChanged)
	tracker, _, fanout := newTestTracker(t, WithEvents(bus), WithChangeHook(func(s models.PresenceStatus) { changes = append(changes, s) }))
	ctx := context.Background()

	tracker.Connect(ctx, "alice")
	fanout.reset()

	if _, err := tracker.RequestStatus(ctx, "alice", models.PresenceBusy); err != nil {
		t.Fatalf("RequestStatus() error = %v", err)
	}
	if _, err := tracker.RequestStatus(ctx, "alice", models.PresenceBusy); err != nil {
		t.Fatalf("RequestStatus() error = %v", err)
	}
	if got := fanout.reset(); len(got) != 2 {
		t.Fatalf("broadcasts = %d, want one change to two rooms", len(got))
	}
	if len(changes) != 2 || changes[1] != models.PresenceBusy || published != 2 {
		t.Fatalf("changes = %v published = %d", changes, published)
	}

	if _, err := tracker.RequestStatus(ctx, "alice", models.PresenceOffline); !errors.Is(err, ErrOfflineRequest) {
		t.Fatalf("RequestStatus(offline) error = %v", err)
	}
	if _, err := tracker.SetStatus(ctx, "alice", "invisible"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("SetStatus(invalid) error = %v", err)
	}
}

type failingStore struct {
	storage.PresenceStore
}

func (failingStore) SetPresence(context.Context, string, models.PresenceStatus, time.Time) (models.PresenceStatus, error) {
	return "", errors.New("database unavailable")
}

func TestPersistenceFailureStillBroadcasts(t *testing.T) {
	fanout := &recordingFanout{}
	tracker := NewTracker(failingStore{storage.NewMemoryStore()}, nil, fanout, nil)
	tracker.Connect(context.Background(), "alice")
	if got := fanout.reset(); len(got) != 1 {
		t.Fatalf("broadcasts = %d, want 1 despite the failed write", len(got))
	}
}

func TestGetStatusUnknownUser(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	if _, err := tracker.GetStatus(context.Background(), "nobody"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("GetStatus() error = %v", err)
	}
}

func TestTouchRefreshesLastActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tracker, store, _ := newTestTracker(t, WithClock(clock), WithTouchInterval(time.Minute))
	ctx := context.Background()

	tracker.Connect(ctx, "alice")
	now = now.Add(30 * time.Second)
	tracker.Touch(ctx, "alice")
	p, _ := store.GetPresence(ctx, "alice")
	if !p.LastActive.Equal(now.Add(-30 * time.Second)) {
		t.Fatalf("Touch() inside the interval wrote %v", p.LastActive)
	}

	now = now.Add(time.Minute)
	tracker.Touch(ctx, "alice")
	p, _ = store.GetPresence(ctx, "alice")
	if !p.LastActive.Equal(now) {
		t.Fatalf("last_active = %v, want %v", p.LastActive, now)
	}
}

func TestReaperSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, store, _ := newTestTracker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, _ = store.SetPresence(ctx, "bob", models.PresenceOnline, now.Add(-time.Hour))
	_, _ = store.SetPresence(ctx, "carol", models.PresenceAway, now.Add(-time.Hour))
	if err := store.Create(ctx, &models.User{ID: "dave"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, _ = store.SetPresence(ctx, "dave", models.PresenceBusy, now.Add(-time.Hour))
	tracker.Connect(ctx, "alice")
	_, _ = store.SetPresence(ctx, "alice", models.PresenceOnline, now.Add(-time.Hour))

	reaper, err := NewReaper(tracker, store, ReaperConfig{StaleAfter: 10 * time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	reaped, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if reaped != 3 {
		t.Fatalf("reaped = %d, want bob, carol and dave", reaped)
	}
	for id, want := range map[string]models.PresenceStatus{
		"alice": models.PresenceOnline,
		"bob":   models.PresenceOffline,
		"carol": models.PresenceOffline,
		"dave":  models.PresenceOffline,
	} {
		p, _ := store.GetPresence(ctx, id)
		if p.Status != want {
			t.Fatalf("%s status = %q, want %q", id, p.Status, want)
		}
	}
}

func TestReaperYieldsToConcurrentConnect(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, store, _ := newTestTracker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_, _ = store.SetPresence(ctx, "bob", models.PresenceOnline, now.Add(-time.Hour))

	reaper, err := NewReaper(tracker, store, ReaperConfig{StaleAfter: 10 * time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}

	// Hold bob's entry as a Connect in progress would.
	sh, s := tracker.acquire("bob")
	swept := make(chan int, 1)
	go func() {
		reaped, _ := reaper.Sweep(ctx)
		swept <- reaped
	}()
	select {
	case n := <-swept:
		t.Fatalf("Sweep() finished with %d while a connect held the session", n)
	case <-time.After(20 * time.Millisecond):
	}
	s.count++
	tracker.apply(ctx, "bob", models.PresenceOnline)
	tracker.release("bob", sh, s)

	if reaped := <-swept; reaped != 0 {
		t.Fatalf("reaped = %d, want 0", reaped)
	}
	p, _ := store.GetPresence(ctx, "bob")
	if p.Status != models.PresenceOnline {
		t.Fatalf("bob status = %q, want online", p.Status)
	}
	if n := tracker.Sessions("bob"); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}
}

func TestNewReaperRejectsBadSchedule(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	if _, err := NewReaper(tracker, store, ReaperConfig{Schedule: "every tuesday"}, nil); err == nil {
		t.Fatal("expected schedule error")
	}
}
