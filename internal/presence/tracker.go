// Package presence tracks user online state with a per-user count of live
// sessions and broadcasts status changes to related users.
package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/channellayer"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	ErrInvalidStatus  = relayerr.New(relayerr.KindValidation, "invalid presence status")
	// ErrOfflineRequest rejects explicit offline requests; offline follows
	// from the last session closing.
	ErrOfflineRequest = relayerr.New(relayerr.KindValidation, "offline cannot be requested")
	ErrUnknownUser    = relayerr.New(relayerr.KindValidation, "unknown user")
)

// RelationshipSource lists the users who should see a user's presence.
type RelationshipSource interface {
	RelatedUsers(ctx context.Context, userID string) ([]string, error)
}

const sessionShards = 32

type session struct {
	mu        sync.Mutex
	count     int
	lastTouch time.Time
	holders   int // guarded by the shard lock
}

type sessionShard struct {
	mu    sync.Mutex
	users map[string]*session
}

// Tracker maintains presence records and session reference counts.
type Tracker struct {
	store     storage.PresenceStore
	relations RelationshipSource
	fanout    channellayer.Broadcaster
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	onChange  func(status models.PresenceStatus)
	touchGap  time.Duration

	shards [sessionShards]sessionShard
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithEvents publishes presence.changed events to pub.
func WithEvents(pub events.Publisher) Option {
	return func(t *Tracker) { t.events = pub }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTouchInterval sets how often Touch refreshes last_active for a live user.
func WithTouchInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.touchGap = d
		}
	}
}

// WithChangeHook observes every broadcast status change.
func WithChangeHook(fn func(models.PresenceStatus)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker creates a tracker.
func NewTracker(store storage.PresenceStore, relations RelationshipSource, fanout channellayer.Broadcaster, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:     store,
		relations: relations,
		fanout:    fanout,
		logger:    logger.With("component", "presence"),
		now:       time.Now,
		touchGap:  time.Minute,
	}
	for i := range t.shards {
		t.shards[i].users = make(map[string]*session)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) shard(userID string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &t.shards[h.Sum32()%sessionShards]
}

// acquire returns the user's session entry locked.
func (t *Tracker) acquire(userID string) (*sessionShard, *session) {
	sh := t.shard(userID)
	sh.mu.Lock()
	s := sh.users[userID]
	if s == nil {
		s = &session{}
		sh.users[userID] = s
	}
	s.holders++
	sh.mu.Unlock()
	s.mu.Lock()
	return sh, s
}

func (t *Tracker) release(userID string, sh *sessionShard, s *session) {
	s.mu.Unlock()
	sh.mu.Lock()
	s.holders--
	if s.holders == 0 && s.count == 0 {
		delete(sh.users, userID)
	}
	sh.mu.Unlock()
}

// Connect records a new live session. The first session moves the user online.
func (t *Tracker) Connect(ctx context.Context, userID string) int {
	sh, s := t.acquire(userID)
	defer t.release(userID, sh, s)
	s.count++
	if s.count == 1 {
		p := t.apply(ctx, userID, models.PresenceOnline)
		s.lastTouch = p.LastActive
	}
	return s.count
}

// Disconnect records a closed session. Only the last one moves the user offline.
func (t *Tracker) Disconnect(ctx context.Context, userID string) int {
	sh, s := t.acquire(userID)
	defer t.release(userID, sh, s)
	if s.count == 0 {
		return 0
	}
	s.count--
	if s.count == 0 {
		t.apply(ctx, userID, models.PresenceOffline)
	}
	return s.count
}

// Sessions returns the number of live sessions of userID on this node.
func (t *Tracker) Sessions(userID string) int {
	sh := t.shard(userID)
	sh.mu.Lock()
	s := sh.users[userID]
	sh.mu.Unlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Touch refreshes last_active of a user with live sessions, at most once
// per touch interval, without changing the status.
func (t *Tracker) Touch(ctx context.Context, userID string) {
	sh, s := t.acquire(userID)
	defer t.release(userID, sh, s)
	now := t.now().UTC()
	if s.count == 0 || now.Sub(s.lastTouch) < t.touchGap {
		return
	}
	current, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		t.logger.Debug("touch presence failed", "user_id", userID, "error", err)
		return
	}
	status := current.Status
	if status == models.PresenceOffline {
		// A reaper on another node raced us; the user is live here.
		t.apply(ctx, userID, models.PresenceOnline)
		s.lastTouch = now
		return
	}
	if _, err := t.store.SetPresence(ctx, userID, status, now); err != nil {
		t.logger.Debug("touch presence failed", "user_id", userID, "error", err)
		return
	}
	s.lastTouch = now
}

// reapIdle moves userID offline when it has no local session and its stored
// record is still non-offline and older than cutoff. The session entry stays
// locked throughout, so a concurrent Connect runs entirely before or after.
func (t *Tracker) reapIdle(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	sh, s := t.acquire(userID)
	defer t.release(userID, sh, s)
	if s.count > 0 {
		return false, nil
	}
	current, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		return false, err
	}
	if current.Status == models.PresenceOffline || !current.LastActive.Before(cutoff) {
		return false, nil
	}
	t.apply(ctx, userID, models.PresenceOffline)
	return true, nil
}

// SetStatus persists status with last_active=now and broadcasts the change
// when it differs from the stored value.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status models.PresenceStatus) (*models.Presence, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	sh, s := t.acquire(userID)
	defer t.release(userID, sh, s)
	return t.apply(ctx, userID, status), nil
}

// RequestStatus applies a client-requested status change.
func (t *Tracker) RequestStatus(ctx context.Context, userID string, status models.PresenceStatus) (*models.Presence, error) {
	if status == models.PresenceOffline {
		return nil, ErrOfflineRequest
	}
	return t.SetStatus(ctx, userID, status)
}

// GetStatus returns the stored presence of userID.
func (t *Tracker) GetStatus(ctx context.Context, userID string) (*models.Presence, error) {
	p, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, relayerr.Wrap(relayerr.KindPersistence, "get presence", err)
	}
	return p, nil
}

// apply must run with the user's session entry locked.
func (t *Tracker) apply(ctx context.Context, userID string, status models.PresenceStatus) *models.Presence {
	now := t.now().UTC()
	p := &models.Presence{UserID: userID, Status: status, LastActive: now}

	previous, err := t.store.SetPresence(ctx, userID, status, now)
	if err != nil {
		// The broadcast still goes out; peers converge on the next change.
		t.logger.Warn("persist presence failed", "user_id", userID, "status", status, "error", err)
	} else if previous == status {
		return p
	}
	t.broadcast(ctx, p)
	return p
}

func (t *Tracker) broadcast(ctx context.Context, p *models.Presence) {
	payload := models.PresenceChanged{
		UserID:     p.UserID,
		Status:     p.Status,
		IsOnline:   p.IsOnline(),
		LastActive: p.LastActive,
	}
	rooms := []models.RoomKey{models.UserRoom(p.UserID)}
	if t.relations != nil {
		related, err := t.relations.RelatedUsers(ctx, p.UserID)
		if err != nil {
			t.logger.Warn("list related users failed", "user_id", p.UserID, "error", err)
		}
		for _, other := range related {
			rooms = append(rooms, models.UserRoom(other))
		}
	}
	if t.fanout != nil {
		for _, room := range rooms {
			if err := t.fanout.Broadcast(ctx, room, models.EventOnlineStatusChange, payload); err != nil {
				t.logger.Warn("broadcast presence failed", "user_id", p.UserID, "room", room, "error", err)
			}
		}
	}
	if t.onChange != nil {
		t.onChange(p.Status)
	}
	if t.events != nil {
		t.events.Publish(ctx, events.Event{Type: events.PresenceChanged, Key: p.UserID, At: p.LastActive, Payload: payload})
	}
}
