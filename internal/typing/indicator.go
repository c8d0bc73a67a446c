// Package typing tracks ephemeral typing indicators per conversation member
// and expires them when a client stops refreshing.
package typing

import (
	"sync"
	"time"
)

// DefaultTTL is how long an indicator stays active without a refresh.
const DefaultTTL = 6 * time.Second

// ExpireFunc is called when an indicator times out.
type ExpireFunc func(conversationID, userID string)

type key struct {
	conversationID string
	userID         string
}

// indicator is one armed timer. gen identifies the arming so a timer that
// fired before a refresh cannot expire its successor.
type indicator struct {
	timer *time.Timer
	gen   uint64
}

// Indicators holds the active typing indicators. It is never persisted.
type Indicators struct {
	mu       sync.Mutex
	ttl      time.Duration
	active   map[key]indicator
	gen      uint64
	onExpire ExpireFunc
	sealed   bool
}

// NewIndicators creates an indicator set. ttl <= 0 uses DefaultTTL.
func NewIndicators(ttl time.Duration, onExpire ExpireFunc) *Indicators {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Indicators{ttl: ttl, active: make(map[key]indicator), onExpire: onExpire}
}

// Start marks userID as typing in conversationID and refreshes its TTL.
// It reports whether the member was not typing before.
func (i *Indicators) Start(conversationID, userID string) bool {
	k := key{conversationID, userID}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sealed {
		return false
	}
	current, refresh := i.active[k]
	if refresh {
		current.timer.Stop()
	}
	i.gen++
	gen := i.gen
	i.active[k] = indicator{timer: time.AfterFunc(i.ttl, func() { i.expire(k, gen) }), gen: gen}
	return !refresh
}

// Stop clears the indicator. It reports whether the member was typing.
func (i *Indicators) Stop(conversationID, userID string) bool {
	k := key{conversationID, userID}
	i.mu.Lock()
	defer i.mu.Unlock()
	current, ok := i.active[k]
	if !ok {
		return false
	}
	current.timer.Stop()
	delete(i.active, k)
	return true
}

// StopUser clears every indicator of userID and returns the conversations
// that were affected. Used when a user's last connection closes.
func (i *Indicators) StopUser(userID string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var conversations []string
	for k, current := range i.active {
		if k.userID != userID {
			continue
		}
		current.timer.Stop()
		delete(i.active, k)
		conversations = append(conversations, k.conversationID)
	}
	return conversations
}

// Active reports whether userID is typing in conversationID.
func (i *Indicators) Active(conversationID, userID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.active[key{conversationID, userID}]
	return ok
}

// Close stops all timers; late expirations are ignored.
func (i *Indicators) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sealed = true
	for k, current := range i.active {
		current.timer.Stop()
		delete(i.active, k)
	}
}

func (i *Indicators) expire(k key, gen uint64) {
	i.mu.Lock()
	current, ok := i.active[k]
	// A refresh may have re-armed the indicator after this timer fired.
	if !ok || current.gen != gen || i.sealed {
		i.mu.Unlock()
		return
	}
	delete(i.active, k)
	onExpire := i.onExpire
	i.mu.Unlock()
	if onExpire != nil {
		onExpire(k.conversationID, k.userID)
	}
}
