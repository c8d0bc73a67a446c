package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBucketBurstAndRefill(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	b := newBucket(Config{RequestsPerSecond: 2, BurstSize: 3}, c.Now)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() #%d = false, want burst", i)
		}
	}
	if b.Allow() {
		t.Fatal("Allow() should fail once the burst is spent")
	}
	if wait := b.WaitTime(); wait != 500*time.Millisecond {
		t.Fatalf("WaitTime() = %v, want 500ms", wait)
	}

	c.Advance(500 * time.Millisecond)
	if b.WaitTime() != 0 {
		t.Fatal("WaitTime() should be zero once a token refilled")
	}
	if !b.Allow() {
		t.Fatal("Allow() should succeed after refill")
	}
	c.Advance(time.Hour)
	if got := b.Tokens(); got != 3 {
		t.Fatalf("Tokens() = %v, want capped at 3", got)
	}
}

func TestBucketDefaults(t *testing.T) {
	b := NewBucket(Config{})
	if b.limiter.Burst() != 20 || b.limiter.Limit() != 10 {
		t.Fatalf("defaults = %v/%v", b.limiter.Burst(), b.limiter.Limit())
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	c := &clock{now: time.Unix(0, 0)}
	l.now = c.Now

	if !l.Allow("10.0.0.1") || l.Allow("10.0.0.1") {
		t.Fatal("first key should allow once")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("second key has its own bucket")
	}
	l.Forget("10.0.0.1")
	if !l.Allow("10.0.0.1") {
		t.Fatal("Forget() should reset the key")
	}
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
}

func TestDisabledLimiter(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		if !l.Allow("k") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	if l.Bucket() != nil {
		t.Fatal("disabled limiter hands out no buckets")
	}
}

func TestLimiterPrunesIdleKeys(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 10, Enabled: true})
	l.maxKeys = 2
	l.Allow("a")
	l.Allow("b")
	l.Allow("c")
	if l.Len() > 2 {
		t.Fatalf("Len() = %d after prune", l.Len())
	}
}
