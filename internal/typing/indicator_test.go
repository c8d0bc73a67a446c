package typing

import (
	"sync"
	"testing"
	"time"
)

func TestStartStop(t *testing.T) {
	ind := NewIndicators(time.Minute, nil)
	defer ind.Close()

	if !ind.Start("42", "alice") {
		t.Fatal("first Start() should report a new indicator")
	}
	if ind.Start("42", "alice") {
		t.Fatal("refresh should not report a new indicator")
	}
	if !ind.Active("42", "alice") {
		t.Fatal("expected active indicator")
	}
	if !ind.Stop("42", "alice") {
		t.Fatal("Stop() should report the cleared indicator")
	}
	if ind.Stop("42", "alice") {
		t.Fatal("second Stop() should be a no-op")
	}
}

func TestIndicatorExpires(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	done := make(chan struct{})
	ind := NewIndicators(20*time.Millisecond, func(conversationID, userID string) {
		mu.Lock()
		expired = append(expired, conversationID+"/"+userID)
		mu.Unlock()
		close(done)
	})
	defer ind.Close()

	ind.Start("42", "bob")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("indicator did not expire")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "42/bob" {
		t.Fatalf("expired = %v", expired)
	}
	if ind.Active("42", "bob") {
		t.Fatal("expired indicator still active")
	}
}

func TestStopUser(t *testing.T) {
	ind := NewIndicators(time.Minute, nil)
	defer ind.Close()
	ind.Start("1", "alice")
	ind.Start("2", "alice")
	ind.Start("1", "bob")

	if got := ind.StopUser("alice"); len(got) != 2 {
		t.Fatalf("StopUser() = %v", got)
	}
	if !ind.Active("1", "bob") {
		t.Fatal("other users keep their indicators")
	}
}

func TestClosedIndicatorsIgnoreStart(t *testing.T) {
	ind := NewIndicators(time.Minute, nil)
	ind.Close()
	if ind.Start("1", "alice") {
		t.Fatal("Start() after Close() should be ignored")
	}
}

func TestRefreshOutlivesFiredTimer(t *testing.T) {
	var expired int
	ind := NewIndicators(time.Minute, func(string, string) { expired++ })
	defer ind.Close()

	k := key{"42", "alice"}
	ind.Start("42", "alice")
	ind.mu.Lock()
	stale := ind.active[k].gen
	ind.mu.Unlock()
	ind.Start("42", "alice")

	// The first timer fired and was waiting on the lock during the refresh.
	ind.expire(k, stale)
	if !ind.Active("42", "alice") {
		t.Fatal("stale expiry cleared a refreshed indicator")
	}
	if expired != 0 {
		t.Fatalf("expire callbacks = %d, want 0", expired)
	}

	ind.mu.Lock()
	current := ind.active[k].gen
	ind.mu.Unlock()
	ind.expire(k, current)
	if ind.Active("42", "alice") || expired != 1 {
		t.Fatalf("current expiry: active = %v, callbacks = %d", ind.Active("42", "alice"), expired)
	}
}
