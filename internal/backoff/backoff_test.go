package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{3, 1, 600 * time.Millisecond},
		{10, 0, time.Second},
		{0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := policy.delay(tt.attempt, tt.random); got != tt.want {
			t.Fatalf("delay(%d, %v) = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	retries := 0
	got, err := Retry(context.Background(), policy, 5, func(attempt int) (int, error) {
		if attempt < 3 {
			return 0, errors.New("not yet")
		}
		return attempt, nil
	}, func(int, error, time.Duration) { retries++ })
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got != 3 || retries != 2 {
		t.Fatalf("Retry() = %d after %d retries, want 3 after 2", got, retries)
	}
}

func TestRetryExhausted(t *testing.T) {
	cause := errors.New("connection refused")
	_, err := Retry(context.Background(), Policy{Initial: time.Millisecond}, 2, func(int) (struct{}, error) {
		return struct{}{}, cause
	}, nil)
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, cause) {
		t.Fatalf("Retry() error = %v, want exhausted wrapping cause", err)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, DefaultPolicy(), 3, func(int) (int, error) {
		calls++
		return 0, nil
	}, nil)
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("Retry() = %v with %d calls, want canceled before first call", err, calls)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Sleep() error = %v", err)
	}
}
