// Package backoff retries startup dependencies (database, brokers) with
// jittered exponential delays.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction (0..1) of the delay added at random.
	Jitter float64
}

// DefaultPolicy starts at 200ms and caps at 10s.
func DefaultPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait before attempt (1-indexed) using a random jitter.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, attempts are exhausted or ctx is done.
// onRetry, when set, observes each failure before the delay.
func Retry[T any](ctx context.Context, policy Policy, attempts int, fn func(attempt int) (T, error), onRetry func(attempt int, err error, wait time.Duration)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		wait := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}
