// Package ratelimit provides token bucket limits for inbound frames and
// connection attempts.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a token bucket.
type Config struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	// BurstSize is the bucket capacity.
	BurstSize int `yaml:"burst_size" json:"burst_size"`
	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig allows 10 frames per second with bursts of 20.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

// Bucket is a token bucket backed by rate.Limiter. The clock is injectable
// so tests can drive refills.
type Bucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewBucket creates a full token bucket.
func NewBucket(config Config) *Bucket {
	return newBucket(config, time.Now)
}

func newBucket(config Config, now func() time.Time) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize),
		now:     now,
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	return b.limiter.AllowN(b.now(), 1)
}

// Tokens returns the number of available tokens.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}

// WaitTime returns how long until the next token is available.
func (b *Bucket) WaitTime() time.Duration {
	now := b.now()
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return rate.InfDuration
	}
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}

func (b *Bucket) full() bool {
	return b.Tokens() >= float64(b.limiter.Burst())*0.9
}

// Limiter keeps one bucket per key, e.g. per remote address.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a keyed limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Allow consumes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.bucket(key).Allow()
}

// Bucket returns a standalone bucket with the limiter's settings, used for
// per-connection limits that live as long as the connection.
func (l *Limiter) Bucket() *Bucket {
	if !l.Enabled() {
		return nil
	}
	return newBucket(l.config, l.now)
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := l.buckets[key]; ok {
		return bucket
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}
	bucket := newBucket(l.config, l.now)
	l.buckets[key] = bucket
	return bucket
}

// prune drops nearly full buckets, which belong to idle keys.
func (l *Limiter) prune() {
	for key, bucket := range l.buckets {
		if bucket.full() {
			delete(l.buckets, key)
		}
	}
}

// Forget removes key's bucket.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
