// Package ratelimit implements a per-caller token bucket limiter for the
// HTTP gateway. Tokens are refilled lazily on each call; there is no
// background goroutine.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter keeps one bucket per caller key, so one caller cannot exhaust
// another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 every call is allowed.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token for key or returns ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	_, err := l.Take(key)
	return err
}

// Take consumes one token for key. When the bucket is empty it returns
// ErrRateLimited and how long until the next token is available.
func (l *Limiter) Take(key string) (time.Duration, error) {
	if l.rate <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(key, now)
	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1-b.tokens)/l.rate*1000)) * time.Millisecond
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// Prune drops buckets that have been idle long enough to be full again.
// It returns how many were dropped.
func (l *Limiter) Prune() int {
	if l.rate <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if b.tokens+now.Sub(b.lastFill).Seconds()*l.rate >= l.burst {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// refill tops up key's bucket for the time elapsed since its last use.
// A new key starts full. Must be called with l.mu held.
func (l *Limiter) refill(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
		return b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now
	return b
}
