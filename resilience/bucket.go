// Package resilience supplies the retried, rate-limited dispatch layer that
// feeds bytes into the wire decoder: backoff schedules, a token-bucket
// limiter, and a retrying HTTP client. Retries happen only before the first
// byte of a stream is delivered; reconnection afterwards is the caller's
// responsibility via the session broker.
package resilience

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket limiter with fixed capacity and
// a fixed refill rate. The bucket is refilled lazily on access and allows
// bursts up to capacity.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens added per second
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket limiter.
//   - capacity: maximum number of tokens (burst size)
//   - refillRate: tokens added per second (sustained rate)
//
// The bucket starts full.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available. Returns false when the bucket is
// empty; callers then consult WaitTime for the computed wait.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available. Useful for dispatches with
// different costs.
func (tb *TokenBucket) AllowN(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Remaining returns the number of tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// WaitTime returns the duration until one token will be available.
// Returns 0 if a token is available now.
func (tb *TokenBucket) WaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		return 0
	}
	if tb.refillRate <= 0 {
		// A bucket that never refills has an unbounded wait.
		return time.Duration(math.MaxInt64)
	}

	needed := 1 - tb.tokens
	seconds := needed / tb.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = time.Now()
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}
