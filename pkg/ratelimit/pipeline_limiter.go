// Package ratelimit provides rate limiting for model runtime calls.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// =============================================================================
// Token Bucket (lock-free)
// =============================================================================

// TokenBucket implements lock-free token bucket rate limiting using atomic
// operations.
type TokenBucket struct {
	tokens       int64 // atomic
	maxTokens    int64 // atomic
	refillRate   int64 // atomic
	intervalNs   int64 // interval in nanoseconds (atomic)
	lastRefillNs int64 // atomic (UnixNano)
}

// NewTokenBucket creates a new token bucket refilling ratePerInterval
// tokens every interval.
func NewTokenBucket(ratePerInterval int, interval time.Duration) *TokenBucket {
	tokens := int64(ratePerInterval)
	return &TokenBucket{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow checks if a request is allowed.
func (b *TokenBucket) Allow() bool {
	now := time.Now().UnixNano()
	intervalNs := atomic.LoadInt64(&b.intervalNs)
	lastRefill := atomic.LoadInt64(&b.lastRefillNs)

	// Try to refill tokens
	elapsed := now - lastRefill
	if elapsed >= intervalNs {
		intervals := elapsed / intervalNs
		refillRate := atomic.LoadInt64(&b.refillRate)
		maxTokens := atomic.LoadInt64(&b.maxTokens)
		tokensToAdd := intervals * refillRate

		// CAS loop for updating lastRefill
		if atomic.CompareAndSwapInt64(&b.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&b.tokens)
				newTokens := current + tokensToAdd
				if newTokens > maxTokens {
					newTokens = maxTokens
				}
				if atomic.CompareAndSwapInt64(&b.tokens, current, newTokens) {
					break
				}
			}
		}
	}

	// Try to consume a token
	for {
		current := atomic.LoadInt64(&b.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, current, current-1) {
			return true
		}
	}
}

// SetRate updates the rate limit atomically.
func (b *TokenBucket) SetRate(ratePerInterval int) {
	atomic.StoreInt64(&b.maxTokens, int64(ratePerInterval))
	atomic.StoreInt64(&b.refillRate, int64(ratePerInterval))
}

// =============================================================================
// Model Limiter: semaphore + bucket in front of a model runtime
// =============================================================================

// ModelLimiter bounds both concurrency (semaphore) and call rate (token
// bucket) for a single model. Rate and concurrency are process-wide.
type ModelLimiter struct {
	sem    chan struct{}
	bucket *TokenBucket
}

// NewModelLimiter creates a limiter admitting maxConcurrent in-flight calls
// and callsPerMinute invocations per minute.
func NewModelLimiter(maxConcurrent, callsPerMinute int) *ModelLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	return &ModelLimiter{
		sem:    make(chan struct{}, maxConcurrent),
		bucket: NewTokenBucket(callsPerMinute, time.Minute),
	}
}

// Acquire blocks until a concurrency slot and a rate token are available,
// or ctx is done. The returned release function must be called once.
func (l *ModelLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Spin-wait on the bucket with short sleeps; bucket refills once per
	// interval so the wait is bounded.
	for !l.bucket.Allow() {
		select {
		case <-ctx.Done():
			<-l.sem
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	released := int32(0)
	return func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			<-l.sem
		}
	}, nil
}

// InFlight returns the number of currently held concurrency slots.
func (l *ModelLimiter) InFlight() int {
	return len(l.sem)
}
