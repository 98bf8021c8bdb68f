// Package ratelimit gates public player connections so one hot endpoint
// cannot starve the relay.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

// Limiter hands out one bucket per endpoint. Buckets survive session
// reconnects so a flapping client cannot reset its own budget.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	rate    int
	burst   int
}

// NewLimiter builds a per-endpoint limiter; rate <= 0 disables limiting.
func NewLimiter(rate, burst int) *Limiter {
	if rate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = rate
	}
	return &Limiter{buckets: make(map[string]*TokenBucket), rate: rate, burst: burst}
}

// Allow reports whether endpoint may accept one more connection now.
// A nil Limiter allows everything.
func (l *Limiter) Allow(endpoint string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets[endpoint]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.buckets[endpoint] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the bucket for an endpoint whose lease is gone for good.
func (l *Limiter) Forget(endpoint string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, endpoint)
	l.mu.Unlock()
}
