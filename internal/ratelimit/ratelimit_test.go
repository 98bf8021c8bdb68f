package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	// Test basic token bucket functionality
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	// Next request should be denied (bucket empty)
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	// Wait and check if tokens are refilled
	time.Sleep(1100 * time.Millisecond) // Wait slightly more than 1 second

	// Should have 2 tokens available now
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}

	// Third request should be denied
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerEndpoint(t *testing.T) {
	l := NewLimiter(2, 3) // 2 conn/s per endpoint, burst of 3

	endpoint := ":25600"

	// Should allow initial burst
	for i := 0; i < 3; i++ {
		if !l.Allow(endpoint) {
			t.Errorf("Expected connection %d to be allowed for %s", i, endpoint)
		}
	}

	// Next connection should be denied
	if l.Allow(endpoint) {
		t.Error("Expected connection to be denied after burst")
	}

	// A different endpoint has its own bucket
	if !l.Allow(":25601") {
		t.Error("Expected connection to be allowed for a different endpoint")
	}
}

func TestLimiterForget(t *testing.T) {
	l := NewLimiter(1, 1)
	endpoint := ":25600"

	if !l.Allow(endpoint) {
		t.Error("Expected first connection to be allowed")
	}
	if l.Allow(endpoint) {
		t.Error("Expected second connection to be denied")
	}

	// Forget resets the endpoint's budget
	l.Forget(endpoint)
	if !l.Allow(endpoint) {
		t.Error("Expected connection to be allowed after Forget")
	}
}

func TestLimiterDisabled(t *testing.T) {
	// rate <= 0 disables limiting entirely; the nil limiter allows all
	l := NewLimiter(0, 5)
	if l != nil {
		t.Fatal("Expected disabled limiter to be nil")
	}

	for i := 0; i < 100; i++ {
		if !l.Allow(":25600") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
	}
}
