package server

import (
	"testing"
	"time"
)

func TestTokenBucketBurstThenRefuse(t *testing.T) {
	bucket := newTokenBucket(1, 3)
	for i := 0; i < 3; i++ {
		if !bucket.Allow() {
			t.Fatalf("request %d within burst must pass", i+1)
		}
	}
	if bucket.Allow() {
		t.Fatal("request beyond burst must be refused")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(1000, 1)
	if !bucket.Allow() {
		t.Fatal("first request must pass")
	}
	if bucket.Allow() {
		t.Fatal("bucket must be empty immediately after burst")
	}
	time.Sleep(5 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket must refill at the configured rate")
	}
}

func TestAllowConnectPerIP(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{ConnectLimit: 2, ConnectWindow: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowConnect("10.0.0.1")
		if err != nil {
			t.Fatalf("AllowConnect: %v", err)
		}
		if !allowed {
			t.Fatalf("attempt %d within the limit must pass", i+1)
		}
	}
	allowed, retryAfter, err := rl.AllowConnect("10.0.0.1")
	if err != nil {
		t.Fatalf("AllowConnect: %v", err)
	}
	if allowed {
		t.Fatal("attempt beyond the limit must be refused")
	}
	if retryAfter <= 0 {
		t.Fatal("refusal must advertise a retry delay")
	}

	// A different client keeps its own budget.
	allowed, _, err = rl.AllowConnect("10.0.0.2")
	if err != nil {
		t.Fatalf("AllowConnect: %v", err)
	}
	if !allowed {
		t.Fatal("another client must not share the exhausted budget")
	}
}

func TestAllowConnectDisabledWithoutLimit(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		allowed, _, err := rl.AllowConnect("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("limiter without a connect limit must pass everything, got allowed=%v err=%v", allowed, err)
		}
	}
}

func TestConnectLimiterCleanup(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{ConnectLimit: 1, ConnectWindow: time.Minute})

	if allowed, _, _ := rl.AllowConnect("10.0.0.1"); !allowed {
		t.Fatal("first attempt must pass")
	}
	rl.connectMu.Lock()
	rl.connectByIP["10.0.0.1"].lastSeen = time.Now().Add(-3 * time.Minute)
	rl.connectMu.Unlock()

	// Traffic from another client triggers the sweep of stale entries.
	if allowed, _, _ := rl.AllowConnect("10.0.0.2"); !allowed {
		t.Fatal("second client must pass")
	}
	rl.connectMu.Lock()
	_, present := rl.connectByIP["10.0.0.1"]
	rl.connectMu.Unlock()
	if present {
		t.Fatal("stale client entry must be swept")
	}
}

func TestAllowRequestUnlimitedByDefault(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatal("limiter without a global rate must pass everything")
		}
	}
}
