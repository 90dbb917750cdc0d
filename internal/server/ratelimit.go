package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. The global bucket covers all
// traffic; the connect limit throttles websocket upgrade attempts per client
// IP, optionally backed by Redis so limits hold across restarts.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ConnectLimit  int
	ConnectWindow time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type counterStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global        *tokenBucket
	connectLimit  int
	connectWindow time.Duration
	connectMu     sync.Mutex
	connectByIP   map[string]*ipLimiter
	store         counterStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:  cfg.ConnectLimit,
		connectWindow: cfg.ConnectWindow,
		connectByIP:   make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.connectLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisCounterStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowConnect throttles websocket upgrade attempts per client IP.
func (r *rateLimiter) AllowConnect(key string) (bool, time.Duration, error) {
	if r == nil || r.connectLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("streamcast:connect:%s", key), r.connectLimit, r.connectWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.connectMu.Lock()
	limiter, exists := r.connectByIP[key]
	if !exists {
		rate := float64(r.connectLimit) / r.connectWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.connectWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.connectLimit)}
		r.connectByIP[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.connectMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.connectByIP) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.connectWindow)
	for key, limiter := range r.connectByIP {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.connectByIP, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
