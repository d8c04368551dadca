package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow checks if a request is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// moveLimiter throttles task moves per client address so a stuck client
// cannot flood the board with mutations.
type moveLimiter struct {
	rpm, burst int
	maxAge     time.Duration

	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	lastSweep time.Time
}

func newMoveLimiter(rpm, burst int) *moveLimiter {
	if rpm <= 0 {
		rpm = 120
	}
	if burst <= 0 {
		burst = 20
	}
	return &moveLimiter{
		rpm:       rpm,
		burst:     burst,
		maxAge:    10 * time.Minute,
		buckets:   make(map[string]*TokenBucket),
		lastSweep: time.Now(),
	}
}

func (l *moveLimiter) allow(r *http.Request) bool {
	key := r.RemoteAddr
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	return l.bucket(key).Allow()
}

func (l *moveLimiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastSweep) > l.maxAge {
		l.evictLocked()
	}
	b, ok := l.buckets[key]
	if !ok {
		b = NewTokenBucket(l.rpm, l.burst)
		l.buckets[key] = b
	}
	return b
}

func (l *moveLimiter) evictLocked() {
	cutoff := time.Now().Add(-l.maxAge)
	for key, b := range l.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = time.Now()
}

func (l *moveLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
