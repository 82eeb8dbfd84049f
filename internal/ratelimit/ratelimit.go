package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Keyed tracks an independent fixed-window limit per key. Used to rate
// limit ingest per sensor so one chatty sensor cannot starve the rest.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     int
	window   time.Duration
}

// NewKeyed creates a Keyed limiter allowing rate requests per window for
// each distinct key.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		window:   window,
	}
}

// Allow returns true if the request for key is within its rate limit.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = New(k.rate, k.window)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// Forget drops the limiter state for a key.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}
