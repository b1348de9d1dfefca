// Package ratelimit implements the rolling-window connect limiter of
// spec.md §4.6 on top of patrickmn/go-cache, whose TTL-keyed in-memory
// cache matches the "key-value cache with an associated TTL" the spec
// describes almost literally.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Limiter is a fixed-window connect-attempt counter, independent per key.
type Limiter struct {
	c      *cache.Cache
	max    int
	window time.Duration
	mu     sync.Mutex // guards the read-increment-store sequence per key
}

// New creates a Limiter allowing max attempts per window, per key.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		c:      cache.New(window, window/2),
		max:    max,
		window: window,
	}
}

// UserKey is the cache key for an authenticated user's connect attempts.
func UserKey(userID string) string { return fmt.Sprintf("ws_rate_user_%s", userID) }

// IPKey is the cache key for an anonymous caller's connect attempts, keyed
// by client IP so abuse from one user cannot block another (spec.md §3).
func IPKey(ip string) string { return fmt.Sprintf("ws_rate_ip_%s", ip) }

// Allow increments key's counter and reports whether the attempt is within
// the configured window/max. The first increment for a key sets the TTL to
// the window; the counter resets when that TTL expires.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.c.IncrementInt(key, 1)
	if err != nil {
		// Key absent or expired: start a fresh window.
		l.c.Set(key, 1, l.window)
		n = 1
	}
	return n <= l.max
}
