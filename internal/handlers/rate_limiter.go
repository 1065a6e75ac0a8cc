package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter guards the unauthenticated endpoints (coupon preview, bank
// webhook) against hammering.
type rateLimiter interface {
	Allow(key string) bool
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// fixedWindowLimiter counts requests per key in fixed windows. Stale keys are
// pruned whenever a window rolls over.
type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]windowEntry
}

func newFixedWindowLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		entries: make(map[string]windowEntry),
	}
}

func (l *fixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		for staleKey, stale := range l.entries {
			if !now.Before(stale.resetAt) {
				delete(l.entries, staleKey)
			}
		}
		l.entries[key] = windowEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}

	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
