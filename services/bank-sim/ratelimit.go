package main

import (
	"sync"
	"time"
)

const (
	defaultRatePerMinute = 120

	rateWindowDuration = time.Minute
	rateEntryTTL       = 5 * time.Minute
)

// RateLimiter bounds deliveries per destination URL across rolling one-minute
// windows. Entries that go quiet are evicted so the map stays small. Safe for
// concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
	limit   int
}

type rateWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// NewRateLimiter constructs a limiter allowing limit deliveries per minute per
// destination.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = defaultRatePerMinute
	}
	return &RateLimiter{
		windows: make(map[string]rateWindow),
		limit:   limit,
	}
}

// Allow reports whether a delivery to url can proceed right now.
func (rl *RateLimiter) Allow(url string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.pruneLocked(now)

	state := rl.windows[url]
	if state.windowStart.IsZero() || now.Sub(state.windowStart) >= rateWindowDuration {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= rl.limit {
		state.lastSeen = now
		rl.windows[url] = state
		return false
	}
	state.count++
	state.lastSeen = now
	rl.windows[url] = state
	return true
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	for url, state := range rl.windows {
		if now.Sub(state.lastSeen) > rateEntryTTL {
			delete(rl.windows, url)
		}
	}
}
