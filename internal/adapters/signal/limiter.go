package signal

import (
	"sync"
	"time"
)

// RateLimiter throttles inbound requests per client with a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[uint64][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[uint64][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records an attempt and reports whether the client is under the
// limit for the current window.
func (rl *RateLimiter) Allow(clientID uint64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[clientID]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[clientID] = fresh
		return false
	}
	rl.history[clientID] = append(fresh, now)
	return true
}

// Forget drops a client's window on disconnect.
func (rl *RateLimiter) Forget(clientID uint64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, clientID)
}
