package lookuppool

import (
	"sync"
	"time"
)

// RateLimiter manages per-requester submission limits using a fixed window
// that refills every minute.
type RateLimiter struct {
	mu        sync.Mutex
	tokens    map[RequesterID]int
	lastReset map[RequesterID]time.Time
	perMinute int
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing perMinute submissions per
// requester. A non-positive perMinute allows everything.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		tokens:    make(map[RequesterID]int),
		lastReset: make(map[RequesterID]time.Time),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Allow checks if a requester may submit and consumes a token if so.
func (rl *RateLimiter) Allow(requester RequesterID) bool {
	if rl == nil || rl.perMinute <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	last, exists := rl.lastReset[requester]

	// Reset tokens if a minute has passed
	if !exists || now.Sub(last) >= time.Minute {
		rl.tokens[requester] = rl.perMinute
		rl.lastReset[requester] = now
	}

	if rl.tokens[requester] > 0 {
		rl.tokens[requester]--
		return true
	}
	return false
}
