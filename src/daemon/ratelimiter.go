package daemon

import (
	"sync"
	"time"
)

// RateLimiter tracks the last time each key was used and allows one use per
// limit window. The daemon keys it by hint signature.
type RateLimiter struct {
	keys  map[string]time.Time
	mu    sync.Mutex
	limit time.Duration
}

func NewRateLimiter(limit time.Duration) *RateLimiter {
	return &RateLimiter{
		keys:  make(map[string]time.Time),
		limit: limit,
	}
}

func (rl *RateLimiter) CanUse(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lastUse, exists := rl.keys[key]
	if !exists || time.Since(lastUse) >= rl.limit {
		rl.keys[key] = time.Now()
		return true
	}
	return false
}

func (rl *RateLimiter) TimeUntilNext(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lastUse, exists := rl.keys[key]
	if !exists {
		return 0
	}

	elapsed := time.Since(lastUse)
	if elapsed >= rl.limit {
		return 0
	}
	return rl.limit - elapsed
}
