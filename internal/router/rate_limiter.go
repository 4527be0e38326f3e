package router

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRate  = 5
	defaultBurst = 10
)

// RateLimiter is a pool of token buckets keyed by room
// ARCHITECTURAL DISCOVERY: per-room state with explicit Forget on leave
// keeps the pool bounded by the subscription set
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*rate.Limiter
	rps    float64
	burst  int
}

// NewRateLimiter creates a pool. Non-positive values select the defaults.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = defaultRate
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{
		limits: make(map[string]*rate.Limiter),
		rps:    rps,
		burst:  burst,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limits[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
	rl.limits[key] = l
	return l
}

// Allow reports whether one more send for key fits the budget.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// Forget removes key's bucket.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.limits, key)
	rl.mu.Unlock()
}

// Len is the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limits)
}
