package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per sender address. Each sender gets
// burst immediate messages, refilling at rate messages per second.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing burst immediate messages per
// sender, refilling at perSecond messages per second.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether a message from the sender may proceed, consuming a
// token when it does.
func (rl *RateLimiter) Allow(sender string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[sender]
	if !ok {
		lim = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[sender] = lim
	}
	now := rl.now()
	rl.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Forget drops the limiter for a sender, typically when their session ends.
func (rl *RateLimiter) Forget(sender string) {
	rl.mu.Lock()
	delete(rl.limiters, sender)
	rl.mu.Unlock()
}
