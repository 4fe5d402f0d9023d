package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter paces order submissions to the brokerage. It is a token bucket
// with a burst of one: tokens accrue continuously at the configured rate and
// Wait takes the next one, so submissions spread out evenly instead of
// bunching at the top of each minute.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	tokens float64
	last   time.Time
}

// NewRateLimiter allows perMinute operations per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		rate:   float64(perMinute) / 60.0,
		tokens: 1, // first call proceeds immediately
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or the context ends. Concurrent
// callers are served in no particular order.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.take() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// take refills the bucket from elapsed time and claims a token if one is
// whole.
func (rl *RateLimiter) take() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
	if rl.tokens > 1 {
		rl.tokens = 1
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
