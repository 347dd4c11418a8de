package agent

import (
	"context"
	"sync"
	"time"
)

const (
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
)

// RateLimiter is a token bucket that spaces out completion requests.
// A nil *RateLimiter never blocks.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	perSec   float64
	lastFill time.Time
	now      func() time.Time
}

func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = defaultRateBurst
	}
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}
	return &RateLimiter{
		tokens:   float64(burst),
		burst:    float64(burst),
		perSec:   perMinute / 60.0,
		lastFill: time.Now(),
		now:      time.Now,
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		delay := rl.reserve()
		if delay == 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token and returns 0, or returns how long until one is due.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens += now.Sub(rl.lastFill).Seconds() * rl.perSec
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastFill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.perSec * float64(time.Second))
}
