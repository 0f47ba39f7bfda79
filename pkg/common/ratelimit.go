package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles calls to a downstream service. Every call passes a
// shared bucket; keys registered with SetKeyLimit additionally pass their own
// bucket, so one expensive operation can be held below the overall rate.
type RateLimiter struct {
	mu     sync.RWMutex
	shared *rate.Limiter
	keyed  map[string]*rate.Limiter
}

// NewRateLimiter creates a RateLimiter whose shared bucket allows rps
// requests per second with bursts of up to burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		shared: rate.NewLimiter(rate.Limit(rps), burst),
		keyed:  make(map[string]*rate.Limiter),
	}
}

// SetKeyLimit gives key its own bucket. A non-positive rps removes it.
func (rl *RateLimiter) SetKeyLimit(key string, rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rps <= 0 {
		delete(rl.keyed, key)
		return
	}
	if burst < 1 {
		burst = 1
	}
	if l, ok := rl.keyed[key]; ok {
		l.SetLimit(rate.Limit(rps))
		l.SetBurst(burst)
		return
	}
	rl.keyed[key] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Wait blocks until both the key's bucket (if any) and the shared bucket
// admit one event. It returns how long the caller was held.
func (rl *RateLimiter) Wait(ctx context.Context, key string) (time.Duration, error) {
	rl.mu.RLock()
	keyed := rl.keyed[key]
	shared := rl.shared
	rl.mu.RUnlock()

	start := time.Now()
	if keyed != nil {
		if err := keyed.Wait(ctx); err != nil {
			return time.Since(start), err
		}
	}
	err := shared.Wait(ctx)
	return time.Since(start), err
}

// UpdateLimits adjusts the shared bucket at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.shared.SetLimit(rate.Limit(rps))
	rl.shared.SetBurst(burst)
}
