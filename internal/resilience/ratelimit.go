package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	apperrors "opskb-backend/pkg/errors"
)

// RateLimiter is a strict per-source token bucket. Buckets never borrow
// from each other; a call blocks cooperatively until a token is available
// or the caller's deadline elapses.
type RateLimiter struct {
	name    string
	limiter *rate.Limiter
}

// NewRateLimiter creates a bucket refilled at ratePerSec tokens/second
// with the given burst capacity.
func NewRateLimiter(name string, ratePerSec float64, burst int) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// Wait blocks until a token is available. A deadline or cancellation on
// ctx surfaces as RATE_LIMITED for this source only.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		return apperrors.NewRateLimited(rl.name)
	}
	return nil
}

// Allow reports whether a token is immediately available, consuming it
// when so.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// HostLimiters lazily creates one bucket per host, for adapters that must
// enforce per-host limits beneath their own source-level bucket.
type HostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
}

// NewHostLimiters creates the per-host bucket set with shared settings.
func NewHostLimiters(ratePerSec float64, burst int) *HostLimiters {
	return &HostLimiters{
		limiters: make(map[string]*RateLimiter),
		rate:     ratePerSec,
		burst:    burst,
	}
}

// Get returns the bucket for host, creating it on first use.
func (h *HostLimiters) Get(host string) *RateLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rl, ok := h.limiters[host]; ok {
		return rl
	}
	rl := NewRateLimiter(host, h.rate, h.burst)
	h.limiters[host] = rl
	return rl
}
