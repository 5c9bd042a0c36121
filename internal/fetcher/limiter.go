package fetcher

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a fixed minimum delay between successive calls.
// The first call passes immediately.
type Limiter struct {
	rl       *rate.Limiter
	interval time.Duration
}

// NewLimiter creates a limiter allowing one call per interval. A non-positive
// interval disables limiting.
func NewLimiter(interval time.Duration) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		rl:       rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Wait blocks until the next call is allowed or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Interval returns the configured minimum spacing
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
