package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// LimiterSnapshot is a point-in-time copy of token bucket state.
type LimiterSnapshot struct {
	Key      string
	Rate     float64 // tokens per second, 0 when unlimited
	Capacity int
	Tokens   float64
}

// Limiter is a per-resource token bucket.
type Limiter struct {
	key         string
	lim         *rate.Limiter
	waitTimeout time.Duration
}

func newLimiter(key string, p LimitPolicy) *Limiter {
	if p.Rate <= 0 {
		return &Limiter{key: key, lim: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := p.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{key: key, lim: rate.NewLimiter(rate.Limit(p.Rate), burst), waitTimeout: p.WaitTimeout}
}

// Acquire takes one token, waiting up to the configured wait timeout.
// A wait that cannot be satisfied in time fails with ErrRateLimited;
// cancellation of ctx fails with ErrCancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.lim.Limit() == rate.Inf {
		return nil
	}
	wctx := ctx
	if l.waitTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, l.waitTimeout)
		defer cancel()
	}
	if err := l.lim.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %s", ErrRateLimited, l.key)
	}
	return nil
}

// Snapshot copies the bucket state.
func (l *Limiter) Snapshot() LimiterSnapshot {
	s := LimiterSnapshot{Key: l.key, Capacity: l.lim.Burst()}
	if l.lim.Limit() != rate.Inf {
		s.Rate = float64(l.lim.Limit())
		s.Tokens = l.lim.Tokens()
	}
	return s
}
