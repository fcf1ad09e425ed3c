package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vinayprograms/agentkit/logging"
)

// RetryPolicy configures exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           // total calls including the first; <1 means 1
	BaseDelay   time.Duration // delay before the second call
	MaxDelay    time.Duration
	Jitter      float64 // randomization factor in [0,1)
}

// BreakerPolicy configures the circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int           // consecutive failures that open the circuit; 0 disables
	Window           time.Duration // failures older than this are forgotten; 0 means no window
	Cooldown         time.Duration // time spent Open before a trial call
}

// LimitPolicy configures the token bucket.
type LimitPolicy struct {
	Rate        float64 // tokens per second; 0 disables limiting
	Burst       int
	WaitTimeout time.Duration // 0 waits as long as the caller's context allows
}

// Policy is the full set of settings for one resource key.
type Policy struct {
	Retry       RetryPolicy
	Breaker     BreakerPolicy
	Limit       LimitPolicy
	CallTimeout time.Duration // per-attempt deadline; 0 means none
}

// DefaultPolicy returns conservative settings for external calls.
func DefaultPolicy() Policy {
	return Policy{
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: 5,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Observer is notified of retries and breaker transitions. ctx is the
// context of the call that triggered the notification.
type Observer interface {
	OnRetry(ctx context.Context, key string, attempt int, delay time.Duration, err error)
	OnStateChange(ctx context.Context, key string, from, to State)
}

// Option configures a Registry.
type Option func(*Registry)

// WithOverride sets the policy for one resource key.
func WithOverride(key string, p Policy) Option {
	return func(r *Registry) { r.overrides[key] = p }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithClock replaces time.Now for breaker bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns breaker and limiter state per resource key. It is safe for
// concurrent use and may outlive a single run.
type Registry struct {
	defaults  Policy
	overrides map[string]Policy
	observers []Observer
	now       func() time.Time
	logger    *logging.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
	limiters map[string]*Limiter
}

// NewRegistry creates a registry with default settings.
func NewRegistry(defaults Policy, opts ...Option) *Registry {
	r := &Registry{
		defaults:  defaults,
		overrides: make(map[string]Policy),
		now:       time.Now,
		logger:    logging.New().WithComponent("resilience"),
		breakers:  make(map[string]*Breaker),
		limiters:  make(map[string]*Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver registers an observer after construction.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Policy returns the effective policy for key.
func (r *Registry) Policy(key string) Policy {
	if p, ok := r.overrides[key]; ok {
		return p
	}
	return r.defaults
}

// Breaker returns the breaker for key, creating it on first use.
func (r *Registry) Breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(key, r.Policy(key).Breaker, r.now, r.stateChanged)
		r.breakers[key] = b
	}
	return b
}

// Limiter returns the limiter for key, creating it on first use.
func (r *Registry) Limiter(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = newLimiter(key, r.Policy(key).Limit)
		r.limiters[key] = l
	}
	return l
}

// Snapshot returns breaker and limiter state for every key seen so far.
func (r *Registry) Snapshot() ([]BreakerSnapshot, []LimiterSnapshot) {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	ls := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	var breakers []BreakerSnapshot
	for _, b := range bs {
		breakers = append(breakers, b.Snapshot())
	}
	var limiters []LimiterSnapshot
	for _, l := range ls {
		limiters = append(limiters, l.Snapshot())
	}
	return breakers, limiters
}

func (r *Registry) observersCopy() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Observer(nil), r.observers...)
}

func (r *Registry) stateChanged(ctx context.Context, key string, from, to State) {
	r.logger.Warn("circuit state changed", map[string]interface{}{
		"resource": key,
		"from":     from.String(),
		"to":       to.String(),
	})
	for _, o := range r.observersCopy() {
		o.OnStateChange(ctx, key, from, to)
	}
}

// Do runs fn under the policy for key.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, r, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn under the policy for key: each attempt takes a rate limiter
// token, passes the circuit breaker, then calls fn with the per-call
// timeout. Transient failures are retried with exponential backoff.
// Cancellation is never counted as a failure.
func Call[T any](ctx context.Context, r *Registry, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	p := r.Policy(key)
	lim := r.Limiter(key)
	br := r.Breaker(key)

	attempt := 0
	op := func() (T, error) {
		var zero T
		attempt++
		if err := lim.Acquire(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		if err := br.Allow(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		v, err := fn(callCtx)
		callErr := callCtx.Err()
		cancel()

		switch {
		case err == nil:
			br.Record(ctx, nil)
			return v, nil
		case ctx.Err() != nil:
			err = contextError(ctx, err)
		case callErr == context.DeadlineExceeded && !errors.Is(err, ErrTimeout):
			err = fmt.Errorf("%w: %s after %s: %v", ErrTimeout, key, p.CallTimeout, err)
		}
		br.Record(ctx, err)
		if !IsTransient(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	maxTries := p.Retry.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}
	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.Retry.backOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Warn("retrying call", map[string]interface{}{
				"resource": key,
				"attempt":  attempt,
				"delay_ms": d.Milliseconds(),
				"error":    err.Error(),
			})
			for _, o := range r.observersCopy() {
				o.OnRetry(ctx, key, attempt, d, err)
			}
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if ctx.Err() != nil {
			err = contextError(ctx, err)
		}
	}
	return v, err
}

// contextError tags err with ErrTimeout or ErrCancelled once ctx is done.
func contextError(ctx context.Context, err error) error {
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout) {
		return err
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrCancelled, err)
}
