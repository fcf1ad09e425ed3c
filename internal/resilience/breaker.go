package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerSnapshot is a point-in-time copy of breaker state.
type BreakerSnapshot struct {
	Key            string
	State          State
	Failures       int
	LastTransition time.Time
	Threshold      int
	Window         time.Duration
	Cooldown       time.Duration
}

// Breaker is a per-resource circuit breaker. A zero threshold disables it.
type Breaker struct {
	key      string
	policy   BreakerPolicy
	now      func() time.Time
	onChange func(ctx context.Context, key string, from, to State)

	mu             sync.Mutex
	state          State
	failures       int
	windowStart    time.Time
	openedAt       time.Time
	lastTransition time.Time
	trialInFlight  bool
}

func newBreaker(key string, p BreakerPolicy, now func() time.Time, onChange func(context.Context, string, State, State)) *Breaker {
	return &Breaker{key: key, policy: p, now: now, onChange: onChange, lastTransition: now()}
}

// Allow admits a call or fails with ErrCircuitOpen. In HalfOpen only one
// trial call is admitted until it is recorded. ctx is handed to the change
// callback so transitions are attributed to the call that caused them.
func (b *Breaker) Allow(ctx context.Context) error {
	if b.policy.FailureThreshold <= 0 {
		return nil
	}
	b.mu.Lock()
	var from, to State
	changed := false
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(ctx, from, to)
		}
	}()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.policy.Cooldown {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, b.key)
		}
		from, to, changed = Open, HalfOpen, true
		b.transition(HalfOpen)
		b.trialInFlight = true
		return nil
	case HalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%w: %s (trial in flight)", ErrCircuitOpen, b.key)
		}
		b.trialInFlight = true
	}
	return nil
}

// Record reports the outcome of an admitted call. Cancellations are neutral.
func (b *Breaker) Record(ctx context.Context, err error) {
	if b.policy.FailureThreshold <= 0 {
		return
	}
	b.mu.Lock()
	from := b.state
	changed := false
	defer func() {
		to := b.state
		b.mu.Unlock()
		if changed {
			b.notify(ctx, from, to)
		}
	}()

	if err != nil && IsCancelled(err) {
		b.trialInFlight = false
		return
	}

	now := b.now()
	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.trialInFlight = false
			b.transition(Closed)
			changed = true
		}
		return
	}

	switch b.state {
	case HalfOpen:
		b.trialInFlight = false
		b.openedAt = now
		b.transition(Open)
		changed = true
	case Closed:
		if b.failures == 0 || (b.policy.Window > 0 && now.Sub(b.windowStart) > b.policy.Window) {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.policy.FailureThreshold {
			b.openedAt = now
			b.transition(Open)
			changed = true
		}
	}
}

func (b *Breaker) transition(to State) {
	b.state = to
	b.lastTransition = b.now()
	if to == Closed {
		b.failures = 0
	}
}

func (b *Breaker) notify(ctx context.Context, from, to State) {
	if b.onChange != nil {
		b.onChange(ctx, b.key, from, to)
	}
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Key:            b.key,
		State:          b.state,
		Failures:       b.failures,
		LastTransition: b.lastTransition,
		Threshold:      b.policy.FailureThreshold,
		Window:         b.policy.Window,
		Cooldown:       b.policy.Cooldown,
	}
}
