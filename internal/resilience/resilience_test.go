package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu      sync.Mutex
	delays  []time.Duration
	changes []string
}

func (o *recordingObserver) OnRetry(ctx context.Context, key string, attempt int, delay time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays = append(o.delays, delay)
}

func (o *recordingObserver) OnStateChange(ctx context.Context, key string, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, from.String()+"->"+to.String())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastPolicy() Policy {
	return Policy{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2},
	}
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(fastPolicy(), WithObserver(obs))

	calls := 0
	v, err := Call(context.Background(), r, "llm:test", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("flaky"))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if v != "ok" {
		t.Errorf("value = %q", v)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
	if len(obs.delays) != 2 {
		t.Fatalf("expected 2 retry delays, got %v", obs.delays)
	}
	if obs.delays[1] <= obs.delays[0] {
		t.Errorf("delays not strictly increasing: %v", obs.delays)
	}
}

func TestCall_ExhaustsAttempts(t *testing.T) {
	r := NewRegistry(fastPolicy())
	calls := 0
	err := r.Do(context.Background(), "shell", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("upstream said 503 #%d", calls)
	})
	if err == nil || err.Error() != "upstream said 503 #3" {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestCall_TerminalErrorNotRetried(t *testing.T) {
	r := NewRegistry(fastPolicy())
	calls := 0
	sentinel := errors.New("malformed input")
	err := r.Do(context.Background(), "shell", func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestCall_CircuitBreakerOpensAndRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	obs := &recordingObserver{}
	p := Policy{
		Retry:   RetryPolicy{MaxAttempts: 1},
		Breaker: BreakerPolicy{FailureThreshold: 3, Window: time.Minute, Cooldown: 10 * time.Second},
	}
	r := NewRegistry(p, WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()

	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return Transient(errors.New("down"))
	}
	for i := 0; i < 3; i++ {
		if err := r.Do(ctx, "mcp:fs", failing); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d short-circuited too early", i)
		}
	}

	err := r.Do(ctx, "mcp:fs", failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 3 {
		t.Errorf("underlying capability called %d times, want 3", calls)
	}

	clock.Advance(11 * time.Second)
	ok := func(ctx context.Context) error { calls++; return nil }
	if err := r.Do(ctx, "mcp:fs", ok); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.Do(ctx, "mcp:fs", ok); err != nil {
			t.Fatalf("call after recovery: %v", err)
		}
	}
	if got := r.Breaker("mcp:fs").State(); got != Closed {
		t.Errorf("state = %v, want closed", got)
	}
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if fmt.Sprint(obs.changes) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", obs.changes, want)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker("k", BreakerPolicy{FailureThreshold: 1, Cooldown: time.Second}, clock.Now, nil)
	ctx := context.Background()

	b.Allow(ctx)
	b.Record(ctx, errors.New("x"))
	if b.State() != Open {
		t.Fatalf("expected open")
	}
	clock.Advance(2 * time.Second)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("trial should be admitted: %v", err)
	}
	if err := b.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent trial should be rejected, got %v", err)
	}
	b.Record(ctx, errors.New("still down"))
	if b.State() != Open {
		t.Errorf("failed trial should reopen, got %v", b.State())
	}
}

func TestBreaker_WindowForgetsOldFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker("k", BreakerPolicy{FailureThreshold: 2, Window: time.Second, Cooldown: time.Second}, clock.Now, nil)
	ctx := context.Background()

	b.Record(ctx, errors.New("a"))
	clock.Advance(2 * time.Second)
	b.Record(ctx, errors.New("b"))
	if b.State() != Closed {
		t.Errorf("failures outside the window should not open the circuit")
	}
	b.Record(ctx, errors.New("c"))
	if b.State() != Open {
		t.Errorf("two failures inside the window should open the circuit")
	}
}

func TestCall_RateLimited(t *testing.T) {
	p := Policy{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Limit: LimitPolicy{Rate: 0.5, Burst: 1, WaitTimeout: 20 * time.Millisecond},
	}
	r := NewRegistry(p)
	calls := 0
	fn := func(ctx context.Context) error { calls++; return nil }

	if err := r.Do(context.Background(), "http:example.com", fn); err != nil {
		t.Fatalf("first call: %v", err)
	}
	err := r.Do(context.Background(), "http:example.com", fn)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if calls != 1 {
		t.Errorf("limited call reached the capability: calls=%d", calls)
	}
}

func TestCall_CancellationIsNeutral(t *testing.T) {
	p := fastPolicy()
	p.Breaker = BreakerPolicy{FailureThreshold: 1, Cooldown: time.Minute}
	r := NewRegistry(p)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, "llm:x", func(ctx context.Context) error {
		calls++
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("cancelled call retried: calls=%d", calls)
	}
	if s := r.Breaker("llm:x").Snapshot(); s.State != Closed || s.Failures != 0 {
		t.Errorf("cancellation counted against breaker: %+v", s)
	}
}

func TestCall_PerCallTimeoutIsRetried(t *testing.T) {
	p := fastPolicy()
	p.CallTimeout = 10 * time.Millisecond
	r := NewRegistry(p)

	calls := 0
	v, err := Call(context.Background(), r, "fetch", func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("Call = %d, %v", v, err)
	}
	if calls != 2 {
		t.Errorf("expected timeout to be retried once, calls=%d", calls)
	}
}

func TestRegistry_OverridesAndSnapshot(t *testing.T) {
	override := Policy{Breaker: BreakerPolicy{FailureThreshold: 9}, Limit: LimitPolicy{Rate: 2, Burst: 4}}
	r := NewRegistry(DefaultPolicy(), WithOverride("llm:big", override))

	if r.Policy("llm:big").Breaker.FailureThreshold != 9 {
		t.Errorf("override not applied")
	}
	if r.Policy("other").Breaker.FailureThreshold != 5 {
		t.Errorf("default not applied")
	}
	r.Breaker("llm:big")
	r.Limiter("llm:big")
	breakers, limiters := r.Snapshot()
	if len(breakers) != 1 || breakers[0].Threshold != 9 {
		t.Errorf("breaker snapshot = %+v", breakers)
	}
	if len(limiters) != 1 || limiters[0].Capacity != 4 || limiters[0].Rate != 2 {
		t.Errorf("limiter snapshot = %+v", limiters)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("bad request"), false},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("GET https://x/y: status 502"), true},
		{errors.New("upstream error: 504"), true},
		{errors.New("HTTP/1.1 500"), true},
		{errors.New("503"), true},
		{errors.New("prompt exceeds limit is 500 tokens"), false},
		{errors.New("invalid id 4291"), false},
		{errors.New("model returned 503 candidates"), false},
		{errors.New("anthropic: overloaded"), true},
		{Terminal(errors.New("503 but malformed")), false},
		{Transient(errors.New("anything")), true},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrap: %w", ErrTimeout), true},
		{context.Canceled, false},
		{fmt.Errorf("%w: x", ErrCircuitOpen), false},
		{fmt.Errorf("%w: x", ErrRateLimited), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
