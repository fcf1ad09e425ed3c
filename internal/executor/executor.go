// Package executor runs a validated task graph: it schedules ready tasks,
// dispatches each one to its verb, expands for-each tasks and drives agent
// loops.
package executor

import (
	"context"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/taskflow/internal/capability"
	"github.com/vinayprograms/taskflow/internal/checkpoint"
	"github.com/vinayprograms/taskflow/internal/resilience"
	"github.com/vinayprograms/taskflow/internal/trace"
)

// Executor executes workflows. One Executor may run many workflows, one
// after another or concurrently; each Run owns its ExecutionState.
type Executor struct {
	caps        capability.Set
	resilience  *resilience.Registry
	sink        trace.Sink
	transcripts *checkpoint.Store
	logger      *logging.Logger

	// Debug mode - when true, logs full content (prompts, responses, tool outputs)
	debug bool

	// 0 defers to the workflow's max_parallel
	maxParallel int

	// Callbacks
	OnTaskStart    func(id string)
	OnTaskComplete func(id string, status TaskStatus, err error)
	OnToolCall     func(task, tool string, args map[string]interface{}, result interface{}, err error)
}

// NewExecutor creates an executor over a capability set. Without
// SetResilience, calls run under the default policy.
func NewExecutor(caps capability.Set) *Executor {
	e := &Executor{
		caps:   caps,
		sink:   trace.Nop{},
		logger: logging.New().WithComponent("executor"),
	}
	e.resilience = resilience.NewRegistry(resilience.DefaultPolicy(), resilience.WithObserver(e))
	return e
}

// SetResilience replaces the resilience registry. The registry may be shared
// with other executors so breaker state follows the resource, not the run.
func (e *Executor) SetResilience(r *resilience.Registry) {
	r.AddObserver(e)
	e.resilience = r
}

// SetTraceSink sets where events are emitted.
func (e *Executor) SetTraceSink(s trace.Sink) {
	if s == nil {
		s = trace.Nop{}
	}
	e.sink = s
}

// SetTranscriptStore enables persistence of agent transcripts.
func (e *Executor) SetTranscriptStore(s *checkpoint.Store) {
	e.transcripts = s
}

// SetDebug enables debug mode.
func (e *Executor) SetDebug(debug bool) {
	e.debug = debug
}

// SetMaxParallel bounds concurrently running tasks, overriding the workflow.
func (e *Executor) SetMaxParallel(n int) {
	e.maxParallel = n
}

type runKey struct{}

// withRun tags ctx with the run it belongs to.
func withRun(ctx context.Context, r *run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

// runFrom returns the run of this executor that ctx belongs to, if any. A
// registry shared between executors notifies all of them, so runs owned by
// another executor are ignored.
func (e *Executor) runFrom(ctx context.Context) *run {
	r, _ := ctx.Value(runKey{}).(*run)
	if r == nil || r.e != e {
		return nil
	}
	return r
}

// OnRetry implements resilience.Observer.
func (e *Executor) OnRetry(ctx context.Context, key string, attempt int, delay time.Duration, err error) {
	r := e.runFrom(ctx)
	if r == nil {
		return
	}
	r.emit(trace.Event{
		Kind:     trace.RetryScheduled,
		Resource: key,
		Attempt:  attempt,
		DelayMs:  delay.Milliseconds(),
		Error:    err.Error(),
	})
}

// OnStateChange implements resilience.Observer.
func (e *Executor) OnStateChange(ctx context.Context, key string, from, to resilience.State) {
	r := e.runFrom(ctx)
	if r == nil {
		return
	}
	r.emit(trace.Event{
		Kind:     trace.CircuitStateChanged,
		Resource: key,
		From:     from.String(),
		To:       to.String(),
	})
}

// content returns s as-is in debug mode, truncated otherwise.
func (e *Executor) content(s string) string {
	if e.debug {
		return s
	}
	return truncateForLog(s, 500)
}
