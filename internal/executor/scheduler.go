package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/taskflow/internal/binding"
	"github.com/vinayprograms/taskflow/internal/graph"
	"github.com/vinayprograms/taskflow/internal/resilience"
	"github.com/vinayprograms/taskflow/internal/trace"
	"github.com/vinayprograms/taskflow/internal/workflow"
	"golang.org/x/sync/semaphore"
)

// run is the per-invocation scheduling state.
type run struct {
	e     *Executor
	g     *graph.Graph
	wf    *workflow.Workflow
	state *ExecutionState
}

func (r *run) emit(ev trace.Event) {
	ev.RunID = r.state.RunID
	ev.Workflow = r.wf.Name
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.e.sink.Emit(ev)
}

// Run validates wf and executes it. A graph error aborts before any task
// starts and is returned as is.
func (e *Executor) Run(ctx context.Context, wf *workflow.Workflow, inputs map[string]any) (*ExecutionState, error) {
	g, err := graph.Build(wf)
	if err != nil {
		e.logger.Error("workflow rejected", map[string]interface{}{
			"workflow": wf.Name,
			"error":    err.Error(),
		})
		return nil, err
	}
	return e.RunGraph(ctx, g, inputs)
}

// RunGraph executes a validated graph to completion. The returned error is
// non-nil only when the run could not start; task failures are reported
// through the ExecutionState.
func (e *Executor) RunGraph(ctx context.Context, g *graph.Graph, inputs map[string]any) (*ExecutionState, error) {
	wf := g.Workflow
	values, err := bindInputs(wf, inputs)
	if err != nil {
		return nil, err
	}

	bindings := binding.New(values)
	for alias, id := range g.Aliases() {
		bindings.Alias(alias, id)
	}
	r := &run{
		e:     e,
		g:     g,
		wf:    wf,
		state: newExecutionState(uuid.NewString(), wf.Name, g.Order(), bindings),
	}
	ctx = withRun(ctx, r)

	ctx, span := e.startWorkflowSpan(ctx, wf.Name, r.state.RunID)
	e.logger.ExecutionStart(wf.Name)
	r.emit(trace.Event{Kind: trace.WorkflowStarted})

	r.schedule(ctx)

	sum := r.state.Summary()
	e.logger.ExecutionComplete(wf.Name, time.Since(r.state.Started), string(sum.Status))
	r.emit(trace.Event{
		Kind:       trace.WorkflowCompleted,
		Status:     string(sum.Status),
		Success:    trace.Bool(sum.Status == RunSucceeded),
		Task:       sum.FirstFailure,
		Error:      sum.FirstError,
		DurationMs: time.Since(r.state.Started).Milliseconds(),
	})
	e.endWorkflowSpan(span, sum, r.state.FirstError())
	return r.state, nil
}

// bindInputs applies defaults and rejects missing required inputs.
func bindInputs(wf *workflow.Workflow, inputs map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(wf.Inputs))
	for _, in := range wf.Inputs {
		if v, ok := inputs[in.Name]; ok {
			values[in.Name] = v
			continue
		}
		if in.Required() {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, in.Name)
		}
		values[in.Name] = in.Default
	}
	return values, nil
}

// schedule dispatches every ready task until no task can make progress.
// Only this goroutine transitions task states and commits bindings.
func (r *run) schedule(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	limit := r.e.maxParallel
	if limit == 0 {
		limit = r.wf.MaxParallel
	}
	var sem *semaphore.Weighted
	if limit > 0 {
		sem = semaphore.NewWeighted(int64(limit))
	}

	order := r.g.Order()
	waiting := make(map[string]int, len(order))
	for _, id := range order {
		waiting[id] = len(r.g.Node(id).Deps)
	}

	done := make(chan *TaskResult)
	inFlight := 0
	aborted := false
	failed := false
	failFast := false

	dispatch := func(id string) {
		if err := r.state.transition(id, TaskRunning); err != nil {
			r.e.logger.Error("dispatch rejected", map[string]interface{}{"task": id, "error": err.Error()})
			return
		}
		inFlight++
		go func() { done <- r.runTask(ctx, sem, id) }()
	}

	for _, id := range order {
		if waiting[id] == 0 {
			dispatch(id)
		}
	}

	for inFlight > 0 {
		res := <-done
		inFlight--
		id := res.TaskID

		if res.Err == nil {
			if err := r.state.Bindings.Commit(id, res.Value); err != nil {
				res.Err = taskFailed(id, err)
			}
		}

		switch {
		case res.Err == nil:
			r.complete(res, TaskSucceeded)
			if aborted {
				continue
			}
			for _, dep := range r.g.Node(id).Dependents {
				waiting[dep]--
				if waiting[dep] == 0 && r.state.TaskStatus(dep) == TaskPending {
					dispatch(dep)
				}
			}

		case (aborted || parent.Err() != nil) && resilience.IsCancelled(res.Err):
			// interrupted by the run stopping, not by its own failure
			r.complete(res, TaskSkipped)

		default:
			failed = true
			r.complete(res, TaskFailed)
			for _, d := range r.g.Descendants(id) {
				r.skip(d, fmt.Sprintf("dependency %s failed", id))
			}
			if r.g.Node(id).Task.FailsFast() {
				failFast = true
			}
			if r.wf.FailFast && !aborted {
				failFast = true
				aborted = true
				r.e.logger.Warn("fail-fast: stopping run", map[string]interface{}{"task": id})
				cancel()
			}
		}

		if parent.Err() != nil && !aborted {
			aborted = true
			r.e.logger.Warn("run cancelled", map[string]interface{}{"error": parent.Err().Error()})
		}
	}

	for _, id := range r.state.Tasks(TaskPending) {
		r.skip(id, "run stopped")
	}

	switch {
	case aborted || failFast:
		r.state.finish(RunFailed)
	case failed:
		r.state.finish(RunPartiallyFailed)
	default:
		r.state.finish(RunSucceeded)
	}
}

// runTask executes one task body and returns its result to the scheduler.
func (r *run) runTask(ctx context.Context, sem *semaphore.Weighted, id string) *TaskResult {
	task := r.g.Node(id).Task
	res := &TaskResult{TaskID: id, Started: time.Now()}

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			res.Err = taskFailed(id, fmt.Errorf("%w: %v", resilience.ErrCancelled, err))
			res.Finished = time.Now()
			return res
		}
		defer sem.Release(1)
	}
	if err := ctx.Err(); err != nil {
		res.Err = taskFailed(id, fmt.Errorf("%w: %v", resilience.ErrCancelled, err))
		res.Finished = time.Now()
		return res
	}

	if r.e.OnTaskStart != nil {
		r.e.OnTaskStart(id)
	}
	r.e.logger.Info("task started", map[string]interface{}{"task": id, "verb": string(task.Verb.Kind())})
	r.emit(trace.Event{Kind: trace.TaskStarted, Task: id, Verb: string(task.Verb.Kind())})

	ctx, span := r.e.startTaskSpan(ctx, task)
	taskCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	var err error
	if task.ForEach != nil {
		res.Value, res.Items, err = r.forEach(taskCtx, task)
	} else {
		res.Value, res.Turns, err = r.execute(taskCtx, task, r.state.Bindings, nil)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, resilience.ErrTimeout) {
			err = fmt.Errorf("%w: task exceeded %s: %v", resilience.ErrTimeout, task.Timeout, err)
		}
		res.Err = taskFailed(id, err)
		res.Value = nil
	}
	res.Finished = time.Now()
	r.e.endTaskSpan(span, res)
	return res
}

// complete records a terminal result and reports it.
func (r *run) complete(res *TaskResult, status TaskStatus) {
	if err := r.state.transition(res.TaskID, status); err != nil {
		r.e.logger.Error("state transition rejected", map[string]interface{}{"task": res.TaskID, "error": err.Error()})
	}
	res.Status = status
	r.state.record(res)

	ev := trace.Event{
		Task:       res.TaskID,
		Status:     string(status),
		DurationMs: res.Duration().Milliseconds(),
	}
	fields := map[string]interface{}{"task": res.TaskID, "duration_ms": ev.DurationMs}
	switch status {
	case TaskSucceeded:
		ev.Kind = trace.TaskCompleted
		ev.Success = trace.Bool(true)
		ev.Content = r.e.content(binding.Stringify(res.Value))
		r.e.logger.Info("task completed", fields)
	case TaskFailed:
		ev.Kind = trace.TaskFailed
		ev.Success = trace.Bool(false)
		ev.Error = res.Err.Error()
		fields["error"] = ev.Error
		r.e.logger.Error("task failed", fields)
	default:
		ev.Kind = trace.TaskSkipped
		if res.Err != nil {
			ev.Error = res.Err.Error()
		}
		r.e.logger.Warn("task interrupted", fields)
	}
	r.emit(ev)

	if r.e.OnTaskComplete != nil {
		r.e.OnTaskComplete(res.TaskID, status, res.Err)
	}
}

// skip marks a pending task skipped. Tasks already past pending are left alone.
func (r *run) skip(id, reason string) {
	if r.state.TaskStatus(id) != TaskPending {
		return
	}
	if err := r.state.transition(id, TaskSkipped); err != nil {
		return
	}
	now := time.Now()
	r.state.record(&TaskResult{TaskID: id, Status: TaskSkipped, Started: now, Finished: now})
	r.e.logger.Warn("task skipped", map[string]interface{}{"task": id, "reason": reason})
	r.emit(trace.Event{Kind: trace.TaskSkipped, Task: id, Status: string(TaskSkipped), Error: reason})
	if r.e.OnTaskComplete != nil {
		r.e.OnTaskComplete(id, TaskSkipped, nil)
	}
}
