package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vinayprograms/taskflow/internal/resilience"
	"github.com/vinayprograms/taskflow/internal/trace"
	"github.com/vinayprograms/taskflow/internal/workflow"
	"golang.org/x/sync/errgroup"
)

// forEach runs the task body once per item and aggregates outcomes in item
// order. With fail-fast, the first item failure cancels the group and the
// task fails. Without it, every item runs and the task succeeds when at
// least one item did. A group cut short by cancellation or the task timeout
// fails either way.
func (r *run) forEach(ctx context.Context, t *workflow.Task) (any, []ItemOutcome, error) {
	fe := t.ForEach
	items, err := r.sourceItems(fe)
	if err != nil {
		return nil, nil, err
	}

	outcomes := make([]ItemOutcome, len(items))
	for i := range outcomes {
		outcomes[i] = ItemOutcome{Index: i, Status: TaskSkipped}
	}
	if len(items) == 0 {
		return []any{}, outcomes, nil
	}

	failFast := fe.StopOnFailure()
	g := new(errgroup.Group)
	gctx := ctx
	if failFast {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(fe.Limit())

	var (
		mu        sync.Mutex
		firstErr  error
		firstItem int
	)
	for i, item := range items {
		if failFast && gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			idx := trace.Int(i)
			scope := r.state.Bindings.NewScope(map[string]any{
				fe.Var():         item,
				workflow.LoopVar: map[string]any{"index": i, "total": len(items)},
			})
			r.emit(trace.Event{Kind: trace.TaskStarted, Task: t.ID, Item: idx, Verb: string(t.Verb.Kind())})

			v, _, err := r.execute(gctx, t, scope, idx)

			ev := trace.Event{Task: t.ID, Item: idx}
			switch {
			case err == nil:
				outcomes[i] = ItemOutcome{Index: i, Status: TaskSucceeded, Value: v}
				ev.Kind, ev.Success = trace.TaskCompleted, trace.Bool(true)
			case gctx.Err() != nil && resilience.IsCancelled(err):
				outcomes[i] = ItemOutcome{Index: i, Status: TaskCancelled, Error: err.Error()}
				ev.Kind, ev.Error = trace.TaskSkipped, err.Error()
			default:
				outcomes[i] = ItemOutcome{Index: i, Status: TaskFailed, Error: err.Error()}
				ev.Kind, ev.Success, ev.Error = trace.TaskFailed, trace.Bool(false), err.Error()
				mu.Lock()
				if firstErr == nil {
					firstErr, firstItem = err, i
				}
				mu.Unlock()
			}
			ev.Status = string(outcomes[i].Status)
			r.emit(ev)

			if failFast && outcomes[i].Status == TaskFailed {
				return err
			}
			return nil
		})
	}
	g.Wait()

	value := aggregate(outcomes)
	succeeded := 0
	for _, o := range outcomes {
		if o.Status == TaskSucceeded {
			succeeded++
		}
	}
	r.e.logger.Info("for-each finished", map[string]interface{}{
		"task":      t.ID,
		"items":     len(items),
		"succeeded": succeeded,
	})

	switch {
	case firstErr != nil && failFast:
		return value, outcomes, fmt.Errorf("item %d: %w", firstItem, firstErr)
	case ctx.Err() != nil:
		// Stopped from outside: the group did not run every item, so no
		// partial aggregate counts as success.
		kind := resilience.ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = resilience.ErrTimeout
		}
		return value, outcomes, fmt.Errorf("%w: %d of %d items succeeded: %v", kind, succeeded, len(items), ctx.Err())
	case succeeded == 0 && firstErr != nil:
		return value, outcomes, fmt.Errorf("all %d items failed, first: item %d: %w", len(items), firstItem, firstErr)
	}
	return value, outcomes, nil
}

// sourceItems produces the iteration sequence from literal items or a
// binding. A bound string is read as a JSON array, else as lines.
func (r *run) sourceItems(fe *workflow.ForEach) ([]any, error) {
	if fe.Source == "" {
		return fe.Items, nil
	}
	v, err := r.state.Bindings.Resolve(fe.Source)
	if err != nil {
		return nil, err
	}
	switch s := v.(type) {
	case []any:
		return s, nil
	case string:
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "[") {
			var items []any
			if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
				return items, nil
			}
		}
		var items []any
		for _, line := range strings.Split(s, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				items = append(items, line)
			}
		}
		return items, nil
	case nil:
		return nil, nil
	}
	return nil, resilience.Terminal(fmt.Errorf("for_each source %q is %T, not a sequence", fe.Source, v))
}

// aggregate renders outcomes as the committed value of the parent task.
func aggregate(outcomes []ItemOutcome) []any {
	out := make([]any, len(outcomes))
	for i, o := range outcomes {
		m := map[string]any{
			"index":  o.Index,
			"status": string(o.Status),
			"value":  o.Value,
		}
		if o.Error != "" {
			m["error"] = o.Error
		}
		out[i] = m
	}
	return out
}
