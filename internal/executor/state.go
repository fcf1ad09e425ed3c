package executor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/taskflow/internal/binding"
	"github.com/vinayprograms/taskflow/internal/checkpoint"
)

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
	RunPartiallyFailed RunStatus = "partially_failed"
)

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled" // for-each items only
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped || s == TaskCancelled
}

var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskSkipped},
	TaskRunning: {TaskSucceeded, TaskFailed, TaskSkipped},
}

// AgentTurnRecord is one recorded agent turn.
type AgentTurnRecord = checkpoint.TurnRecord

// ItemOutcome is one for-each item's result inside the aggregate value.
type ItemOutcome struct {
	Index  int        `json:"index"`
	Status TaskStatus `json:"status"`
	Value  any        `json:"value,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// TaskResult is the outcome of one task. Err is nil on success.
type TaskResult struct {
	TaskID   string
	Status   TaskStatus
	Value    any
	Err      error
	Items    []ItemOutcome
	Turns    []AgentTurnRecord
	Started  time.Time
	Finished time.Time
}

// Success reports whether the task produced a value.
func (r *TaskResult) Success() bool {
	return r.Err == nil
}

// Duration returns the wall time spent.
func (r *TaskResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Summary condenses a finished run.
type Summary struct {
	Status       RunStatus
	Succeeded    int
	Failed       int
	Skipped      int
	FirstFailure string // task id
	FirstError   string
}

// ExecutionState is owned by one run. Accessors are safe to call while the
// run is in progress.
type ExecutionState struct {
	RunID    string
	Workflow string
	Bindings *binding.Context
	Started  time.Time
	Finished time.Time

	mu           sync.RWMutex
	status       RunStatus
	tasks        map[string]TaskStatus
	results      map[string]*TaskResult
	order        []string
	firstFailure string
	firstError   error
}

func newExecutionState(runID, workflow string, order []string, bindings *binding.Context) *ExecutionState {
	s := &ExecutionState{
		RunID:    runID,
		Workflow: workflow,
		Bindings: bindings,
		Started:  time.Now(),
		status:   RunRunning,
		tasks:    make(map[string]TaskStatus, len(order)),
		results:  make(map[string]*TaskResult, len(order)),
		order:    order,
	}
	for _, id := range order {
		s.tasks[id] = TaskPending
	}
	return s
}

// transition moves a task between states, rejecting anything outside
// pending -> running -> terminal.
func (s *ExecutionState) transition(id string, to TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			s.tasks[id] = to
			return nil
		}
	}
	return fmt.Errorf("task %s: invalid transition %s -> %s", id, from, to)
}

func (s *ExecutionState) record(res *TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.TaskID] = res
	if res.Err != nil && res.Status == TaskFailed && s.firstFailure == "" {
		s.firstFailure = res.TaskID
		s.firstError = res.Err
	}
}

func (s *ExecutionState) finish(status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.Finished = time.Now()
}

// Status returns the run status.
func (s *ExecutionState) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// TaskStatus returns one task's status.
func (s *ExecutionState) TaskStatus(id string) TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

// Result returns a task's result, or nil if it never ran.
func (s *ExecutionState) Result(id string) *TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[id]
}

// Tasks returns task ids with the given status, in topological order.
func (s *ExecutionState) Tasks(status TaskStatus) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		if s.tasks[id] == status {
			out = append(out, id)
		}
	}
	return out
}

// FirstError returns the error of the first failed task.
func (s *ExecutionState) FirstError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstError
}

// Summary counts terminal states and surfaces the first failure.
func (s *ExecutionState) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{Status: s.status, FirstFailure: s.firstFailure}
	if s.firstError != nil {
		sum.FirstError = s.firstError.Error()
	}
	for _, st := range s.tasks {
		switch st {
		case TaskSucceeded:
			sum.Succeeded++
		case TaskFailed:
			sum.Failed++
		case TaskSkipped:
			sum.Skipped++
		}
	}
	return sum
}

// Outputs returns the committed values keyed by task id, sorted keys first.
func (s *ExecutionState) Outputs() ([]string, map[string]any) {
	values := s.Bindings.Snapshot()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, values
}
