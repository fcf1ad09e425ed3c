// Package trace defines the structured events emitted during a run and the
// sinks that carry them out of the engine.
package trace

import "time"

// Kind identifies an event.
type Kind string

const (
	WorkflowStarted   Kind = "workflow_started"
	WorkflowCompleted Kind = "workflow_completed"

	TaskStarted   Kind = "task_started"
	TaskCompleted Kind = "task_completed"
	TaskFailed    Kind = "task_failed"
	TaskSkipped   Kind = "task_skipped"

	InferStarted   Kind = "infer_started"
	InferCompleted Kind = "infer_completed"

	ToolCalled    Kind = "tool_called"
	ToolResponded Kind = "tool_responded"

	AgentTurnStarted   Kind = "agent_turn_started"
	AgentTurnCompleted Kind = "agent_turn_completed"

	RetryScheduled      Kind = "retry_scheduled"
	CircuitStateChanged Kind = "circuit_state_changed"
)

// Event is one trace record. Unused fields are omitted when encoded.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Kind      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RunID    string `json:"run_id,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	Task     string `json:"task,omitempty"`
	Item     *int   `json:"item,omitempty"` // for-each item index
	Turn     int    `json:"turn,omitempty"` // agent turn, counted from 1

	Verb     string                 `json:"verb,omitempty"`
	Resource string                 `json:"resource,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Tool     string                 `json:"tool,omitempty"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Content  string                 `json:"content,omitempty"`

	Status     string `json:"status,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	Attempt int    `json:"attempt,omitempty"`
	DelayMs int64  `json:"delay_ms,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

// Fields flattens the populated fields for key/value exporters.
func (e Event) Fields() map[string]interface{} {
	f := map[string]interface{}{"seq": e.SeqID}
	add := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	add("run_id", e.RunID)
	add("workflow", e.Workflow)
	add("task", e.Task)
	add("verb", e.Verb)
	add("resource", e.Resource)
	add("model", e.Model)
	add("tool", e.Tool)
	add("status", e.Status)
	add("error", e.Error)
	add("from", e.From)
	add("to", e.To)
	if e.Item != nil {
		f["item"] = *e.Item
	}
	if e.Turn > 0 {
		f["turn"] = e.Turn
	}
	if e.Success != nil {
		f["success"] = *e.Success
	}
	if e.DurationMs > 0 {
		f["duration_ms"] = e.DurationMs
	}
	if e.Attempt > 0 {
		f["attempt"] = e.Attempt
		f["delay_ms"] = e.DelayMs
	}
	return f
}

// Bool returns a pointer to b for the Success field.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i for the Item field.
func Int(i int) *int { return &i }
