package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/taskflow/internal/binding"
	"github.com/vinayprograms/taskflow/internal/capability"
	"github.com/vinayprograms/taskflow/internal/checkpoint"
	"github.com/vinayprograms/taskflow/internal/resilience"
	"github.com/vinayprograms/taskflow/internal/trace"
	"github.com/vinayprograms/taskflow/internal/workflow"
)

// agentState is the loop's position: running, or one of the terminal states.
type agentState string

const (
	agentRunning   agentState = "running"
	agentSucceeded agentState = "succeeded"
	agentFailed    agentState = "failed"
)

// agentLoop drives one agent task. Each turn makes exactly one model call;
// the turn index only advances after the model asked for tools and those
// tools answered. Turns are sequential.
type agentLoop struct {
	r     *run
	task  *workflow.Task
	spec  *workflow.Agent
	item  *int
	tools *toolSet

	state   agentState
	turn    int
	final   string
	err     error
	system  string
	history []capability.Message
	turns   []AgentTurnRecord
}

func (r *run) agent(ctx context.Context, t *workflow.Task, v *workflow.Agent, res binding.Resolver, item *int) (any, []AgentTurnRecord, error) {
	if r.e.caps.Inferrer == nil {
		return nil, nil, fmt.Errorf("%w: inference", ErrNoCapability)
	}
	goal, err := res.ResolveString(v.Goal)
	if err != nil {
		return nil, nil, err
	}
	system, err := res.ResolveString(v.System)
	if err != nil {
		return nil, nil, err
	}

	l := &agentLoop{
		r:      r,
		task:   t,
		spec:   v,
		item:   item,
		tools:  newToolSet(r.e.caps.Tools, v.Tools),
		state:  agentRunning,
		system: system,
	}
	l.history = []capability.Message{{Role: "user", Content: r.goalPrompt(t, goal, item)}}

	r.e.logger.Info("agent started", map[string]interface{}{
		"task":      t.ID,
		"max_turns": v.Turns(),
		"tools":     l.tools.describe(),
	})
	for l.state == agentRunning {
		l.step(ctx)
		l.save()
	}

	if l.state == agentFailed {
		r.e.logger.Warn("agent failed", map[string]interface{}{"task": t.ID, "turns": l.turn, "error": l.err.Error()})
		return nil, l.turns, l.err
	}
	r.e.logger.Info("agent finished", map[string]interface{}{"task": t.ID, "turns": l.turn + 1})
	out, err := shapeOutput(t, l.final)
	return out, l.turns, err
}

// goalPrompt renders the agent's opening message with the committed outputs
// of the tasks it depends on.
func (r *run) goalPrompt(t *workflow.Task, goal string, item *int) string {
	b := NewGoalPromptBuilder(r.wf.Name)
	for _, dep := range r.g.Node(t.ID).Deps {
		if v, ok := r.state.Bindings.Value(dep); ok {
			b.AddOutput(dep, binding.Stringify(v))
		}
	}
	b.SetGoal(t.ID, goal, item)
	return b.Build()
}

// step performs one turn: a model call, then either the final answer or the
// requested tool calls.
func (l *agentLoop) step(ctx context.Context) {
	r := l.r
	number := l.turn + 1 // events count turns from 1
	ctx, span := r.e.startTurnSpan(ctx, l.task.ID, number)
	r.emit(trace.Event{Kind: trace.AgentTurnStarted, Task: l.task.ID, Item: l.item, Turn: number})
	start := time.Now()

	resp, err := l.infer(ctx)
	if err != nil {
		l.fail(err)
		l.turnCompleted(number, start)
		r.e.endTurnSpan(span, 0, err)
		return
	}

	if len(resp.ToolCalls) == 0 {
		l.final = resp.Text
		l.state = agentSucceeded
		l.turns = append(l.turns, AgentTurnRecord{
			Turn:      l.turn,
			Action:    checkpoint.ActionFinalAnswer,
			Final:     r.e.content(resp.Text),
			Timestamp: time.Now(),
		})
		l.history = append(l.history, capability.Message{Role: "assistant", Content: resp.Text})
		l.turnCompleted(number, start)
		r.e.endTurnSpan(span, 0, nil)
		return
	}

	l.history = append(l.history, capability.Message{
		Role:      "assistant",
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})
	results := l.executeToolsParallel(ctx, resp.ToolCalls)
	var toolErr error
	for _, res := range results {
		res.record.Timestamp = time.Now()
		l.turns = append(l.turns, res.record)
		l.history = append(l.history, capability.Message{
			Role:       "tool",
			ToolCallID: res.call.ID,
			Content:    res.content,
		})
		if res.err != nil && toolErr == nil {
			toolErr = res.err
		}
	}

	l.turn++
	switch {
	case toolErr != nil:
		l.fail(toolErr)
	case l.turn >= l.spec.Turns():
		l.fail(fmt.Errorf("%w: %d turns", ErrAgentTurnLimitExceeded, l.spec.Turns()))
	}
	l.turnCompleted(number, start)
	r.e.endTurnSpan(span, len(resp.ToolCalls), toolErr)
}

// infer makes the turn's model call through the resilience layer.
func (l *agentLoop) infer(ctx context.Context) (*capability.InferResponse, error) {
	r := l.r
	key := LLMResource(l.spec.Model)
	r.emit(trace.Event{Kind: trace.InferStarted, Task: l.task.ID, Item: l.item, Turn: l.turn + 1, Model: l.spec.Model, Resource: key})
	start := time.Now()
	history := append([]capability.Message(nil), l.history...)
	resp, err := resilience.Call(ctx, r.e.resilience, key, func(ctx context.Context) (*capability.InferResponse, error) {
		return r.e.caps.Inferrer.Infer(ctx, capability.InferRequest{
			Model:   l.spec.Model,
			System:  l.system,
			History: history,
			Tools:   l.tools.specs,
		})
	})
	done := trace.Event{Kind: trace.InferCompleted, Task: l.task.ID, Item: l.item, Turn: l.turn + 1, Model: l.spec.Model, Resource: key, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		done.Success = trace.Bool(false)
		done.Error = err.Error()
	} else {
		done.Success = trace.Bool(true)
		done.Content = r.e.content(resp.Text)
	}
	r.emit(done)
	return resp, err
}

func (l *agentLoop) fail(err error) {
	l.state = agentFailed
	l.err = err
}

func (l *agentLoop) turnCompleted(number int, start time.Time) {
	ev := trace.Event{
		Kind:       trace.AgentTurnCompleted,
		Task:       l.task.ID,
		Item:       l.item,
		Turn:       number,
		Status:     string(l.state),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if l.err != nil {
		ev.Error = l.err.Error()
	}
	l.r.emit(ev)
}

// save persists the transcript when a store is configured.
func (l *agentLoop) save() {
	store := l.r.e.transcripts
	if store == nil {
		return
	}
	tr := &checkpoint.Transcript{
		RunID:   l.r.state.RunID,
		TaskID:  l.task.ID,
		Item:    l.item,
		Goal:    l.history[0].Content,
		Status:  string(l.state),
		Turns:   l.turns,
		History: l.history,
	}
	if l.err != nil {
		tr.Error = l.err.Error()
	}
	if err := store.Save(tr); err != nil {
		l.r.e.logger.Warn("failed to save agent transcript", map[string]interface{}{
			"task":  l.task.ID,
			"error": err.Error(),
		})
	}
}
