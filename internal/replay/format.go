package replay

import (
	"fmt"

	"github.com/vinayprograms/taskflow/internal/trace"
)

// formatEvent formats a single event for display.
func (r *Replayer) formatEvent(seq int, event *trace.Event, lastTask *string) {
	if event.Task != "" && event.Task != *lastTask && event.Kind == trace.TaskStarted && event.Item == nil {
		fmt.Fprintln(r.output)
		fmt.Fprintf(r.output, "%s %s\n", flowStyle.Render("TASK:"), valueStyle.Render(event.Task))
		*lastTask = event.Task
	}

	ts := timeStyle.Render(event.Timestamp.Format("15:04:05.000"))
	seqNum := seqStyle.Render(fmt.Sprintf("%d", seq))

	switch event.Kind {
	case trace.WorkflowStarted:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, flowStyle.Render("WORKFLOW START"))
	case trace.WorkflowCompleted:
		r.fmtWorkflowEnd(seqNum, ts, event)
	case trace.TaskStarted:
		fmt.Fprintf(r.output, "%s │ %s │ %s%s %s\n", seqNum, ts, flowStyle.Render("TASK START"), itemHint(event), dimStyle.Render(event.Verb))
	case trace.TaskCompleted, trace.TaskFailed, trace.TaskSkipped:
		r.fmtTaskEnd(seqNum, ts, event)
	case trace.InferStarted:
		r.fmtInferStart(seqNum, ts, event)
	case trace.InferCompleted:
		r.fmtInferEnd(seqNum, ts, event)
	case trace.ToolCalled:
		r.fmtToolCall(seqNum, ts, event)
	case trace.ToolResponded:
		r.fmtToolResult(seqNum, ts, event)
	case trace.AgentTurnStarted:
		fmt.Fprintf(r.output, "%s │ %s │ %s%s\n", seqNum, ts, agentStyle.Render(fmt.Sprintf("TURN %d", event.Turn)), itemHint(event))
	case trace.AgentTurnCompleted:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s %s\n", seqNum, ts,
			agentStyle.Render(fmt.Sprintf("TURN %d END", event.Turn)),
			statusStyle(event.Status).Render(event.Status),
			dimStyle.Render(fmt.Sprintf("(%dms)", event.DurationMs)))
		if event.Error != "" {
			r.printError(event.Error)
		}
	case trace.RetryScheduled:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s %s\n", seqNum, ts,
			resilienceStyle.Render("RETRY"),
			valueStyle.Render(event.Resource),
			dimStyle.Render(fmt.Sprintf("attempt %d, wait %dms", event.Attempt, event.DelayMs)))
		if r.verbosity >= 1 && event.Error != "" {
			r.printError(event.Error)
		}
	case trace.CircuitStateChanged:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s %s → %s\n", seqNum, ts,
			resilienceStyle.Render("CIRCUIT"),
			valueStyle.Render(event.Resource),
			dimStyle.Render(event.From),
			circuitStyle(event.To).Render(event.To))
	default:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, dimStyle.Render(string(event.Kind)))
	}
}

func (r *Replayer) fmtWorkflowEnd(seqNum, ts string, event *trace.Event) {
	fmt.Fprintf(r.output, "%s │ %s │ %s %s %s\n", seqNum, ts,
		flowStyle.Render("WORKFLOW END"),
		statusStyle(event.Status).Render(event.Status),
		dimStyle.Render(fmt.Sprintf("(%dms)", event.DurationMs)))
	if event.Task != "" {
		fmt.Fprintf(r.output, "      │              │   %s %s\n", labelStyle.Render("first failure:"), valueStyle.Render(event.Task))
	}
}

func (r *Replayer) fmtTaskEnd(seqNum, ts string, event *trace.Event) {
	label := "TASK END"
	if event.Kind == trace.TaskSkipped {
		label = "TASK SKIPPED"
	}
	status := event.Status
	if status == "" {
		status = statusOf(event.Kind)
	}
	fmt.Fprintf(r.output, "%s │ %s │ %s%s %s %s\n", seqNum, ts,
		flowStyle.Render(label),
		itemHint(event),
		statusStyle(status).Render(status),
		dimStyle.Render(fmt.Sprintf("(%dms)", event.DurationMs)))
	if event.Error != "" {
		r.printError(event.Error)
	}
	if r.verbosity >= 2 && event.Content != "" {
		r.printContent(event.Content)
	}
}

func (r *Replayer) fmtInferStart(seqNum, ts string, event *trace.Event) {
	model := event.Model
	if model == "" {
		model = "default"
	}
	fmt.Fprintf(r.output, "%s │ %s │ %s %s%s\n", seqNum, ts, inferStyle.Render("→ MODEL"), dimStyle.Render(model), itemHint(event))
	if r.verbosity >= 2 && event.Content != "" {
		r.printContent(event.Content)
	}
}

func (r *Replayer) fmtInferEnd(seqNum, ts string, event *trace.Event) {
	fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts, inferStyle.Render("← MODEL"), dimStyle.Render(fmt.Sprintf("(%dms)", event.DurationMs)))
	if event.Error != "" {
		r.printError(event.Error)
		return
	}
	if r.verbosity >= 1 && event.Content != "" {
		r.printContent(event.Content)
	}
}

func (r *Replayer) fmtToolCall(seqNum, ts string, event *trace.Event) {
	fmt.Fprintf(r.output, "%s │ %s │ %s %s%s\n", seqNum, ts, toolStyle.Render("→ TOOL"), valueStyle.Render(event.Tool), itemHint(event))
	if r.verbosity >= 1 {
		r.printArgs(event.Args)
	}
}

func (r *Replayer) fmtToolResult(seqNum, ts string, event *trace.Event) {
	status := successStyle.Render("ok")
	if event.Success != nil && !*event.Success {
		status = errorStyle.Render("error")
	}
	fmt.Fprintf(r.output, "%s │ %s │ %s %s %s %s\n", seqNum, ts,
		toolStyle.Render("← TOOL"),
		valueStyle.Render(event.Tool),
		status,
		dimStyle.Render(fmt.Sprintf("(%dms)", event.DurationMs)))
	if event.Error != "" {
		r.printError(event.Error)
		return
	}
	if r.verbosity >= 1 && event.Content != "" {
		r.printContent(event.Content)
	}
}

// statusOf maps a task event kind to a status when the event carries none.
func statusOf(kind trace.Kind) string {
	switch kind {
	case trace.TaskCompleted:
		return "succeeded"
	case trace.TaskFailed:
		return "failed"
	case trace.TaskSkipped:
		return "skipped"
	}
	return ""
}

func itemHint(event *trace.Event) string {
	if event.Item == nil {
		return ""
	}
	return dimStyle.Render(fmt.Sprintf(" [item %d]", *event.Item))
}
