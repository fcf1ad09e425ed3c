// Tracing instrumentation for the executor.
package executor

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/taskflow/internal/binding"
	"github.com/vinayprograms/taskflow/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startWorkflowSpan starts a span for the workflow execution.
func (e *Executor) startWorkflowSpan(ctx context.Context, workflowName, runID string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("workflow.name", workflowName),
		attribute.String("workflow.run_id", runID),
	)
	return ctx, span
}

// endWorkflowSpan ends the workflow span with result info.
func (e *Executor) endWorkflowSpan(span trace.Span, sum Summary, err error) {
	span.SetAttributes(
		attribute.String("workflow.status", string(sum.Status)),
		attribute.Int("workflow.succeeded", sum.Succeeded),
		attribute.Int("workflow.failed", sum.Failed),
		attribute.Int("workflow.skipped", sum.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, sum.FirstFailure)
	}
	span.End()
}

// startTaskSpan starts a span for one task.
func (e *Executor) startTaskSpan(ctx context.Context, task *workflow.Task) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "task."+task.ID)
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.verb", string(task.Verb.Kind())),
		attribute.Bool("task.for_each", task.ForEach != nil),
	)
	return ctx, span
}

// endTaskSpan ends the task span with output info.
func (e *Executor) endTaskSpan(span trace.Span, res *TaskResult) {
	tracer := telemetry.GetTracer()
	if tracer.Debug() && res.Value != nil {
		span.SetAttributes(attribute.String("task.output", truncateForLog(binding.Stringify(res.Value), 2000)))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()
}

// startTurnSpan starts a span for one agent turn.
func (e *Executor) startTurnSpan(ctx context.Context, taskID string, turn int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("agent.task", taskID),
		attribute.Int("agent.turn", turn),
	)
	return ctx, span
}

// endTurnSpan ends an agent turn span.
func (e *Executor) endTurnSpan(span trace.Span, toolCalls int, err error) {
	span.SetAttributes(attribute.Int("agent.tool_calls", toolCalls))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
