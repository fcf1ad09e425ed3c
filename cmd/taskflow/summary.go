package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"github.com/vinayprograms/taskflow/internal/checkpoint"
	"github.com/vinayprograms/taskflow/internal/executor"
	"github.com/vinayprograms/taskflow/internal/graph"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	idStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Width(24)
)

const previewLen = 200

// summaryWidth is the wrap width for rendered blocks.
func summaryWidth() int {
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 40 {
		return n
	}
	return 100
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(executor.TaskSucceeded):
		return successStyle
	case string(executor.TaskFailed):
		return errorStyle
	case string(executor.TaskSkipped), string(executor.TaskCancelled), string(executor.RunPartiallyFailed):
		return warnStyle
	default:
		return valueStyle
	}
}

// block wraps s to width and indents it by n spaces.
func block(s string, n uint, width int) string {
	if width > int(n)+10 {
		s = wordwrap.String(s, width-int(n))
	}
	return indent.String(s, n)
}

// renderSummary prints per-task outcomes in execution order.
func renderSummary(w io.Writer, g *graph.Graph, state *executor.ExecutionState, width int) {
	sum := state.Summary()
	status := string(sum.Status)

	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("WORKFLOW"), valueStyle.Render(state.Workflow))
	fmt.Fprintf(w, "%s %s\n", dimStyle.Render("run:"), valueStyle.Render(state.RunID))
	fmt.Fprintf(w, "%s %s %s\n",
		dimStyle.Render("status:"),
		statusStyle(status).Render(status),
		dimStyle.Render(fmt.Sprintf("(%d succeeded, %d failed, %d skipped in %s)",
			sum.Succeeded, sum.Failed, sum.Skipped, state.Finished.Sub(state.Started).Round(time.Millisecond))))
	fmt.Fprintln(w)

	for _, id := range g.Order() {
		ts := string(state.TaskStatus(id))
		line := idStyle.Render(id) + " " + statusStyle(ts).Render(ts)
		res := state.Result(id)
		if res != nil && !res.Finished.IsZero() {
			line += " " + dimStyle.Render(res.Duration().Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, line)
		if res == nil {
			continue
		}
		if res.Err != nil {
			fmt.Fprintln(w, errorStyle.Render(block(res.Err.Error(), 4, width)))
			continue
		}
		if res.Value != nil {
			fmt.Fprintln(w, dimStyle.Render(block(truncate(preview(res.Value), previewLen), 4, width)))
		}
	}

	if sum.FirstFailure != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("first failure:"), valueStyle.Render(sum.FirstFailure))
	}
}

// renderInspect prints the topological order with each task's dependencies.
func renderInspect(w io.Writer, g *graph.Graph) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("WORKFLOW"), valueStyle.Render(g.Workflow.Name))
	if g.Workflow.Description != "" {
		fmt.Fprintln(w, dimStyle.Render(g.Workflow.Description))
	}
	if len(g.Workflow.Inputs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Inputs:"))
		for _, in := range g.Workflow.Inputs {
			if in.Required() {
				fmt.Fprintf(w, "  %s %s\n", valueStyle.Render(in.Name), warnStyle.Render("(required)"))
			} else {
				fmt.Fprintf(w, "  %s %s\n", valueStyle.Render(in.Name), dimStyle.Render(fmt.Sprintf("= %v", in.Default)))
			}
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Execution order:"))
	for i, id := range g.Order() {
		node := g.Node(id)
		line := fmt.Sprintf("%3d. %s %s", i+1, idStyle.Render(id), toolStyle.Render(string(node.Task.Verb.Kind())))
		if node.Task.ForEach != nil {
			line += dimStyle.Render(" (for each)")
		}
		fmt.Fprintln(w, line)
		if len(node.Deps) > 0 {
			fmt.Fprintf(w, "     %s %s\n", dimStyle.Render("after:"), strings.Join(node.Deps, ", "))
		}
	}
}

// renderTranscripts prints stored agent turns.
func renderTranscripts(w io.Writer, transcripts []*checkpoint.Transcript, full bool, width int) {
	for _, t := range transcripts {
		label := t.TaskID
		if t.Item != nil {
			label += fmt.Sprintf(" [item %d]", *t.Item)
		}
		fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(label), statusStyle(t.Status).Render(t.Status),
			dimStyle.Render(t.UpdatedAt.Format(time.RFC3339)))
		fmt.Fprintln(w, dimStyle.Render(block(truncate(t.Goal, previewLen), 2, width)))
		if t.Error != "" {
			fmt.Fprintln(w, errorStyle.Render(block(t.Error, 2, width)))
		}

		for _, turn := range t.Turns {
			switch turn.Action {
			case checkpoint.ActionToolCall:
				fmt.Fprintf(w, "  %s %s %s\n", dimStyle.Render(fmt.Sprintf("turn %d", turn.Turn+1)), toolStyle.Render("→ "+turn.Tool), dimStyle.Render(truncate(preview(turn.Params), 80)))
				body := turn.Response
				style := dimStyle
				if turn.Error != "" {
					body, style = turn.Error, errorStyle
				}
				if !full {
					body = truncate(body, previewLen)
				}
				if body != "" {
					fmt.Fprintln(w, style.Render(block(body, 6, width)))
				}
			case checkpoint.ActionFinalAnswer:
				fmt.Fprintf(w, "  %s %s\n", dimStyle.Render(fmt.Sprintf("turn %d", turn.Turn+1)), successStyle.Render("final answer"))
				body := preview(turn.Final)
				if !full {
					body = truncate(body, previewLen)
				}
				fmt.Fprintln(w, valueStyle.Render(block(body, 6, width)))
			}
		}
		fmt.Fprintln(w)
	}
}

// runReport is the --json form of a finished run.
type runReport struct {
	RunID    string             `json:"run_id"`
	Workflow string             `json:"workflow"`
	Status   executor.RunStatus `json:"status"`
	Tasks    []taskReport       `json:"tasks"`
	Outputs  map[string]any     `json:"outputs"`
}

type taskReport struct {
	ID         string                 `json:"id"`
	Status     executor.TaskStatus    `json:"status"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Items      []executor.ItemOutcome `json:"items,omitempty"`
}

func newRunReport(g *graph.Graph, state *executor.ExecutionState) runReport {
	_, outputs := state.Outputs()
	report := runReport{
		RunID:    state.RunID,
		Workflow: state.Workflow,
		Status:   state.Status(),
		Outputs:  outputs,
	}
	for _, id := range g.Order() {
		tr := taskReport{ID: id, Status: state.TaskStatus(id)}
		if res := state.Result(id); res != nil {
			if res.Err != nil {
				tr.Error = res.Err.Error()
			}
			if !res.Finished.IsZero() {
				tr.DurationMs = res.Duration().Milliseconds()
			}
			tr.Items = res.Items
		}
		report.Tasks = append(report.Tasks, tr)
	}
	return report
}

// preview renders a value for display: strings as-is, everything else JSON.
func preview(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
