package replay

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/vinayprograms/taskflow/internal/trace"
)

// Stats holds aggregate statistics for one run.
type Stats struct {
	Status     string
	FirstError string

	TotalDurationMs int64

	// Per-task durations and outcomes
	TaskDurations map[string]int64
	TaskStatus    map[string]string

	// Model calls
	InferCount   int
	InferTotalMs int64
	InferAvgMs   int64

	// Tool calls
	ToolCount    int
	ToolFailures int
	ToolTotalMs  int64
	ToolAvgMs    int64

	// Agent turns per task
	AgentTurns map[string]int

	// Resilience activity per resource key
	Retries      map[string]int
	CircuitOpens map[string]int
}

// ComputeStats calculates aggregate statistics from a run's events.
func ComputeStats(events []trace.Event) *Stats {
	stats := &Stats{
		TaskDurations: make(map[string]int64),
		TaskStatus:    make(map[string]string),
		AgentTurns:    make(map[string]int),
		Retries:       make(map[string]int),
		CircuitOpens:  make(map[string]int),
	}

	var firstEvent, lastEvent time.Time
	for _, event := range events {
		if firstEvent.IsZero() || event.Timestamp.Before(firstEvent) {
			firstEvent = event.Timestamp
		}
		if lastEvent.IsZero() || event.Timestamp.After(lastEvent) {
			lastEvent = event.Timestamp
		}

		switch event.Kind {
		case trace.WorkflowCompleted:
			stats.Status = event.Status
			stats.FirstError = event.Error
			if event.DurationMs > 0 {
				stats.TotalDurationMs = event.DurationMs
			}

		case trace.TaskCompleted, trace.TaskFailed, trace.TaskSkipped:
			if event.Item != nil {
				continue
			}
			status := event.Status
			if status == "" {
				status = statusOf(event.Kind)
			}
			stats.TaskStatus[event.Task] = status
			if event.DurationMs > 0 {
				stats.TaskDurations[event.Task] = event.DurationMs
			}

		case trace.InferCompleted:
			stats.InferCount++
			stats.InferTotalMs += event.DurationMs

		case trace.ToolResponded:
			stats.ToolCount++
			stats.ToolTotalMs += event.DurationMs
			if event.Success != nil && !*event.Success {
				stats.ToolFailures++
			}

		case trace.AgentTurnCompleted:
			stats.AgentTurns[event.Task]++

		case trace.RetryScheduled:
			stats.Retries[event.Resource]++

		case trace.CircuitStateChanged:
			if event.To == "open" {
				stats.CircuitOpens[event.Resource]++
			}
		}
	}

	if stats.TotalDurationMs == 0 && !firstEvent.IsZero() {
		stats.TotalDurationMs = lastEvent.Sub(firstEvent).Milliseconds()
	}
	if stats.InferCount > 0 {
		stats.InferAvgMs = stats.InferTotalMs / int64(stats.InferCount)
	}
	if stats.ToolCount > 0 {
		stats.ToolAvgMs = stats.ToolTotalMs / int64(stats.ToolCount)
	}
	return stats
}

// PrintStats outputs the statistics to the writer.
func PrintStats(w io.Writer, stats *Stats) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n",
		labelStyle.Render("Total Duration:"),
		valueStyle.Render(formatDuration(stats.TotalDurationMs)))
	fmt.Fprintln(w)

	if len(stats.TaskStatus) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Tasks:"))
		for _, id := range sortedKeys(stats.TaskStatus) {
			status := stats.TaskStatus[id]
			line := fmt.Sprintf("  %s %s", labelStyle.Render(id+":"), statusStyle(status).Render(status))
			if d, ok := stats.TaskDurations[id]; ok {
				line += " " + dimStyle.Render(formatDuration(d))
			}
			if turns := stats.AgentTurns[id]; turns > 0 {
				line += " " + dimStyle.Render(fmt.Sprintf("%d turns", turns))
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}

	if stats.InferCount > 0 {
		fmt.Fprintln(w, headerStyle.Render("Model Calls:"))
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Calls:"), valueStyle.Render(fmt.Sprintf("%d", stats.InferCount)))
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Average:"), valueStyle.Render(formatDuration(stats.InferAvgMs)))
		fmt.Fprintln(w)
	}

	if stats.ToolCount > 0 {
		fmt.Fprintln(w, headerStyle.Render("Tool Calls:"))
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Calls:"), valueStyle.Render(fmt.Sprintf("%d", stats.ToolCount)))
		if stats.ToolFailures > 0 {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Failed:"), errorStyle.Render(fmt.Sprintf("%d", stats.ToolFailures)))
		}
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Average:"), valueStyle.Render(formatDuration(stats.ToolAvgMs)))
		fmt.Fprintln(w)
	}

	if len(stats.Retries) > 0 || len(stats.CircuitOpens) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Resilience:"))
		for _, key := range sortedKeys(stats.Retries) {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(key+":"), valueStyle.Render(fmt.Sprintf("%d retries", stats.Retries[key])))
		}
		for _, key := range sortedKeys(stats.CircuitOpens) {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(key+":"), errorStyle.Render(fmt.Sprintf("circuit opened %d times", stats.CircuitOpens[key])))
		}
		fmt.Fprintln(w)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDuration formats milliseconds as human-readable duration.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}
