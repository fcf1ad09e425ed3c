// Package replay renders recorded trace events as a timeline for
// after-the-fact analysis of workflow runs.
package replay

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/taskflow/internal/trace"
)

// Replayer reads and formats trace events.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	maxContentSize int // 0 = unlimited
	width          int // wrap width for content blocks
	runID          string
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits how much of each content field is printed.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// WithRun restricts output to one run.
func WithRun(runID string) ReplayerOption {
	return func(r *Replayer) {
		r.runID = runID
	}
}

// WithWidth sets the wrap width of content blocks.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		r.width = width
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 4 * 1024,
		width:          100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run is the slice of a trace belonging to one workflow run.
type run struct {
	id       string
	workflow string
	events   []trace.Event
}

// groupRuns splits events by run id, keeping first-seen order.
func groupRuns(events []trace.Event) []*run {
	var runs []*run
	byID := make(map[string]*run)
	for _, ev := range events {
		r, ok := byID[ev.RunID]
		if !ok {
			r = &run{id: ev.RunID, workflow: ev.Workflow}
			byID[ev.RunID] = r
			runs = append(runs, r)
		}
		r.events = append(r.events, ev)
	}
	return runs
}

// ReplayFile loads and replays a JSON lines trace file.
func (r *Replayer) ReplayFile(path string) error {
	events, err := trace.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	return r.Replay(events)
}

// Replay outputs a formatted timeline for every run in events.
func (r *Replayer) Replay(events []trace.Event) error {
	printed := 0
	for _, rn := range groupRuns(events) {
		if r.runID != "" && rn.id != r.runID {
			continue
		}
		r.printHeader(rn)
		r.printTimeline(rn)
		r.printSummary(rn)
		printed++
	}
	if printed == 0 {
		if r.runID != "" {
			return fmt.Errorf("no events for run %s", r.runID)
		}
		return fmt.Errorf("trace contains no events")
	}
	return nil
}

// Follow prints events as they are appended to path until ctx is done.
func (r *Replayer) Follow(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch file: %w", err)
	}

	seen := 0
	lastTask := ""
	flush := func() {
		events, err := trace.ReadFile(path)
		if err != nil && len(events) <= seen {
			// partial trailing line; the next write completes it
			return
		}
		for i := seen; i < len(events); i++ {
			if r.runID != "" && events[i].RunID != r.runID {
				continue
			}
			r.formatEvent(i+1, &events[i], &lastTask)
		}
		seen = len(events)
	}
	flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// let writes settle
				time.Sleep(50 * time.Millisecond)
				flush()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

func (r *Replayer) printHeader(rn *run) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("RUN"), valueStyle.Render(rn.id))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Workflow:"), valueStyle.Render(rn.workflow))
	if len(rn.events) > 0 {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Started: "), valueStyle.Render(rn.events[0].Timestamp.Format(time.RFC3339)))
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(rn *run) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(rn.events))))
	fmt.Fprintln(r.output, divider)

	var lastTask string
	for i := range rn.events {
		r.formatEvent(i+1, &rn.events[i], &lastTask)
	}
}

func (r *Replayer) printSummary(rn *run) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	stats := ComputeStats(rn.events)
	switch stats.Status {
	case "succeeded":
		fmt.Fprintln(r.output, successStyle.Render("SUCCEEDED"))
	case "":
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	default:
		fmt.Fprintf(r.output, "%s %s\n", statusStyle(stats.Status).Render(upper(stats.Status)+":"), valueStyle.Render(stats.FirstError))
	}
	PrintStats(r.output, stats)
}
