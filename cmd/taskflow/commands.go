package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tidwall/gjson"
	"github.com/vinayprograms/taskflow/internal/checkpoint"
	"github.com/vinayprograms/taskflow/internal/config"
	"github.com/vinayprograms/taskflow/internal/executor"
	"github.com/vinayprograms/taskflow/internal/graph"
	"github.com/vinayprograms/taskflow/internal/replay"
	"github.com/vinayprograms/taskflow/internal/workflow"
)

// errRunNotSucceeded marks a run that completed with failures.
var errRunNotSucceeded = errors.New("run did not succeed")

// loadConfig loads path, or ./taskflow.toml with defaults as fallback.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// loadGraph reads a workflow file and validates it into a graph.
func loadGraph(path string) (*graph.Graph, error) {
	wf, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return graph.Build(wf)
}

// parseInputs decodes input values that are valid JSON (numbers, booleans,
// objects, arrays); anything else stays a string.
func parseInputs(raw map[string]string) map[string]any {
	inputs := make(map[string]any, len(raw))
	for k, v := range raw {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" && gjson.Valid(trimmed) {
			inputs[k] = gjson.Parse(trimmed).Value()
			continue
		}
		inputs[k] = v
	}
	return inputs
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run executes the workflow, once or on every change with --watch.
func (c *RunCmd) Run() error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.MaxParallel > 0 {
		cfg.Engine.MaxParallel = c.MaxParallel
	}
	if c.FailFast {
		cfg.Engine.FailFast = true
	}
	if c.Debug {
		cfg.Engine.Debug = true
	}

	rt := newRuntime(cfg, globalCreds)
	defer rt.close()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	if c.Watch {
		return c.watch(ctx, rt)
	}
	return c.runOnce(ctx, rt)
}

// runOnce loads, validates and executes the workflow file once.
func (c *RunCmd) runOnce(ctx context.Context, rt *runtime) error {
	g, err := loadGraph(c.File)
	if err != nil {
		return err
	}
	if rt.cfg.Engine.FailFast {
		g.Workflow.FailFast = true
	}

	fmt.Fprintf(os.Stderr, "Running workflow: %s (%d tasks)\n\n", g.Workflow.Name, g.Len())
	state, err := rt.exec.RunGraph(ctx, g, parseInputs(c.Input))
	if err != nil {
		return err
	}

	if c.JSON {
		out, err := json.MarshalIndent(newRunReport(g, state), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		fmt.Fprintln(os.Stderr)
		renderSummary(os.Stdout, g, state, summaryWidth())
	}

	if state.Status() != executor.RunSucceeded {
		return fmt.Errorf("%w: %s", errRunNotSucceeded, state.Status())
	}
	return nil
}

// Run validates the workflow file.
func (c *ValidateCmd) Run() error {
	g, err := loadGraph(c.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Error: %v\n", err)
		return err
	}
	fmt.Printf("✓ Valid (%d tasks)\n", g.Len())
	return nil
}

// Run prints execution order and dependencies.
func (c *InspectCmd) Run() error {
	g, err := loadGraph(c.File)
	if err != nil {
		return err
	}
	renderInspect(os.Stdout, g)
	return nil
}

// Run replays a trace file.
func (c *ReplayCmd) Run() error {
	path := c.Trace
	if path == "" {
		cfg, err := loadConfig(c.Config)
		if err != nil {
			return err
		}
		path = cfg.TracePath()
		if path == "" {
			return fmt.Errorf("no trace file given and trace.file is not configured")
		}
	}

	r := replay.New(os.Stdout, c.Verbose,
		replay.WithRun(c.RunID),
		replay.WithWidth(c.Width),
		replay.WithMaxContentSize(c.MaxContent),
	)
	if c.Follow {
		ctx, stop := signalContext()
		defer stop()
		return r.Follow(ctx, path)
	}
	return r.ReplayFile(path)
}

// Run prints the agent transcripts stored for a run.
func (c *TranscriptsCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(transcriptDir(cfg.StoragePath()))
	if err != nil {
		return err
	}
	if err := store.Load(); err != nil {
		return fmt.Errorf("loading transcripts: %w", err)
	}

	var found []*checkpoint.Transcript
	for _, t := range store.ForRun(c.RunID) {
		if c.Task == "" || t.TaskID == c.Task {
			found = append(found, t)
		}
	}
	if len(found) == 0 {
		return fmt.Errorf("no transcripts for run %s", c.RunID)
	}
	renderTranscripts(os.Stdout, found, c.Full, summaryWidth())
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("taskflow version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
