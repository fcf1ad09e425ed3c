package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/vinayprograms/taskflow/internal/capability"
	"github.com/vinayprograms/taskflow/internal/executor"
	"github.com/vinayprograms/taskflow/internal/graph"
	"github.com/vinayprograms/taskflow/internal/workflow"
)

func TestRunCmd_Defaults(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}

	if cli.Run.File != "workflow.yaml" {
		t.Errorf("expected default file 'workflow.yaml', got %q", cli.Run.File)
	}
	if cli.Run.Watch || cli.Run.FailFast || cli.Run.MaxParallel != 0 {
		t.Errorf("unexpected defaults: %+v", cli.Run)
	}
}

func TestRunCmd_Flags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{"run", "-f", "ci.yaml", "-i", "repo=.", "-i", "n=3",
		"--max-parallel", "2", "--fail-fast", "--watch", "--json"})
	if err != nil {
		t.Fatal(err)
	}

	if cli.Run.File != "ci.yaml" {
		t.Errorf("expected 'ci.yaml', got %q", cli.Run.File)
	}
	if cli.Run.Input["repo"] != "." || cli.Run.Input["n"] != "3" {
		t.Errorf("unexpected inputs %v", cli.Run.Input)
	}
	if cli.Run.MaxParallel != 2 || !cli.Run.FailFast || !cli.Run.Watch || !cli.Run.JSON {
		t.Errorf("unexpected flags: %+v", cli.Run)
	}
}

func TestReplayCmd_Flags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{"replay", "trace.jsonl", "-vv", "--run", "abc"})
	if err != nil {
		t.Fatal(err)
	}

	if cli.Replay.Trace != "trace.jsonl" || cli.Replay.RunID != "abc" {
		t.Errorf("unexpected replay args: %+v", cli.Replay)
	}
	if cli.Replay.Verbose != 2 {
		t.Errorf("expected verbosity 2, got %d", cli.Replay.Verbose)
	}
	if cli.Replay.Width != 100 || cli.Replay.MaxContent != 4096 {
		t.Errorf("unexpected defaults: %+v", cli.Replay)
	}
}

func TestValidateCmd_DefaultFile(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{"validate"})
	if err != nil {
		t.Fatal(err)
	}
	if cli.Validate.File != "workflow.yaml" {
		t.Errorf("expected default file, got %q", cli.Validate.File)
	}
}

func TestTranscriptsCmd_RequiresRun(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"transcripts"}); err == nil {
		t.Error("expected error without run id")
	}
}

func TestParseInputs(t *testing.T) {
	inputs := parseInputs(map[string]string{
		"name":  "world",
		"count": "3",
		"flag":  "true",
		"list":  `["a","b"]`,
		"empty": "",
	})

	if inputs["name"] != "world" || inputs["empty"] != "" {
		t.Errorf("strings should pass through: %v", inputs)
	}
	if inputs["count"] != float64(3) || inputs["flag"] != true {
		t.Errorf("scalars should be decoded: %#v %#v", inputs["count"], inputs["flag"])
	}
	if list, ok := inputs["list"].([]interface{}); !ok || len(list) != 2 {
		t.Errorf("expected decoded list, got %#v", inputs["list"])
	}
}

func TestParseRetryConfig(t *testing.T) {
	tests := []struct {
		name        string
		maxRetries  int
		backoffStr  string
		wantMax     int
		wantBackoff time.Duration
	}{
		{"empty", 0, "", 0, 0},
		{"both", 3, "30s", 3, 30 * time.Second},
		{"invalid backoff", 2, "soon", 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := parseRetryConfig(tt.maxRetries, tt.backoffStr)
			if cfg.MaxRetries != tt.wantMax {
				t.Errorf("MaxRetries = %v, want %v", cfg.MaxRetries, tt.wantMax)
			}
			if cfg.MaxBackoff != tt.wantBackoff {
				t.Errorf("MaxBackoff = %v, want %v", cfg.MaxBackoff, tt.wantBackoff)
			}
		})
	}
}

const pipelineDoc = `
name: pipeline
description: build then test
inputs:
  - name: target
    default: all
tasks:
  - id: build
    exec:
      command: "make {{ input.target }}"
  - id: test
    exec:
      command: "make test"
    depends_on: [build]
  - id: report
    exec:
      command: "echo {{ use.test.stdout }}"
`

func writeWorkflow(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadGraph(t *testing.T) {
	g, err := loadGraph(writeWorkflow(t, pipelineDoc))
	if err != nil {
		t.Fatalf("loadGraph: %v", err)
	}
	if got := strings.Join(g.Order(), ","); got != "build,test,report" {
		t.Errorf("unexpected order %s", got)
	}

	_, err = loadGraph(writeWorkflow(t, `
name: loop
tasks:
  - id: a
    exec: {command: "true"}
    depends_on: [b]
  - id: b
    exec: {command: "true"}
    depends_on: [a]
`))
	if !errors.Is(err, graph.ErrCircularDependency) {
		t.Errorf("expected circular dependency, got %v", err)
	}
}

func TestRenderInspect(t *testing.T) {
	g, err := loadGraph(writeWorkflow(t, pipelineDoc))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	renderInspect(&buf, g)
	out := buf.String()
	for _, want := range []string{"pipeline", "build then test", "target", "1. build", "2. test", "3. report", "after: test"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
}

type scriptedShell struct {
	fail string
}

func (s *scriptedShell) ExecuteShell(ctx context.Context, command string, env map[string]string) (*capability.ShellResult, error) {
	if command == s.fail {
		return &capability.ShellResult{Stderr: "no rule", ExitCode: 2}, nil
	}
	return &capability.ShellResult{Stdout: "ran " + command}, nil
}

func runPipeline(t *testing.T, failing string) (*graph.Graph, *executor.ExecutionState) {
	t.Helper()
	wf, err := workflow.Parse([]byte(pipelineDoc))
	if err != nil {
		t.Fatal(err)
	}
	g, err := graph.Build(wf)
	if err != nil {
		t.Fatal(err)
	}
	exec := executor.NewExecutor(capability.Set{Shell: &scriptedShell{fail: failing}})
	state, err := exec.RunGraph(context.Background(), g, nil)
	if err != nil {
		t.Fatalf("RunGraph: %v", err)
	}
	return g, state
}

func TestRenderSummary(t *testing.T) {
	g, state := runPipeline(t, "make test")

	var buf bytes.Buffer
	renderSummary(&buf, g, state, 80)
	out := buf.String()
	for _, want := range []string{"pipeline", state.RunID, "failed", "skipped", "first failure:"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "ran make all") {
		t.Errorf("summary should preview the build output:\n%s", out)
	}
}

func TestRunReport(t *testing.T) {
	g, state := runPipeline(t, "")

	data, err := json.Marshal(newRunReport(g, state))
	if err != nil {
		t.Fatal(err)
	}
	var report struct {
		Status  string                    `json:"status"`
		Tasks   []map[string]interface{}  `json:"tasks"`
		Outputs map[string]map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "succeeded" || len(report.Tasks) != 3 {
		t.Errorf("unexpected report %s", data)
	}
	if report.Outputs["build"]["stdout"] != "ran make all" {
		t.Errorf("unexpected build output %v", report.Outputs["build"])
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short  ", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("abcdefghijkl", 8); got != "abcde..." {
		t.Errorf("got %q", got)
	}
}
