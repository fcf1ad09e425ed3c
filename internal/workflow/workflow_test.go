package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/taskflow/internal/binding"
)

const sampleDoc = `
name: review
fail_fast: true
max_parallel: 4
inputs:
  - name: repo
    default: "."
  - name: branch
tasks:
  - id: scan
    exec:
      command: "ls {{ input.repo }}"
  - id: summarize
    depends_on: [scan]
    timeout: 30s
    infer:
      prompt: "Summarize {{ use.scan.stdout }}"
      model: claude-sonnet
    output:
      format: json
      as: summary
  - id: each
    for_each:
      source: "{{ summary.files }}"
      as: file
      concurrency: 3
      fail_fast: false
    invoke:
      peer: fs
      tool: read
      params:
        path: "{{ file }}"
        index: "{{ loop.index }}"
  - id: helper
    agent:
      goal: "Fix {{ use.each }}"
      max_turns: 3
      tools: ["fs.*"]
`

func TestParse_Sample(t *testing.T) {
	wf, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.Name != "review" || !wf.FailFast || wf.MaxParallel != 4 {
		t.Errorf("unexpected workflow header: %+v", wf)
	}
	if len(wf.Inputs) != 2 || wf.Inputs[0].Required() || !wf.Inputs[1].Required() {
		t.Errorf("unexpected inputs: %+v", wf.Inputs)
	}
	if len(wf.Tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(wf.Tasks))
	}

	if _, ok := wf.Tasks[0].Verb.(*Exec); !ok {
		t.Errorf("scan: expected *Exec, got %T", wf.Tasks[0].Verb)
	}
	sum := wf.Tasks[1]
	if inf, ok := sum.Verb.(*Infer); !ok || inf.Model != "claude-sonnet" {
		t.Errorf("summarize: unexpected verb %#v", sum.Verb)
	}
	if sum.Timeout != 30*time.Second {
		t.Errorf("summarize: timeout = %v", sum.Timeout)
	}
	if !sum.Output.JSON() || sum.Output.As != "summary" {
		t.Errorf("summarize: output = %+v", sum.Output)
	}

	each := wf.Tasks[2]
	if each.ForEach == nil || each.ForEach.Var() != "file" || each.ForEach.Limit() != 3 || each.ForEach.StopOnFailure() {
		t.Errorf("each: for_each = %+v", each.ForEach)
	}
	if a, ok := wf.Tasks[3].Verb.(*Agent); !ok || a.Turns() != 3 {
		t.Errorf("helper: unexpected verb %#v", wf.Tasks[3].Verb)
	}
}

func TestTask_ReferencesSkipLoopScope(t *testing.T) {
	wf, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	refs, err := wf.Tasks[2].References()
	if err != nil {
		t.Fatalf("References: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected only the source reference, got %+v", refs)
	}
	if refs[0].Namespace != binding.NamespaceName || refs[0].Name != "summary" || refs[0].Path != "files" {
		t.Errorf("unexpected ref %+v", refs[0])
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no name", "tasks: []"},
		{"no verb", "name: x\ntasks:\n  - id: a\n"},
		{"two verbs", "name: x\ntasks:\n  - id: a\n    exec: {command: ls}\n    infer: {prompt: hi}\n"},
		{"no id", "name: x\ntasks:\n  - exec: {command: ls}\n"},
		{"bad format", "name: x\ntasks:\n  - id: a\n    exec: {command: ls}\n    output: {format: xml}\n"},
		{"empty for_each", "name: x\ntasks:\n  - id: a\n    exec: {command: ls}\n    for_each: {as: x}\n"},
		{"bad yaml", "name: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrParse) {
				t.Errorf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestLoadFile_SetsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("name: x\ntasks:\n  - id: a\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Path != path || pe.Line == 0 {
		t.Errorf("unexpected error location: %+v", pe)
	}
}

func TestForEach_Defaults(t *testing.T) {
	fe := &ForEach{Items: []any{1}}
	if fe.Var() != "item" || fe.Limit() != 1 || !fe.StopOnFailure() {
		t.Errorf("unexpected defaults: var=%s limit=%d stop=%v", fe.Var(), fe.Limit(), fe.StopOnFailure())
	}
}
