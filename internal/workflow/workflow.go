// Package workflow defines the in-memory task description executed by the engine.
package workflow

import (
	"time"

	"github.com/vinayprograms/taskflow/internal/binding"
)

// Workflow is a named set of tasks plus run-wide settings.
type Workflow struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	FailFast    bool    `yaml:"fail_fast,omitempty"`    // stop the whole run on the first task failure
	MaxParallel int     `yaml:"max_parallel,omitempty"` // 0 means unbounded
	Inputs      []Input `yaml:"inputs,omitempty"`
	Tasks       []*Task `yaml:"tasks"`
}

// Input declares a run parameter. An input without a default is required.
type Input struct {
	Name    string `yaml:"name"`
	Default any    `yaml:"default,omitempty"`
}

// Required reports whether the caller must supply a value.
func (i Input) Required() bool {
	return i.Default == nil
}

// Task is one unit of work.
type Task struct {
	ID        string
	Verb      Verb
	DependsOn []string
	ForEach   *ForEach
	Output    Output
	Timeout   time.Duration
	FailFast  *bool // when set, a failure skips dependents without stopping unrelated branches
}

// Output controls how a verb's primary result is published.
type Output struct {
	Format string `yaml:"format,omitempty"` // "text" (default) or "json"
	As     string `yaml:"as,omitempty"`     // extra binding name for the committed value
}

// JSON reports whether the output should be parsed as JSON.
func (o Output) JSON() bool {
	return o.Format == "json"
}

// ForEach expands a task over a sequence of items.
type ForEach struct {
	Source      string `yaml:"source,omitempty"` // binding template yielding a sequence
	Items       []any  `yaml:"items,omitempty"`  // literal sequence
	As          string `yaml:"as,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
	FailFast    *bool  `yaml:"fail_fast,omitempty"`
}

// LoopVar is the reserved name carrying {index, total} inside an item scope.
const LoopVar = "loop"

// Var returns the loop variable name, defaulting to "item".
func (f *ForEach) Var() string {
	if f.As == "" {
		return "item"
	}
	return f.As
}

// Limit returns the worker bound, at least 1.
func (f *ForEach) Limit() int {
	if f.Concurrency < 1 {
		return 1
	}
	return f.Concurrency
}

// StopOnFailure reports the fail-fast policy, true unless disabled.
func (f *ForEach) StopOnFailure() bool {
	return f.FailFast == nil || *f.FailFast
}

// FailsFast reports whether a failure of this task should skip its dependents
// even when the workflow itself is not fail-fast.
func (t *Task) FailsFast() bool {
	return t.FailFast != nil && *t.FailFast
}

// Templates returns every template-bearing string of the task.
func (t *Task) Templates() []string {
	var out []string
	if t.Verb != nil {
		out = append(out, t.Verb.templates()...)
	}
	if t.ForEach != nil && t.ForEach.Source != "" {
		out = append(out, t.ForEach.Source)
	}
	return out
}

// References returns the binding references used by the task, excluding
// names that are bound by its own for-each scope.
func (t *Task) References() ([]binding.Ref, error) {
	var refs []binding.Ref
	for _, tpl := range t.Templates() {
		rs, err := binding.ParseRefs(tpl)
		if err != nil {
			return nil, err
		}
		for _, r := range rs {
			if t.ForEach != nil && r.Namespace == binding.NamespaceName &&
				(r.Name == t.ForEach.Var() || r.Name == LoopVar) {
				continue
			}
			refs = append(refs, r)
		}
	}
	return refs, nil
}
