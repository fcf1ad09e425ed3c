package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/vinayprograms/taskflow/internal/workflow"
)

func execTask(id, cmd string, deps ...string) *workflow.Task {
	return &workflow.Task{ID: id, Verb: &workflow.Exec{Command: cmd}, DependsOn: deps}
}

func TestBuild_OrderAndEdges(t *testing.T) {
	wf := &workflow.Workflow{
		Name:   "t",
		Inputs: []workflow.Input{{Name: "dir"}},
		Tasks: []*workflow.Task{
			execTask("report", "echo {{ use.count.stdout }} {{ listing }}"),
			execTask("count", "wc -l {{ use.list.stdout }}"),
			{ID: "list", Verb: &workflow.Exec{Command: "ls {{ input.dir }}"}, Output: workflow.Output{As: "listing"}},
			execTask("independent", "date"),
		},
	}
	g, err := Build(wf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{"independent", "list", "count", "report"}
	if got := g.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}
	if got := g.Node("report").Deps; !reflect.DeepEqual(got, []string{"count", "list"}) {
		t.Errorf("report deps = %v", got)
	}
	if got := g.Descendants("list"); !reflect.DeepEqual(got, []string{"count", "report"}) {
		t.Errorf("Descendants(list) = %v", got)
	}
	if g.Aliases()["listing"] != "list" {
		t.Errorf("alias not recorded")
	}
}

func TestBuild_CircularDependency(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "t",
		Tasks: []*workflow.Task{
			execTask("a", "x", "b"),
			execTask("b", "y", "a"),
			execTask("c", "z", "a"),
			execTask("d", "free"),
		},
	}
	_, err := Build(wf)
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
	var ge *GraphError
	errors.As(err, &ge)
	if !reflect.DeepEqual(ge.TaskIDs, []string{"a", "b"}) {
		t.Errorf("cycle members = %v, want [a b]", ge.TaskIDs)
	}
}

func TestBuild_CycleThroughBinding(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "t",
		Tasks: []*workflow.Task{
			execTask("a", "echo {{ use.b }}"),
			execTask("b", "echo {{ use.a }}"),
		},
	}
	if _, err := Build(wf); !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
}

func TestBuild_SelfReference(t *testing.T) {
	wf := &workflow.Workflow{Name: "t", Tasks: []*workflow.Task{execTask("a", "echo {{ a }}")}}
	if _, err := Build(wf); !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
}

func TestBuild_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*workflow.Task
		want  error
	}{
		{"duplicate", []*workflow.Task{execTask("a", "x"), execTask("a", "y")}, ErrDuplicateTask},
		{"removed producer", []*workflow.Task{execTask("b", "echo {{ use.a.field }}")}, ErrUnresolvedReference},
		{"unknown depends_on", []*workflow.Task{execTask("b", "x", "ghost")}, ErrUnresolvedReference},
		{"undeclared input", []*workflow.Task{execTask("b", "echo {{ input.nope }}")}, ErrUnresolvedReference},
		{"bad expression", []*workflow.Task{execTask("b", "echo {{ a|b }}")}, ErrInvalidTask},
		{"no verb", []*workflow.Task{{ID: "a"}}, ErrInvalidTask},
		{"alias clash", []*workflow.Task{
			{ID: "a", Verb: &workflow.Exec{Command: "x"}, Output: workflow.Output{As: "b"}},
			execTask("b", "y"),
		}, ErrDuplicateTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(&workflow.Workflow{Name: "t", Tasks: tt.tasks})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuild_ForEachScopeIsNotADependency(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "t",
		Tasks: []*workflow.Task{
			execTask("src", "ls"),
			{
				ID:      "each",
				Verb:    &workflow.Exec{Command: "cat {{ f }} #{{ loop.index }}"},
				ForEach: &workflow.ForEach{Source: "{{ use.src.stdout }}", As: "f"},
			},
		},
	}
	g, err := Build(wf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := g.Node("each").Deps; !reflect.DeepEqual(got, []string{"src"}) {
		t.Errorf("each deps = %v", got)
	}
}
