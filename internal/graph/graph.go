// Package graph builds and validates the task dependency graph.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/taskflow/internal/binding"
	"github.com/vinayprograms/taskflow/internal/workflow"
)

var (
	ErrDuplicateTask       = errors.New("duplicate task")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrCircularDependency  = errors.New("circular dependency")
	ErrInvalidTask         = errors.New("invalid task")
)

// GraphError is returned by Build. Kind is one of the Err* sentinels.
type GraphError struct {
	Kind    error
	TaskIDs []string
	Msg     string
}

func (e *GraphError) Error() string {
	if len(e.TaskIDs) == 0 {
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%v [%s]: %s", e.Kind, strings.Join(e.TaskIDs, ", "), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

// Node is a task with its resolved edges.
type Node struct {
	Task       *workflow.Task
	Deps       []string // task ids this node waits on, sorted
	Dependents []string // task ids waiting on this node, sorted
}

// Graph is an immutable, validated DAG of tasks.
type Graph struct {
	Workflow *workflow.Workflow
	nodes    map[string]*Node
	order    []string
	aliases  map[string]string
}

// Build validates the workflow and derives edges from declared dependencies
// and binding references. It rejects duplicate ids, references to unknown
// tasks or inputs, and cycles.
func Build(wf *workflow.Workflow) (*Graph, error) {
	g := &Graph{
		Workflow: wf,
		nodes:    make(map[string]*Node, len(wf.Tasks)),
		aliases:  make(map[string]string),
	}

	for _, t := range wf.Tasks {
		if t == nil || t.ID == "" {
			return nil, &GraphError{Kind: ErrInvalidTask, Msg: "task without id"}
		}
		if t.Verb == nil {
			return nil, &GraphError{Kind: ErrInvalidTask, TaskIDs: []string{t.ID}, Msg: "task without verb"}
		}
		if _, dup := g.nodes[t.ID]; dup {
			return nil, &GraphError{Kind: ErrDuplicateTask, TaskIDs: []string{t.ID}, Msg: "task id declared more than once"}
		}
		g.nodes[t.ID] = &Node{Task: t}
	}
	for _, t := range wf.Tasks {
		alias := t.Output.As
		if alias == "" {
			continue
		}
		if _, clash := g.nodes[alias]; clash && alias != t.ID {
			return nil, &GraphError{Kind: ErrDuplicateTask, TaskIDs: []string{t.ID}, Msg: fmt.Sprintf("output alias %q shadows a task id", alias)}
		}
		if other, clash := g.aliases[alias]; clash {
			return nil, &GraphError{Kind: ErrDuplicateTask, TaskIDs: []string{other, t.ID}, Msg: fmt.Sprintf("output alias %q declared twice", alias)}
		}
		g.aliases[alias] = t.ID
	}

	inputs := make(map[string]bool, len(wf.Inputs))
	for _, in := range wf.Inputs {
		inputs[in.Name] = true
	}

	for _, t := range wf.Tasks {
		deps := make(map[string]bool)
		for _, d := range t.DependsOn {
			id, ok := g.resolveName(d)
			if !ok {
				return nil, &GraphError{Kind: ErrUnresolvedReference, TaskIDs: []string{t.ID}, Msg: fmt.Sprintf("depends on unknown task %q", d)}
			}
			deps[id] = true
		}

		refs, err := t.References()
		if err != nil {
			return nil, &GraphError{Kind: ErrInvalidTask, TaskIDs: []string{t.ID}, Msg: err.Error()}
		}
		for _, r := range refs {
			if r.Namespace == binding.NamespaceInput {
				if !inputs[r.Name] {
					return nil, &GraphError{Kind: ErrUnresolvedReference, TaskIDs: []string{t.ID}, Msg: fmt.Sprintf("{{ %s }} names an undeclared input", r.Expr)}
				}
				continue
			}
			id, ok := g.resolveName(r.Name)
			if !ok {
				return nil, &GraphError{Kind: ErrUnresolvedReference, TaskIDs: []string{t.ID}, Msg: fmt.Sprintf("{{ %s }} names no task", r.Expr)}
			}
			deps[id] = true
		}

		n := g.nodes[t.ID]
		for id := range deps {
			n.Deps = append(n.Deps, id)
			g.nodes[id].Dependents = append(g.nodes[id].Dependents, t.ID)
		}
	}
	for _, n := range g.nodes {
		sort.Strings(n.Deps)
		sort.Strings(n.Dependents)
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) resolveName(name string) (string, bool) {
	if _, ok := g.nodes[name]; ok {
		return name, true
	}
	id, ok := g.aliases[name]
	return id, ok
}

// sort computes a deterministic topological order (Kahn's algorithm, ties
// broken by id). Nodes left over once no node is ready form or feed a cycle.
func (g *Graph) sort() error {
	indeg := make(map[string]int, len(g.nodes))
	var ready []string
	for id, n := range g.nodes {
		indeg[id] = len(n.Deps)
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range g.nodes[id].Dependents {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	if len(order) < len(g.nodes) {
		var stuck []string
		for id, d := range indeg {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		cycle := g.cycleMembers(stuck)
		return &GraphError{Kind: ErrCircularDependency, TaskIDs: cycle, Msg: "tasks depend on each other"}
	}
	g.order = order
	return nil
}

// cycleMembers narrows the stuck set to nodes that can reach themselves,
// dropping nodes that merely sit downstream of a cycle.
func (g *Graph) cycleMembers(stuck []string) []string {
	in := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		in[id] = true
	}
	var out []string
	for _, id := range stuck {
		if g.reaches(id, id, in) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = stuck
	}
	sort.Strings(out)
	return out
}

func (g *Graph) reaches(from, target string, within map[string]bool) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.nodes[from].Dependents...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] || !within[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.nodes[id].Dependents...)
	}
	return false
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Node returns the node for a task id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Order returns task ids in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Aliases returns output alias to task id mappings.
func (g *Graph) Aliases() map[string]string {
	out := make(map[string]string, len(g.aliases))
	for k, v := range g.aliases {
		out[k] = v
	}
	return out
}

// Descendants returns every task transitively depending on id, sorted.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.nodes[id].Dependents...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.nodes[n].Dependents...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
