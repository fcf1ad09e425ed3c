package binding

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

var (
	// ErrMissingBinding is matched by every MissingBindingError.
	ErrMissingBinding = errors.New("missing binding")
	// ErrAlreadyCommitted is returned when a task commits twice.
	ErrAlreadyCommitted = errors.New("binding already committed")
)

// MissingBindingError names the expression that could not be resolved.
type MissingBindingError struct {
	Expr   string
	Reason string
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("missing binding {{ %s }}: %s", e.Expr, e.Reason)
}

func (e *MissingBindingError) Is(target error) bool { return target == ErrMissingBinding }

// Resolver resolves templates against committed values.
type Resolver interface {
	Resolve(template string) (any, error)
	ResolveString(template string) (string, error)
	ResolveValue(v any) (any, error)
}

// Context is the run-scoped store of committed task outputs.
// Each task commits at most once; reads may happen concurrently.
type Context struct {
	mu      sync.RWMutex
	values  map[string]any
	aliases map[string]string
	inputs  map[string]any
}

// New creates a context with the run inputs.
func New(inputs map[string]any) *Context {
	in := make(map[string]any, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	return &Context{
		values:  make(map[string]any),
		aliases: make(map[string]string),
		inputs:  in,
	}
}

// Alias makes a task's value reachable under another name.
func (c *Context) Alias(alias, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[alias] = taskID
}

// Commit publishes a task's value. A second commit for the same task fails.
func (c *Context) Commit(taskID string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, taskID)
	}
	c.values[taskID] = value
	return nil
}

// Committed reports whether the task has published a value.
func (c *Context) Committed(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[taskID]
	return ok
}

// Value returns a task's committed value by id or alias.
func (c *Context) Value(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[name]; ok {
		return v, true
	}
	if id, ok := c.aliases[name]; ok {
		v, ok := c.values[id]
		return v, ok
	}
	return nil, false
}

// Snapshot copies the committed values keyed by task id.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c *Context) lookup(ref Ref) (any, error) {
	var (
		v  any
		ok bool
	)
	switch ref.Namespace {
	case NamespaceInput:
		c.mu.RLock()
		v, ok = c.inputs[ref.Name]
		c.mu.RUnlock()
		if !ok {
			return nil, &MissingBindingError{Expr: ref.Expr, Reason: "no such input"}
		}
	default:
		v, ok = c.Value(ref.Name)
		if !ok {
			return nil, &MissingBindingError{Expr: ref.Expr, Reason: "task has not committed"}
		}
	}
	return walk(v, ref)
}

func (c *Context) Resolve(template string) (any, error) {
	return resolve(template, c.lookup)
}

func (c *Context) ResolveString(template string) (string, error) {
	v, err := resolve(template, c.lookup)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

func (c *Context) ResolveValue(v any) (any, error) {
	return resolveTree(v, c.lookup)
}

// Scope layers private variables over a Context. It is never shared
// between for-each items.
type Scope struct {
	parent *Context
	vars   map[string]any
}

// NewScope creates an item scope.
func (c *Context) NewScope(vars map[string]any) *Scope {
	return &Scope{parent: c, vars: vars}
}

func (s *Scope) lookup(ref Ref) (any, error) {
	if ref.Namespace == NamespaceName {
		if v, ok := s.vars[ref.Name]; ok {
			return walk(v, ref)
		}
	}
	return s.parent.lookup(ref)
}

func (s *Scope) Resolve(template string) (any, error) {
	return resolve(template, s.lookup)
}

func (s *Scope) ResolveString(template string) (string, error) {
	v, err := resolve(template, s.lookup)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

func (s *Scope) ResolveValue(v any) (any, error) {
	return resolveTree(v, s.lookup)
}

// resolve substitutes markers. A template that is exactly one marker yields
// the referenced value unchanged; otherwise values are spliced as text.
func resolve(template string, lookup func(Ref) (any, error)) (any, error) {
	locs := markerRe.FindAllStringSubmatchIndex(template, -1)
	if len(locs) == 0 {
		return template, nil
	}
	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(template) {
		ref, err := ParseExpr(template[locs[0][2]:locs[0][3]])
		if err != nil {
			return nil, err
		}
		return lookup(ref)
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(template[last:loc[0]])
		ref, err := ParseExpr(template[loc[2]:loc[3]])
		if err != nil {
			return nil, err
		}
		v, err := lookup(ref)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(v))
		last = loc[1]
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

func resolveTree(v any, lookup func(Ref) (any, error)) (any, error) {
	switch t := v.(type) {
	case string:
		return resolve(t, lookup)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := resolveTree(e, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := resolveTree(e, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// walk follows ref.Path into v. Strings holding JSON documents are navigable.
func walk(v any, ref Ref) (any, error) {
	if ref.Path == "" {
		return v, nil
	}
	var res gjson.Result
	if s, ok := v.(string); ok && gjson.Valid(s) {
		res = gjson.Get(s, ref.Path)
	} else {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &MissingBindingError{Expr: ref.Expr, Reason: "value is not navigable"}
		}
		res = gjson.GetBytes(data, ref.Path)
	}
	if !res.Exists() {
		return nil, &MissingBindingError{Expr: ref.Expr, Reason: fmt.Sprintf("no field %q", ref.Path)}
	}
	return res.Value(), nil
}

// Stringify renders a value for splicing into text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
