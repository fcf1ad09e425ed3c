// Package binding stores committed task outputs for a run and resolves
// {{ ... }} template markers against them.
package binding

import (
	"fmt"
	"regexp"
	"strings"
)

// Namespace distinguishes the three reference forms.
type Namespace string

const (
	NamespaceTask  Namespace = "use"   // {{ use.<task>.<path> }}
	NamespaceInput Namespace = "input" // {{ input.<name>.<path> }}
	NamespaceName  Namespace = ""      // {{ <name>.<path> }}: loop variable, else task id or alias
)

var (
	markerRe  = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
	segmentRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Ref is one parsed reference.
type Ref struct {
	Expr      string
	Namespace Namespace
	Name      string
	Path      string // dotted path into the value, empty for the whole value
}

// ParseExpr parses the text between {{ and }}.
func ParseExpr(expr string) (Ref, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Ref{}, fmt.Errorf("empty binding expression")
	}
	parts := strings.Split(expr, ".")
	for _, p := range parts {
		if !segmentRe.MatchString(p) {
			return Ref{}, fmt.Errorf("invalid binding expression %q", expr)
		}
	}

	ref := Ref{Expr: expr}
	switch parts[0] {
	case string(NamespaceTask), string(NamespaceInput):
		if len(parts) < 2 {
			return Ref{}, fmt.Errorf("binding expression %q needs a name", expr)
		}
		ref.Namespace = Namespace(parts[0])
		parts = parts[1:]
	default:
		ref.Namespace = NamespaceName
	}
	ref.Name = parts[0]
	ref.Path = strings.Join(parts[1:], ".")
	return ref, nil
}

// ParseRefs returns every reference in a template, in order of appearance.
func ParseRefs(template string) ([]Ref, error) {
	var refs []Ref
	for _, m := range markerRe.FindAllStringSubmatch(template, -1) {
		ref, err := ParseExpr(m[1])
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
