package workflow

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrParse is matched by every ParseError.
var ErrParse = errors.New("parse error")

// ParseError reports a workflow document that could not be decoded.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse error")
	if e.Path != "" {
		b.WriteString(" in " + e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	b.WriteString(": " + e.Msg)
	return b.String()
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// LoadFile reads and decodes a workflow document.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	wf, err := Parse(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return wf, nil
}

// Parse decodes a workflow document. Structural checks beyond decoding
// (unique ids, resolvable references, acyclicity) belong to graph.Build.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &ParseError{Msg: err.Error()}
	}
	if wf.Name == "" {
		return nil, &ParseError{Msg: "workflow name is required"}
	}
	return &wf, nil
}

type taskDoc struct {
	ID        string        `yaml:"id"`
	DependsOn []string      `yaml:"depends_on"`
	ForEach   *ForEach      `yaml:"for_each"`
	Output    Output        `yaml:"output"`
	Timeout   time.Duration `yaml:"timeout"`
	FailFast  *bool         `yaml:"fail_fast"`

	Infer  *Infer  `yaml:"infer"`
	Exec   *Exec   `yaml:"exec"`
	Fetch  *Fetch  `yaml:"fetch"`
	Invoke *Invoke `yaml:"invoke"`
	Agent  *Agent  `yaml:"agent"`
}

// UnmarshalYAML selects the verb variant from whichever verb key is present.
func (t *Task) UnmarshalYAML(node *yaml.Node) error {
	var doc taskDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}

	var verbs []Verb
	if doc.Infer != nil {
		verbs = append(verbs, doc.Infer)
	}
	if doc.Exec != nil {
		verbs = append(verbs, doc.Exec)
	}
	if doc.Fetch != nil {
		verbs = append(verbs, doc.Fetch)
	}
	if doc.Invoke != nil {
		verbs = append(verbs, doc.Invoke)
	}
	if doc.Agent != nil {
		verbs = append(verbs, doc.Agent)
	}

	switch {
	case doc.ID == "":
		return &ParseError{Line: node.Line, Msg: "task id is required"}
	case len(verbs) == 0:
		return &ParseError{Line: node.Line, Msg: fmt.Sprintf("task %q declares no verb", doc.ID)}
	case len(verbs) > 1:
		return &ParseError{Line: node.Line, Msg: fmt.Sprintf("task %q declares %d verbs, want exactly one", doc.ID, len(verbs))}
	}
	if doc.Output.Format != "" && doc.Output.Format != "text" && doc.Output.Format != "json" {
		return &ParseError{Line: node.Line, Msg: fmt.Sprintf("task %q: unknown output format %q", doc.ID, doc.Output.Format)}
	}
	if fe := doc.ForEach; fe != nil && fe.Source == "" && fe.Items == nil {
		return &ParseError{Line: node.Line, Msg: fmt.Sprintf("task %q: for_each needs source or items", doc.ID)}
	}

	*t = Task{
		ID:        doc.ID,
		Verb:      verbs[0],
		DependsOn: doc.DependsOn,
		ForEach:   doc.ForEach,
		Output:    doc.Output,
		Timeout:   doc.Timeout,
		FailFast:  doc.FailFast,
	}
	return nil
}
