package workflow

import "sort"

// VerbKind names a verb variant.
type VerbKind string

const (
	KindInfer  VerbKind = "infer"
	KindExec   VerbKind = "exec"
	KindFetch  VerbKind = "fetch"
	KindInvoke VerbKind = "invoke"
	KindAgent  VerbKind = "agent"
)

// Verb is the closed set of task kinds: *Infer, *Exec, *Fetch, *Invoke, *Agent.
type Verb interface {
	Kind() VerbKind
	templates() []string
}

// Infer asks a language model for a completion.
type Infer struct {
	Prompt string         `yaml:"prompt"`
	Model  string         `yaml:"model,omitempty"`
	System string         `yaml:"system,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Exec runs a shell command.
type Exec struct {
	Command      string            `yaml:"command"`
	Env          map[string]string `yaml:"env,omitempty"`
	TolerateExit bool              `yaml:"tolerate_exit,omitempty"`
}

// Fetch performs an HTTP request.
type Fetch struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Body           string            `yaml:"body,omitempty"`
	TolerateStatus bool              `yaml:"tolerate_status,omitempty"`
}

// Invoke calls one tool on a tool-invocation peer.
type Invoke struct {
	Peer   string         `yaml:"peer"`
	Tool   string         `yaml:"tool"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Agent runs a bounded model-directed tool loop toward a goal.
type Agent struct {
	Goal     string   `yaml:"goal"`
	Model    string   `yaml:"model,omitempty"`
	System   string   `yaml:"system,omitempty"`
	MaxTurns int      `yaml:"max_turns,omitempty"`
	Tools    []string `yaml:"tools,omitempty"` // "peer.tool", "peer.*" or "*"
}

// DefaultMaxTurns bounds an agent that does not declare max_turns.
const DefaultMaxTurns = 10

func (*Infer) Kind() VerbKind  { return KindInfer }
func (*Exec) Kind() VerbKind   { return KindExec }
func (*Fetch) Kind() VerbKind  { return KindFetch }
func (*Invoke) Kind() VerbKind { return KindInvoke }
func (*Agent) Kind() VerbKind  { return KindAgent }

func (v *Infer) templates() []string {
	return append([]string{v.Prompt, v.System}, valueStrings(v.Params)...)
}

func (v *Exec) templates() []string {
	return append([]string{v.Command}, mapStrings(v.Env)...)
}

func (v *Fetch) templates() []string {
	out := []string{v.URL, v.Method, v.Body}
	return append(out, mapStrings(v.Headers)...)
}

func (v *Invoke) templates() []string {
	return append([]string{v.Peer, v.Tool}, valueStrings(v.Params)...)
}

func (v *Agent) templates() []string {
	return []string{v.Goal, v.System}
}

// Turns returns the turn bound.
func (v *Agent) Turns() int {
	if v.MaxTurns < 1 {
		return DefaultMaxTurns
	}
	return v.MaxTurns
}

func mapStrings(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// valueStrings collects every string leaf of a decoded parameter tree.
func valueStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, valueStrings(t[k])...)
		}
		return out
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, valueStrings(e)...)
		}
		return out
	}
	return nil
}
