// Package capability declares the outbound interfaces the engine calls and
// provides the concrete adapters used by the CLI.
package capability

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when a tool peer has no live connection.
var ErrNotConnected = errors.New("tool peer not connected")

// Message is one entry of a model conversation.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// InferRequest is a model call. Prompt, when set, is sent as the final user
// message after History.
type InferRequest struct {
	Model   string
	System  string
	Prompt  string
	History []Message
	Tools   []ToolSpec
	Params  map[string]any
}

// InferResponse carries either text or tool calls.
type InferResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// Inferrer calls a language model.
type Inferrer interface {
	Infer(ctx context.Context, req InferRequest) (*InferResponse, error)
}

// ShellResult is the captured outcome of a command.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell runs commands. A non-zero exit is reported in the result, not as an error.
type Shell interface {
	ExecuteShell(ctx context.Context, command string, env map[string]string) (*ShellResult, error)
}

// FetchRequest is an HTTP request.
type FetchRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// FetchResponse is an HTTP response. Non-2xx statuses are not errors.
type FetchResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

// Fetcher performs HTTP requests.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// Tool is a tool exposed by a peer.
type Tool struct {
	Peer        string
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolInvoker calls tools on tool-invocation peers.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, peer, tool string, params map[string]any) (any, error)
	Tools() []Tool
}

// Set bundles the capabilities available to a run. Nil members make the
// corresponding verbs fail.
type Set struct {
	Inferrer Inferrer
	Shell    Shell
	Fetcher  Fetcher
	Tools    ToolInvoker
}
