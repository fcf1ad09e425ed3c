package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vinayprograms/taskflow/internal/binding"
	"github.com/vinayprograms/taskflow/internal/capability"
	"github.com/vinayprograms/taskflow/internal/resilience"
	"github.com/vinayprograms/taskflow/internal/trace"
	"github.com/vinayprograms/taskflow/internal/workflow"
)

// Resource keys used for resilience policies and state.
const (
	ResourceShell = "shell"
	resourceLLM   = "llm:"
	resourceHTTP  = "http:"
	resourceMCP   = "mcp:"
)

// LLMResource returns the resource key of a model.
func LLMResource(model string) string {
	if model == "" {
		model = "default"
	}
	return resourceLLM + model
}

// MCPResource returns the resource key of a tool peer.
func MCPResource(peer string) string {
	return resourceMCP + peer
}

// HTTPResource returns the resource key of a URL's host.
func HTTPResource(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return resourceHTTP + "unknown"
	}
	return resourceHTTP + u.Host
}

// execute runs one task body. res is the run's bindings, or an item scope
// layered over them. Failures are returned, never panicked.
func (r *run) execute(ctx context.Context, t *workflow.Task, res binding.Resolver, item *int) (any, []AgentTurnRecord, error) {
	var (
		v   any
		err error
	)
	switch verb := t.Verb.(type) {
	case *workflow.Infer:
		v, err = r.infer(ctx, t, verb, res, item)
	case *workflow.Exec:
		v, err = r.exec(ctx, t, verb, res)
	case *workflow.Fetch:
		v, err = r.fetch(ctx, t, verb, res)
	case *workflow.Invoke:
		v, err = r.invoke(ctx, t, verb, res, item)
	case *workflow.Agent:
		return r.agent(ctx, t, verb, res, item)
	default:
		err = fmt.Errorf("unsupported verb %T", t.Verb)
	}
	return v, nil, err
}

func (r *run) infer(ctx context.Context, t *workflow.Task, v *workflow.Infer, res binding.Resolver, item *int) (any, error) {
	inferrer := r.e.caps.Inferrer
	if inferrer == nil {
		return nil, fmt.Errorf("%w: inference", ErrNoCapability)
	}
	prompt, err := res.ResolveString(v.Prompt)
	if err != nil {
		return nil, err
	}
	system, err := res.ResolveString(v.System)
	if err != nil {
		return nil, err
	}
	params, err := resolveParams(res, v.Params)
	if err != nil {
		return nil, err
	}

	key := LLMResource(v.Model)
	r.emit(trace.Event{Kind: trace.InferStarted, Task: t.ID, Item: item, Model: v.Model, Resource: key, Content: r.e.content(prompt)})
	start := time.Now()
	resp, err := resilience.Call(ctx, r.e.resilience, key, func(ctx context.Context) (*capability.InferResponse, error) {
		return inferrer.Infer(ctx, capability.InferRequest{
			Model:  v.Model,
			System: system,
			Prompt: prompt,
			Params: params,
		})
	})
	done := trace.Event{Kind: trace.InferCompleted, Task: t.ID, Item: item, Model: v.Model, Resource: key, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		done.Success = trace.Bool(false)
		done.Error = err.Error()
		r.emit(done)
		return nil, err
	}
	done.Success = trace.Bool(true)
	done.Content = r.e.content(resp.Text)
	r.emit(done)
	return shapeOutput(t, resp.Text)
}

func (r *run) exec(ctx context.Context, t *workflow.Task, v *workflow.Exec, res binding.Resolver) (any, error) {
	shell := r.e.caps.Shell
	if shell == nil {
		return nil, fmt.Errorf("%w: shell", ErrNoCapability)
	}
	command, err := res.ResolveString(v.Command)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(v.Env))
	for k, tpl := range v.Env {
		if env[k], err = res.ResolveString(tpl); err != nil {
			return nil, err
		}
	}

	out, err := resilience.Call(ctx, r.e.resilience, ResourceShell, func(ctx context.Context) (*capability.ShellResult, error) {
		return shell.ExecuteShell(ctx, command, env)
	})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 && !v.TolerateExit {
		return nil, fmt.Errorf("command exited with status %d: %s", out.ExitCode, truncateForLog(strings.TrimSpace(out.Stderr), 500))
	}

	var stdout any = out.Stdout
	if t.Output.JSON() {
		if stdout, err = parseJSONOutput(out.Stdout); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"stdout":    stdout,
		"stderr":    out.Stderr,
		"exit_code": out.ExitCode,
	}, nil
}

func (r *run) fetch(ctx context.Context, t *workflow.Task, v *workflow.Fetch, res binding.Resolver) (any, error) {
	fetcher := r.e.caps.Fetcher
	if fetcher == nil {
		return nil, fmt.Errorf("%w: http", ErrNoCapability)
	}
	req := capability.FetchRequest{Headers: make(map[string]string, len(v.Headers))}
	var err error
	if req.URL, err = res.ResolveString(v.URL); err != nil {
		return nil, err
	}
	if req.Method, err = res.ResolveString(v.Method); err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Body, err = res.ResolveString(v.Body); err != nil {
		return nil, err
	}
	for k, tpl := range v.Headers {
		if req.Headers[k], err = res.ResolveString(tpl); err != nil {
			return nil, err
		}
	}

	resp, err := resilience.Call(ctx, r.e.resilience, HTTPResource(req.URL), func(ctx context.Context) (*capability.FetchResponse, error) {
		resp, err := fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if !v.TolerateStatus && (resp.Status >= 500 || resp.Status == 429) {
			return nil, resilience.Transient(fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.Status))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if (resp.Status < 200 || resp.Status > 299) && !v.TolerateStatus {
		return nil, fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.Status)
	}

	var body any = resp.Body
	if t.Output.JSON() {
		if body, err = parseJSONOutput(resp.Body); err != nil {
			return nil, err
		}
	}
	headers := make(map[string]any, len(resp.Headers))
	for k, h := range resp.Headers {
		headers[k] = h
	}
	return map[string]any{
		"status":  resp.Status,
		"headers": headers,
		"body":    body,
	}, nil
}

func (r *run) invoke(ctx context.Context, t *workflow.Task, v *workflow.Invoke, res binding.Resolver, item *int) (any, error) {
	peer, err := res.ResolveString(v.Peer)
	if err != nil {
		return nil, err
	}
	tool, err := res.ResolveString(v.Tool)
	if err != nil {
		return nil, err
	}
	params, err := resolveParams(res, v.Params)
	if err != nil {
		return nil, err
	}
	out, err := r.callTool(ctx, t.ID, item, 0, peer, tool, params)
	if err != nil {
		return nil, err
	}
	if s, ok := out.(string); ok {
		return shapeOutput(t, s)
	}
	return out, nil
}

// callTool invokes a peer tool through the resilience layer and reports it.
func (r *run) callTool(ctx context.Context, taskID string, item *int, turn int, peer, tool string, params map[string]any) (any, error) {
	name := peer + "." + tool
	r.emit(trace.Event{Kind: trace.ToolCalled, Task: taskID, Item: item, Turn: turn, Tool: name, Resource: MCPResource(peer), Args: params})

	invoker := r.e.caps.Tools
	start := time.Now()
	var (
		out any
		err error
	)
	if invoker == nil {
		err = fmt.Errorf("%w: %s", capability.ErrNotConnected, peer)
	} else {
		out, err = resilience.Call(ctx, r.e.resilience, MCPResource(peer), func(ctx context.Context) (any, error) {
			out, err := invoker.InvokeTool(ctx, peer, tool, params)
			if err != nil && errors.Is(err, capability.ErrNotConnected) {
				return nil, resilience.Terminal(err)
			}
			return out, err
		})
	}

	done := trace.Event{Kind: trace.ToolResponded, Task: taskID, Item: item, Turn: turn, Tool: name, Resource: MCPResource(peer), DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		done.Success = trace.Bool(false)
		done.Error = err.Error()
	} else {
		done.Success = trace.Bool(true)
		done.Content = r.e.content(binding.Stringify(out))
	}
	r.emit(done)
	if r.e.OnToolCall != nil {
		r.e.OnToolCall(taskID, name, params, out, err)
	}
	return out, err
}

// resolveParams resolves every template inside a parameter tree.
func resolveParams(res binding.Resolver, params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	v, err := res.ResolveValue(params)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

// shapeOutput publishes text as is, or parsed when the task asks for JSON.
func shapeOutput(t *workflow.Task, text string) (any, error) {
	if !t.Output.JSON() {
		return text, nil
	}
	return parseJSONOutput(text)
}

func parseJSONOutput(text string) (any, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, resilience.Terminal(fmt.Errorf("output is not JSON: %s", truncateForLog(text, 200)))
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, resilience.Terminal(fmt.Errorf("output is not JSON: %w", err))
	}
	return v, nil
}
