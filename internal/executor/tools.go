// Tool execution functions for the agent loop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/taskflow/internal/binding"
	"github.com/vinayprograms/taskflow/internal/capability"
	"github.com/vinayprograms/taskflow/internal/checkpoint"
	"github.com/vinayprograms/taskflow/internal/resilience"
)

// concurrencyLimit returns the maximum number of concurrent tool executions
// within one agent turn. Tool calls are I/O bound, so CPUs are oversubscribed.
var concurrencyLimit = func() int {
	limit := runtime.NumCPU() * 4
	if limit < 4 {
		limit = 4
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}()

// toolName is the name a peer tool is offered to the model under.
func toolName(peer, tool string) string {
	return "mcp_" + peer + "_" + tool
}

// allowed reports whether peer.tool matches an allow-list entry:
// "peer.tool", "peer.*" or "*".
func allowed(allowList []string, peer, tool string) bool {
	for _, a := range allowList {
		switch {
		case a == "*":
			return true
		case a == peer+".*":
			return true
		case a == peer+"."+tool:
			return true
		}
	}
	return false
}

// toolSet is the tools an agent may call, keyed by offered name.
type toolSet struct {
	byName map[string]capability.Tool
	specs  []capability.ToolSpec
}

func newToolSet(invoker capability.ToolInvoker, allowList []string) *toolSet {
	ts := &toolSet{byName: make(map[string]capability.Tool)}
	if invoker == nil || len(allowList) == 0 {
		return ts
	}
	for _, t := range invoker.Tools() {
		if !allowed(allowList, t.Peer, t.Name) {
			continue
		}
		name := toolName(t.Peer, t.Name)
		ts.byName[name] = t
		ts.specs = append(ts.specs, capability.ToolSpec{
			Name:        name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	sort.Slice(ts.specs, func(i, j int) bool { return ts.specs[i].Name < ts.specs[j].Name })
	return ts
}

// toolResult is the outcome of one tool call in a turn.
type toolResult struct {
	call    capability.ToolCall
	content string
	err     error // set when the loop cannot continue
	record  AgentTurnRecord
}

// executeToolsParallel runs the tool calls of one turn concurrently and
// returns results in the model's call order.
func (l *agentLoop) executeToolsParallel(ctx context.Context, calls []capability.ToolCall) []toolResult {
	results := make([]toolResult, len(calls))
	if len(calls) == 1 {
		results[0] = l.executeTool(ctx, calls[0])
		return results
	}

	sem := make(chan struct{}, concurrencyLimit)
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = l.executeTool(ctx, tc)
		}()
	}
	wg.Wait()
	return results
}

// executeTool calls one tool. Errors the model can act on become the tool
// response; errors that make further turns pointless are returned in err.
func (l *agentLoop) executeTool(ctx context.Context, tc capability.ToolCall) toolResult {
	res := toolResult{
		call: tc,
		record: AgentTurnRecord{
			Turn:   l.turn,
			Action: checkpoint.ActionToolCall,
			Tool:   tc.Name,
			Params: tc.Args,
		},
	}

	t, ok := l.tools.byName[tc.Name]
	if !ok {
		res.content = fmt.Sprintf("Error: tool %q is not available", tc.Name)
		res.record.Error = res.content
		return res
	}
	res.record.Tool = t.Peer + "." + t.Name

	out, err := l.r.callTool(ctx, l.task.ID, l.item, l.turn+1, t.Peer, t.Name, tc.Args)
	if err != nil {
		res.record.Error = err.Error()
		if unrecoverable(err) {
			res.err = err
		}
		res.content = fmt.Sprintf("Error: %v", err)
		return res
	}
	res.content = binding.Stringify(out)
	res.record.Response = l.r.e.content(res.content)
	return res
}

// unrecoverable reports errors after which the agent cannot make progress:
// resilience rejections, exhausted retries, lost peers and cancellation.
func unrecoverable(err error) bool {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrRateLimited),
		errors.Is(err, resilience.ErrCancelled),
		errors.Is(err, resilience.ErrTimeout),
		errors.Is(err, capability.ErrNotConnected):
		return true
	}
	return resilience.IsTransient(err)
}

// describe lists offered tool names for logs.
func (ts *toolSet) describe() string {
	names := make([]string, len(ts.specs))
	for i, s := range ts.specs {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}
