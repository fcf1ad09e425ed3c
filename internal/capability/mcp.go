package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/mcp"
)

// PeerConfig describes how to launch a tool peer.
type PeerConfig struct {
	Command     string
	Args        []string
	Env         map[string]string
	DeniedTools []string
}

// MCP adapts an agentkit MCP manager to ToolInvoker and tracks which peers
// are connected.
type MCP struct {
	mgr    *mcp.Manager
	logger *logging.Logger

	mu        sync.RWMutex
	connected map[string]bool
}

// NewMCP creates an adapter with no peers.
func NewMCP() *MCP {
	return &MCP{
		mgr:       mcp.NewManager(),
		logger:    logging.New().WithComponent("mcp"),
		connected: make(map[string]bool),
	}
}

// Connect starts and registers a peer.
func (m *MCP) Connect(ctx context.Context, name string, cfg PeerConfig) error {
	err := m.mgr.Connect(ctx, name, mcp.ServerConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("failed to connect tool peer %q: %w", name, err)
	}
	if len(cfg.DeniedTools) > 0 {
		m.mgr.SetDeniedTools(name, cfg.DeniedTools)
	}
	m.mu.Lock()
	m.connected[name] = true
	m.mu.Unlock()
	m.logger.Info("tool peer connected", map[string]interface{}{"peer": name, "denied": len(cfg.DeniedTools)})
	return nil
}

// Connected lists connected peer names, sorted.
func (m *MCP) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connected))
	for name := range m.connected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *MCP) isConnected(peer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected[peer]
}

// InvokeTool calls a tool. Text content is concatenated; when the text is a
// JSON document the decoded value is returned instead.
func (m *MCP) InvokeTool(ctx context.Context, peer, tool string, params map[string]any) (any, error) {
	if !m.isConnected(peer) {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	result, err := m.mgr.CallTool(ctx, peer, tool, params)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			out.WriteString(c.Text)
		}
	}
	return DecodeText(out.String()), nil
}

// Tools lists every tool on every connected peer.
func (m *MCP) Tools() []Tool {
	var out []Tool
	for _, t := range m.mgr.AllTools() {
		out = append(out, Tool{
			Peer:        t.Server,
			Name:        t.Tool.Name,
			Description: t.Tool.Description,
			InputSchema: t.Tool.InputSchema,
		})
	}
	return out
}

// Close shuts down every peer.
func (m *MCP) Close() {
	m.mu.Lock()
	m.connected = make(map[string]bool)
	m.mu.Unlock()
	m.mgr.Close()
}

// DecodeText returns the decoded JSON value of s when s is a JSON object or
// array, otherwise s unchanged.
func DecodeText(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}
