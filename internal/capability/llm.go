package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
)

// supportedParams are the infer params the provider interface can carry.
var supportedParams = map[string]bool{"max_tokens": true}

// ProviderFactory creates a provider bound to a model. maxTokens is 0 when
// the request does not set it.
type ProviderFactory func(model string, maxTokens int) (llm.Provider, error)

// LLM adapts agentkit providers to Inferrer. Requests naming a model or a
// max_tokens param get a provider from the factory, cached per combination.
type LLM struct {
	def     llm.Provider
	factory ProviderFactory
	logger  *logging.Logger

	mu     sync.Mutex
	cached map[string]llm.Provider
	warned map[string]bool
}

// NewLLM creates the adapter. factory may be nil, in which case every
// request uses def.
func NewLLM(def llm.Provider, factory ProviderFactory) *LLM {
	return &LLM{
		def:     def,
		factory: factory,
		logger:  logging.New().WithComponent("llm"),
		cached:  make(map[string]llm.Provider),
		warned:  make(map[string]bool),
	}
}

func (a *LLM) provider(model string, maxTokens int) (llm.Provider, error) {
	if (model == "" && maxTokens == 0) || a.factory == nil {
		if a.def == nil {
			return nil, fmt.Errorf("no LLM provider configured")
		}
		return a.def, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := fmt.Sprintf("%s|%d", model, maxTokens)
	if p, ok := a.cached[key]; ok {
		return p, nil
	}
	p, err := a.factory(model, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider for %s: %w", model, err)
	}
	a.cached[key] = p
	return p, nil
}

// Infer sends one chat request. max_tokens is forwarded; other params have
// no place in the provider request and are reported once per key.
func (a *LLM) Infer(ctx context.Context, req InferRequest) (*InferResponse, error) {
	a.warnIgnored(req.Params)
	maxTokens, _ := intParam(req.Params, "max_tokens")
	p, err := a.provider(req.Model, maxTokens)
	if err != nil {
		return nil, err
	}

	var messages []llm.Message
	if req.System != "" {
		messages = append(messages, llm.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		messages = append(messages, toLLMMessage(m))
	}
	if req.Prompt != "" {
		messages = append(messages, llm.Message{Role: "user", Content: req.Prompt})
	}

	chat := llm.ChatRequest{Messages: messages, MaxTokens: maxTokens}
	for _, t := range req.Tools {
		chat.Tools = append(chat.Tools, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	resp, err := p.Chat(ctx, chat)
	if err != nil {
		return nil, err
	}
	out := &InferResponse{Text: resp.Content}
	for _, tc := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return out, nil
}

// warnIgnored logs params the provider cannot honour, once per key.
func (a *LLM) warnIgnored(params map[string]any) {
	keys := IgnoredParams(params)
	if len(keys) == 0 {
		return
	}
	a.mu.Lock()
	var fresh []string
	for _, k := range keys {
		if !a.warned[k] {
			a.warned[k] = true
			fresh = append(fresh, k)
		}
	}
	a.mu.Unlock()
	if len(fresh) > 0 {
		a.logger.Warn("infer params not supported by provider, ignoring", map[string]interface{}{"params": fresh})
	}
}

// IgnoredParams returns the sorted param keys Infer does not forward.
func IgnoredParams(params map[string]any) []string {
	var keys []string
	for k := range params {
		if !supportedParams[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func toLLMMessage(m Message) llm.Message {
	msg := llm.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCallResponse{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return msg
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
