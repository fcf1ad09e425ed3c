package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

func TestExecShell_CapturesOutputAndExitCode(t *testing.T) {
	sh := &ExecShell{}
	res, err := sh.ExecuteShell(context.Background(), `echo "out $GREETING"; echo err 1>&2; exit 3`, map[string]string{"GREETING": "hi"})
	if err != nil {
		t.Fatalf("ExecuteShell: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out hi" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("unexpected output: %+v", res)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestExecShell_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := (&ExecShell{}).ExecuteShell(ctx, "sleep 5", nil)
	if err == nil {
		t.Fatal("expected error for cancelled command")
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
			w.WriteHeader(http.StatusNoContent)
		case "/me":
			c, err := r.Cookie("session")
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("X-Echo", r.Header.Get("X-Req"))
			w.Write([]byte(r.Method + " " + c.Value))
		}
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := f.Fetch(ctx, FetchRequest{URL: srv.URL + "/login"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	resp, err := f.Fetch(ctx, FetchRequest{URL: srv.URL + "/me", Method: "post", Headers: map[string]string{"X-Req": "1"}, Body: "x"})
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if resp.Status != 200 || resp.Body != "POST abc" || resp.Headers["X-Echo"] != "1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestLLM_BuildsConversation(t *testing.T) {
	provider := llm.NewMockProvider()
	var got llm.ChatRequest
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		got = req
		return &llm.ChatResponse{
			Content:   "thinking",
			ToolCalls: []llm.ToolCallResponse{{ID: "1", Name: "mcp_fs_read", Args: map[string]interface{}{"path": "a"}}},
		}, nil
	}

	a := NewLLM(provider, nil)
	resp, err := a.Infer(context.Background(), InferRequest{
		System:  "be brief",
		History: []Message{{Role: "user", Content: "goal"}, {Role: "assistant", ToolCalls: []ToolCall{{ID: "0", Name: "x"}}}, {Role: "tool", ToolCallID: "0", Content: "r"}},
		Prompt:  "continue",
		Tools:   []ToolSpec{{Name: "mcp_fs_read", Description: "read"}},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(got.Messages) != 5 || got.Messages[0].Role != "system" || got.Messages[4].Content != "continue" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
	if got.Messages[3].ToolCallID != "0" || len(got.Messages[2].ToolCalls) != 1 {
		t.Errorf("tool history not carried: %+v", got.Messages)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "mcp_fs_read" {
		t.Errorf("tools = %+v", got.Tools)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Args["path"] != "a" {
		t.Errorf("response = %+v", resp)
	}
}

func TestLLM_FactoryPerModel(t *testing.T) {
	def := llm.NewMockProvider()
	def.SetResponse("default")
	created := map[string]int{}
	a := NewLLM(def, func(model string, maxTokens int) (llm.Provider, error) {
		created[model]++
		p := llm.NewMockProvider()
		p.SetResponse(model)
		return p, nil
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		r, err := a.Infer(ctx, InferRequest{Model: "small", Prompt: "x"})
		if err != nil || r.Text != "small" {
			t.Fatalf("Infer(small) = %+v, %v", r, err)
		}
	}
	r, _ := a.Infer(ctx, InferRequest{Prompt: "x"})
	if r.Text != "default" {
		t.Errorf("default provider not used: %q", r.Text)
	}
	if created["small"] != 1 {
		t.Errorf("provider not cached: created %d", created["small"])
	}
}

func TestLLM_Params(t *testing.T) {
	provider := llm.NewMockProvider()
	var got llm.ChatRequest
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		got = req
		return &llm.ChatResponse{Content: "ok"}, nil
	}

	a := NewLLM(provider, nil)
	params := map[string]any{"max_tokens": float64(256), "temperature": 0.2, "top_p": 0.9}
	if _, err := a.Infer(context.Background(), InferRequest{Prompt: "x", Params: params}); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if got.MaxTokens != 256 {
		t.Errorf("max_tokens not forwarded: %d", got.MaxTokens)
	}
	if ignored := IgnoredParams(params); fmt.Sprint(ignored) != "[temperature top_p]" {
		t.Errorf("ignored = %v", ignored)
	}
	if !a.warned["temperature"] || !a.warned["top_p"] || a.warned["max_tokens"] {
		t.Errorf("warned = %v", a.warned)
	}
}

func TestMCP_NotConnected(t *testing.T) {
	m := NewMCP()
	_, err := m.InvokeTool(context.Background(), "ghost", "read", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if len(m.Connected()) != 0 {
		t.Errorf("unexpected peers %v", m.Connected())
	}
}

func TestDecodeText(t *testing.T) {
	if v, ok := DecodeText(`{"a":1}`).(map[string]any); !ok || v["a"] != float64(1) {
		t.Errorf("object not decoded")
	}
	if v := DecodeText("[1, 2"); v != "[1, 2" {
		t.Errorf("invalid JSON should pass through, got %v", v)
	}
	if v := DecodeText("plain"); v != "plain" {
		t.Errorf("plain text changed: %v", v)
	}
}
