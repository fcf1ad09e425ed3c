package binding

import (
	"errors"
	"sync"
	"testing"
)

func TestParseExpr(t *testing.T) {
	tests := []struct {
		expr string
		want Ref
	}{
		{"use.scan", Ref{Expr: "use.scan", Namespace: NamespaceTask, Name: "scan"}},
		{"use.scan.items.0.name", Ref{Expr: "use.scan.items.0.name", Namespace: NamespaceTask, Name: "scan", Path: "items.0.name"}},
		{"input.repo", Ref{Expr: "input.repo", Namespace: NamespaceInput, Name: "repo"}},
		{"item.path", Ref{Expr: "item.path", Namespace: NamespaceName, Name: "item", Path: "path"}},
		{"  spaced-id ", Ref{Expr: "spaced-id", Namespace: NamespaceName, Name: "spaced-id"}},
	}
	for _, tt := range tests {
		got, err := ParseExpr(tt.expr)
		if err != nil {
			t.Errorf("ParseExpr(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseExpr(%q) = %+v, want %+v", tt.expr, got, tt.want)
		}
	}

	for _, bad := range []string{"", "use", "a..b", "a.*", "x|y"} {
		if _, err := ParseExpr(bad); err == nil {
			t.Errorf("ParseExpr(%q): expected error", bad)
		}
	}
}

func TestParseRefs(t *testing.T) {
	refs, err := ParseRefs("cat {{use.a.out}} | grep {{ input.pat }} && echo $HOME")
	if err != nil {
		t.Fatalf("ParseRefs: %v", err)
	}
	if len(refs) != 2 || refs[0].Name != "a" || refs[1].Namespace != NamespaceInput {
		t.Errorf("unexpected refs %+v", refs)
	}
}

func TestContext_CommitOnce(t *testing.T) {
	c := New(nil)
	if err := c.Commit("a", "one"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := c.Commit("a", "two"); !errors.Is(err, ErrAlreadyCommitted) {
		t.Errorf("expected ErrAlreadyCommitted, got %v", err)
	}
	if v, _ := c.Value("a"); v != "one" {
		t.Errorf("value changed after second commit: %v", v)
	}
}

func TestContext_Resolve(t *testing.T) {
	c := New(map[string]any{"repo": "/src"})
	c.Commit("scan", map[string]any{"stdout": "a.go\nb.go", "exit_code": 0})
	c.Commit("plan", `{"files":["a.go","b.go"],"count":2}`)
	c.Alias("p", "plan")

	tests := []struct {
		tpl  string
		want any
	}{
		{"plain text", "plain text"},
		{"{{ input.repo }}", "/src"},
		{"ls {{input.repo}}/x", "ls /src/x"},
		{"{{ use.scan.stdout }}", "a.go\nb.go"},
		{"{{ plan.count }}", float64(2)},
		{"n={{ p.count }}", "n=2"},
		{"first {{ use.plan.files.0 }}", "first a.go"},
		{"{{use.plan.files}}", []any{"a.go", "b.go"}},
		{"echo $HOME", "echo $HOME"},
	}
	for _, tt := range tests {
		got, err := c.Resolve(tt.tpl)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.tpl, err)
			continue
		}
		if Stringify(got) != Stringify(tt.want) {
			t.Errorf("Resolve(%q) = %#v, want %#v", tt.tpl, got, tt.want)
		}
	}
}

func TestContext_MissingBinding(t *testing.T) {
	c := New(nil)
	c.Commit("a", map[string]any{"x": 1})

	for _, tpl := range []string{"{{ use.b }}", "{{ input.nope }}", "{{ use.a.y }}", "{{ a.x.z }}"} {
		_, err := c.Resolve(tpl)
		var mb *MissingBindingError
		if !errors.As(err, &mb) {
			t.Errorf("Resolve(%q): expected MissingBindingError, got %v", tpl, err)
			continue
		}
		if !errors.Is(err, ErrMissingBinding) {
			t.Errorf("Resolve(%q): error does not match ErrMissingBinding", tpl)
		}
	}
}

func TestScope_ShadowsAndFallsBack(t *testing.T) {
	c := New(nil)
	c.Commit("item", "task value")
	c.Commit("base", "root")

	s := c.NewScope(map[string]any{
		"item": map[string]any{"path": "x.go"},
		"loop": map[string]any{"index": 1, "total": 3},
	})
	got, err := s.ResolveString("{{ item.path }}#{{ loop.index }}/{{ loop.total }} from {{ base }}")
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	if got != "x.go#1/3 from root" {
		t.Errorf("got %q", got)
	}

	// use. always addresses tasks, even when a loop variable shares the name
	got, err = s.ResolveString("{{ use.item }}")
	if err != nil || got != "task value" {
		t.Errorf("use.item = %q, %v", got, err)
	}
}

func TestResolveValue_Tree(t *testing.T) {
	c := New(map[string]any{"n": 5})
	out, err := c.ResolveValue(map[string]any{
		"count": "{{ input.n }}",
		"list":  []any{"a", "{{ input.n }}-b"},
		"flag":  true,
	})
	if err != nil {
		t.Fatalf("ResolveValue: %v", err)
	}
	m := out.(map[string]any)
	if m["count"] != 5 || m["list"].([]any)[1] != "5-b" || m["flag"] != true {
		t.Errorf("unexpected tree %#v", m)
	}
}

func TestContext_ConcurrentReaders(t *testing.T) {
	c := New(nil)
	c.Commit("a", "v")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s, err := c.ResolveString("{{ a }}"); err != nil || s != "v" {
				t.Errorf("concurrent resolve = %q, %v", s, err)
			}
		}()
	}
	wg.Wait()
}
