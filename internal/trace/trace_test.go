package trace

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingSink holds every Emit until released.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (b *blockingSink) Emit(e Event) {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, e)
	b.mu.Unlock()
}

func TestAsync_NeverBlocks(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{})}
	a := NewAsync(slow, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			a.Emit(Event{Kind: TaskStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled sink")
	}
	if a.Dropped() == 0 {
		t.Error("expected dropped events with a full buffer")
	}

	close(slow.release)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	slow.mu.Lock()
	defer slow.mu.Unlock()
	if len(slow.got)+int(a.Dropped()) != 100 {
		t.Errorf("delivered %d + dropped %d != 100", len(slow.got), a.Dropped())
	}
}

func TestAsync_StampsSequence(t *testing.T) {
	rec := &Recorder{}
	a := NewAsync(rec, 16)
	a.Emit(Event{Kind: WorkflowStarted})
	a.Emit(Event{Kind: WorkflowCompleted})
	a.Close()
	a.Emit(Event{Kind: TaskStarted}) // after close: dropped, no panic

	evs := rec.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].SeqID != 1 || evs[1].SeqID != 2 || evs[0].Timestamp.IsZero() {
		t.Errorf("unexpected stamps: %+v", evs)
	}
}

func TestFileSink_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "run.jsonl")
	fs, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	fs.Emit(Event{SeqID: 1, Kind: TaskFailed, Task: "a", Error: "boom", Success: Bool(false)})
	fs.Emit(Event{SeqID: 2, Kind: TaskSkipped, Task: "b", Item: Int(0)})
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	evs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(evs) != 2 || evs[0].Error != "boom" || *evs[0].Success || evs[1].Item == nil || *evs[1].Item != 0 {
		t.Errorf("unexpected events %+v", evs)
	}
}

func TestFileSink_CountsWriteFailures(t *testing.T) {
	fs, err := NewFileSink(filepath.Join(t.TempDir(), "run.jsonl"))
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	fs.f.Close() // writes now fail

	fs.Emit(Event{Kind: TaskStarted, Task: "a"})
	fs.Emit(Event{Kind: TaskCompleted, Task: "a"})
	if fs.Failed() != 2 {
		t.Errorf("failed = %d, want 2", fs.Failed())
	}
	err = fs.Close()
	if err == nil || !strings.Contains(err.Error(), "2 trace events failed to write") {
		t.Errorf("Close should report the failures, got %v", err)
	}
}

func TestFailures_NoneIsNil(t *testing.T) {
	var f failures
	if err := f.err("publish"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

type fakeExporter struct {
	names []string
	data  []map[string]interface{}
}

func (f *fakeExporter) LogEvent(name string, data map[string]interface{}) {
	f.names = append(f.names, name)
	f.data = append(f.data, data)
}

func TestTelemetrySink(t *testing.T) {
	exp := &fakeExporter{}
	s := NewTelemetrySink(exp)
	s.Emit(Event{Kind: RetryScheduled, Resource: "llm:x", Attempt: 2, DelayMs: 40})

	if len(exp.names) != 1 || exp.names[0] != "retry_scheduled" {
		t.Fatalf("names = %v", exp.names)
	}
	if exp.data[0]["resource"] != "llm:x" || exp.data[0]["attempt"] != 2 {
		t.Errorf("fields = %v", exp.data[0])
	}
	if _, ok := exp.data[0]["task"]; ok {
		t.Errorf("empty fields should be omitted")
	}
}

func TestMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, b, Nop{}}.Emit(Event{Kind: ToolCalled})
	if len(a.Events()) != 1 || len(b.OfKind(ToolCalled)) != 1 {
		t.Error("event not fanned out")
	}
}
