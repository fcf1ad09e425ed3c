package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

// Sink receives events. Emit must return promptly; slow sinks are wrapped
// in an Async.
type Sink interface {
	Emit(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Multi fans out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Async decouples emitters from a slow sink through a bounded buffer.
// When the buffer is full the event is dropped and counted; Emit never blocks.
type Async struct {
	next    Sink
	ch      chan Event
	done    chan struct{}
	seq     uint64
	dropped uint64
	closed  atomic.Bool
	mu      sync.RWMutex
	logger  *logging.Logger
}

// NewAsync starts a forwarding goroutine with the given buffer size.
func NewAsync(next Sink, buffer int) *Async {
	if buffer < 1 {
		buffer = 256
	}
	a := &Async{
		next:   next,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logging.New().WithComponent("trace"),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.ch {
		a.next.Emit(e)
	}
}

// Emit stamps the sequence number and timestamp and enqueues the event.
func (a *Async) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		atomic.AddUint64(&a.dropped, 1)
		return
	}
	e.SeqID = atomic.AddUint64(&a.seq, 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case a.ch <- e:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() uint64 {
	return atomic.LoadUint64(&a.dropped)
}

// Close flushes buffered events and closes the wrapped sink if it can be closed.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		return nil
	}
	close(a.ch)
	a.mu.Unlock()
	<-a.done

	if n := a.Dropped(); n > 0 {
		a.logger.Warn("trace events dropped", map[string]interface{}{"count": n})
	}
	if c, ok := a.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
