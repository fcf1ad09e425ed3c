package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// failures counts events an exporter could not deliver and keeps the last
// error for Close to report.
type failures struct {
	n    atomic.Uint64
	mu   sync.Mutex
	last error
}

func (f *failures) add(err error) {
	f.n.Add(1)
	f.mu.Lock()
	f.last = err
	f.mu.Unlock()
}

func (f *failures) err(op string) error {
	n := f.n.Load()
	if n == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Errorf("%d trace events failed to %s, last: %w", n, op, f.last)
}

// FileSink appends events to a JSON lines file.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	failed failures
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		s.failed.add(err)
	}
}

// Failed returns how many events could not be written.
func (s *FileSink) Failed() uint64 {
	return s.failed.n.Load()
}

// Close closes the file and reports any events that failed to write.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.failed.err("write"), s.f.Close())
}

// ReadFile loads every event from a JSON lines trace file.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("failed to decode trace event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// NATSSink publishes each event to <prefix>.<kind>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	failed failures
}

// NewNATSSink connects to a NATS server.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("taskflow"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if prefix == "" {
		prefix = "taskflow.events"
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

func (s *NATSSink) Emit(e Event) {
	data, err := json.Marshal(e)
	if err == nil {
		err = s.nc.Publish(s.prefix+"."+string(e.Kind), data)
	}
	if err != nil {
		s.failed.add(err)
	}
}

// Failed returns how many events could not be published.
func (s *NATSSink) Failed() uint64 {
	return s.failed.n.Load()
}

// Close flushes pending publishes, closes the connection and reports any
// events that failed to publish.
func (s *NATSSink) Close() error {
	return errors.Join(s.failed.err("publish"), s.nc.Drain())
}

// EventLogger is the subset of a telemetry exporter used for events.
type EventLogger interface {
	LogEvent(name string, data map[string]interface{})
}

// TelemetrySink forwards events to a telemetry exporter.
type TelemetrySink struct {
	exp EventLogger
}

func NewTelemetrySink(exp EventLogger) *TelemetrySink {
	return &TelemetrySink{exp: exp}
}

func (s *TelemetrySink) Emit(e Event) {
	s.exp.LogEvent(string(e.Kind), e.Fields())
}
