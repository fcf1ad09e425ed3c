// Package checkpoint persists agent loop transcripts so a run's agent
// decisions can be inspected after the fact.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskflow/internal/capability"
)

// Action is what an agent did in one turn.
type Action string

const (
	ActionToolCall    Action = "tool_call"
	ActionFinalAnswer Action = "final_answer"
)

// TurnRecord is one agent turn. A turn with several tool calls yields one
// record per call, all sharing the turn index.
type TurnRecord struct {
	Turn      int            `json:"turn"`
	Action    Action         `json:"action"`
	Tool      string         `json:"tool,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Response  string         `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	Final     any            `json:"final,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Transcript is the serializable state of one agent loop.
type Transcript struct {
	RunID     string               `json:"run_id"`
	TaskID    string               `json:"task_id"`
	Item      *int                 `json:"item,omitempty"`
	Goal      string               `json:"goal"`
	Status    string               `json:"status"` // running, succeeded, failed
	Error     string               `json:"error,omitempty"`
	Turns     []TurnRecord         `json:"turns"`
	History   []capability.Message `json:"history"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Key identifies the transcript file: <run>.<task>[.<item>].
func (t *Transcript) Key() string {
	key := t.RunID + "." + t.TaskID
	if t.Item != nil {
		key += fmt.Sprintf(".%d", *t.Item)
	}
	return key
}

// Store keeps transcripts in memory and mirrors each save to <dir>/<key>.json.
type Store struct {
	dir         string
	transcripts map[string]*Transcript
	mu          sync.RWMutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{
		dir:         dir,
		transcripts: make(map[string]*Transcript),
	}, nil
}

// Save stores a copy of t and writes it to disk.
func (s *Store) Save(t *Transcript) error {
	cp := *t
	cp.Turns = append([]TurnRecord(nil), t.Turns...)
	cp.History = append([]capability.Message(nil), t.History...)
	cp.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[cp.Key()] = &cp
	return s.flush(&cp)
}

// Get returns a transcript by key.
func (s *Store) Get(key string) *Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcripts[key]
}

// ForRun returns every transcript of a run, ordered by key.
func (s *Store) ForRun(runID string) []*Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transcript
	for key, t := range s.transcripts {
		if strings.HasPrefix(key, runID+".") {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (s *Store) flush(t *Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, t.Key()+".json")
	return os.WriteFile(path, data, 0644)
}

// Load reads every transcript file in the store directory.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var t Transcript
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		s.transcripts[t.Key()] = &t
	}
	return nil
}
