package checkpoint

import (
	"context"
	"sync"
)

// Cursor is an opaque resumable position marker for a single step, for
// example {"offset": 1200} or {"page": 4, "cursor": "abc"}.
type Cursor map[string]interface{}

// Clone returns a shallow copy so callers cannot mutate stored state.
func (c Cursor) Clone() Cursor {
	if c == nil {
		return nil
	}
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Store holds per-run, per-step resumable cursors. Each step key is written
// by exactly one executor instance per run; the dirty flag tells the
// orchestrator whether a flush at the next step boundary has anything to do.
type Store interface {
	// Get returns the cursor for a step, or false if none has been recorded.
	Get(ctx context.Context, runID, stepKey string) (Cursor, bool, error)

	// Set records a cursor for a step and raises the run's dirty flag.
	Set(ctx context.Context, runID, stepKey string, cursor Cursor) error

	// IsDirty reports whether the run has unflushed cursor mutations.
	IsDirty(ctx context.Context, runID string) (bool, error)

	// Clear drops all cursors for a run. Called at the start of a fresh
	// (non-resume) run and after a completed run.
	Clear(ctx context.Context, runID string) error

	// Flush persists accumulated mutations and lowers the dirty flag.
	// Called once per step boundary, not per record.
	Flush(ctx context.Context, runID string) error
}

type runTable struct {
	cursors map[string]Cursor
	dirty   bool
}

// MemoryStore is the in-process Store used for tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*runTable
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*runTable)}
}

func (s *MemoryStore) Get(_ context.Context, runID, stepKey string) (Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.runs[runID]
	if !ok {
		return nil, false, nil
	}
	cursor, ok := table.cursors[stepKey]
	if !ok {
		return nil, false, nil
	}
	return cursor.Clone(), true, nil
}

func (s *MemoryStore) Set(_ context.Context, runID, stepKey string, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.runs[runID]
	if !ok {
		table = &runTable{cursors: make(map[string]Cursor)}
		s.runs[runID] = table
	}
	table.cursors[stepKey] = cursor.Clone()
	table.dirty = true
	return nil
}

func (s *MemoryStore) IsDirty(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.runs[runID]
	if !ok {
		return false, nil
	}
	return table.dirty, nil
}

func (s *MemoryStore) Clear(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	return nil
}

// Flush lowers the dirty flag. The memory store has no backing layer, so
// there is nothing else to persist.
func (s *MemoryStore) Flush(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if table, ok := s.runs[runID]; ok {
		table.dirty = false
	}
	return nil
}
