package store

import (
	"context"
	"sort"
	"sync"

	"dataflow-engine/internal/common/errors"
	"dataflow-engine/internal/engine/run"
)

// MemoryStore keeps run history in process memory. Used in tests and for
// runs where history persistence is not configured.
type MemoryStore struct {
	mu           sync.RWMutex
	runs         map[string]*run.Run
	recordErrors map[string][]run.RecordError
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         make(map[string]*run.Run),
		recordErrors: make(map[string][]run.RecordError),
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *r
	s.runs[r.ID] = &copied
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; !ok {
		return errors.NotFoundError("run " + r.ID)
	}
	copied := *r
	s.runs[r.ID] = &copied
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, errors.NotFoundError("run " + id)
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, pipelineCode string, limit int) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var runs []*run.Run
	for _, r := range s.runs {
		if pipelineCode != "" && r.PipelineCode != pipelineCode {
			continue
		}
		copied := *r
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) SaveRecordErrors(_ context.Context, runID string, recordErrors []run.RecordError) error {
	if len(recordErrors) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordErrors[runID] = append(s.recordErrors[runID], recordErrors...)
	return nil
}

func (s *MemoryStore) GetRecordErrors(_ context.Context, runID string) ([]run.RecordError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.recordErrors[runID]
	out := make([]run.RecordError, len(stored))
	copy(out, stored)
	return out, nil
}
