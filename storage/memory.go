package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/auterity/workflow-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// A single lock covers every run, so a reader always observes steps in the
// order they were recorded.
type MemoryStorage struct {
	runs map[uint64]*types.WorkflowRun
	mu   sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs: make(map[uint64]*types.WorkflowRun),
	}
}

// CreateRun stores a copy of run.
func (s *MemoryStorage) CreateRun(ctx context.Context, run types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.runs[run.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrRunExists, run.ID)
		}
		cp := run.Clone()
		s.runs[run.ID] = &cp
		return nil
	})
}

// UpsertStep records a copy of result on the run.
func (s *MemoryStorage) UpsertStep(ctx context.Context, runID uint64, result types.StepResult) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		run, ok := s.runs[runID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrRunNotFound, runID)
		}
		if run.Finished() {
			return fmt.Errorf("%w: id=%d", ErrRunFinished, runID)
		}
		result.Output = types.CopyValue(result.Output)
		run.Steps[result.StepID] = result
		if result.Status == types.StepSucceeded {
			run.Context[result.StepID] = types.CopyValue(result.Output)
		}
		run.UpdatedAt = time.Now().UnixMilli()
		return nil
	})
}

// FinishRun sets the final status of a run.
func (s *MemoryStorage) FinishRun(ctx context.Context, runID uint64, status types.RunStatus, errMsg string, cancelled bool) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		run, ok := s.runs[runID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrRunNotFound, runID)
		}
		if run.Finished() {
			return fmt.Errorf("%w: id=%d", ErrRunFinished, runID)
		}
		now := time.Now().UnixMilli()
		run.Status = status
		run.Error = errMsg
		run.Cancelled = cancelled
		run.UpdatedAt = now
		run.FinishedAt = now
		return nil
	})
}

// GetRun returns a snapshot of a run.
func (s *MemoryStorage) GetRun(ctx context.Context, runID uint64) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		run, ok := s.runs[runID]
		if !ok {
			return types.WorkflowRun{}, fmt.Errorf("%w: id=%d", ErrRunNotFound, runID)
		}
		return run.Clone(), nil
	})
}

// ClearCompleted removes completed or failed runs.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, run := range s.runs {
			if run.Finished() {
				delete(s.runs, id)
			}
		}
		return nil
	})
}
