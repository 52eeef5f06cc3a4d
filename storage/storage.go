package storage

import (
	"context"
	"errors"

	"github.com/auterity/workflow-engine/types"
)

// Errors
var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")
	ErrRunFinished = errors.New("run is no longer running")
)

// Storage holds workflow runs for read-only querying while the engine mutates
// them one step at a time.
type Storage interface {
	// CreateRun records a new run.
	CreateRun(ctx context.Context, run types.WorkflowRun) error

	// UpsertStep atomically records a step result. A succeeded result also
	// stores its output in the run context under the step id.
	UpsertStep(ctx context.Context, runID uint64, result types.StepResult) error

	// FinishRun moves a run out of the running state.
	FinishRun(ctx context.Context, runID uint64, status types.RunStatus, errMsg string, cancelled bool) error

	// GetRun returns a snapshot of a run that shares no state with the store.
	GetRun(ctx context.Context, runID uint64) (types.WorkflowRun, error)

	// ClearCompleted removes runs that are no longer running.
	ClearCompleted(ctx context.Context) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
