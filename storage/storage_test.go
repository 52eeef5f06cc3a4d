package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/workflow-engine/types"
)

// Helper function to create a sample run
func newRun(id uint64) types.WorkflowRun {
	now := time.Now().UnixMilli()
	return types.WorkflowRun{
		ID:         id,
		WorkflowID: "wf",
		Definition: types.WorkflowDefinition{
			ID: "wf",
			Steps: map[string]types.StepDefinition{
				"a": {ID: "a", Type: types.StepTypeInput},
				"b": {ID: "b", Type: types.StepTypeProcess, DependsOn: []string{"a"}},
			},
		},
		Plan:   [][]string{{"a"}, {"b"}},
		Status: types.RunRunning,
		Steps: map[string]types.StepResult{
			"a": {StepID: "a", Type: types.StepTypeInput, Status: types.StepPending},
			"b": {StepID: "b", Type: types.StepTypeProcess, Status: types.StepPending},
		},
		Context:   map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// testStorageContract exercises the behaviour every Storage must share.
func testStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("CreateAndGetRun", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		run := newRun(1)
		require.NoError(t, store.CreateRun(ctx, run))

		got, err := store.GetRun(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, run.WorkflowID, got.WorkflowID)
		assert.Equal(t, run.Plan, got.Plan)
		assert.Equal(t, types.RunRunning, got.Status)
		assert.Equal(t, types.StepPending, got.Steps["b"].Status)
		assert.Len(t, got.Definition.Steps, 2)

		assert.ErrorIs(t, store.CreateRun(ctx, run), ErrRunExists)

		_, err = store.GetRun(ctx, 999)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("UpsertStep", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateRun(ctx, newRun(2)))

		require.NoError(t, store.UpsertStep(ctx, 2, types.StepResult{StepID: "a", Status: types.StepRunning}))
		got, err := store.GetRun(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, types.StepRunning, got.Steps["a"].Status)
		assert.NotContains(t, got.Context, "a")

		require.NoError(t, store.UpsertStep(ctx, 2, types.StepResult{
			StepID: "a", Status: types.StepSucceeded, Output: map[string]interface{}{"name": "ada"},
			Duration: 5 * time.Millisecond,
		}))
		got, err = store.GetRun(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, types.StepSucceeded, got.Steps["a"].Status)
		assert.Equal(t, 5*time.Millisecond, got.Steps["a"].Duration)
		assert.Equal(t, map[string]interface{}{"name": "ada"}, got.Context["a"])

		require.NoError(t, store.UpsertStep(ctx, 2, types.StepResult{
			StepID: "b", Status: types.StepFailed, Error: "boom", RetryCount: 2,
		}))
		got, err = store.GetRun(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "boom", got.Steps["b"].Error)
		assert.Equal(t, 2, got.Steps["b"].RetryCount)
		assert.NotContains(t, got.Context, "b")

		err = store.UpsertStep(ctx, 404, types.StepResult{StepID: "a"})
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("SnapshotsAreIsolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateRun(ctx, newRun(3)))

		snap, err := store.GetRun(ctx, 3)
		require.NoError(t, err)
		snap.Steps["a"] = types.StepResult{StepID: "a", Status: types.StepSucceeded}
		snap.Context["a"] = "tampered"

		again, err := store.GetRun(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, types.StepPending, again.Steps["a"].Status)
		assert.NotContains(t, again.Context, "a")
	})

	t.Run("NestedValuesAreIsolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		run := newRun(9)
		run.Definition.Steps["a"] = types.StepDefinition{
			ID:    "a",
			Type:  types.StepTypeInput,
			Input: map[string]interface{}{"data": map[string]interface{}{"name": "ada"}},
		}
		require.NoError(t, store.CreateRun(ctx, run))

		output := map[string]interface{}{"x": "original", "tags": []interface{}{"first"}}
		require.NoError(t, store.UpsertStep(ctx, 9, types.StepResult{StepID: "a", Status: types.StepSucceeded, Output: output}))

		// the writer keeps its references
		output["x"] = "writer"
		run.Definition.Steps["a"].Input["data"].(map[string]interface{})["name"] = "writer"

		snap, err := store.GetRun(ctx, 9)
		require.NoError(t, err)
		snap.Context["a"].(map[string]interface{})["x"] = "tampered"
		snap.Context["a"].(map[string]interface{})["tags"].([]interface{})[0] = "tampered"
		snap.Steps["a"].Output.(map[string]interface{})["x"] = "tampered"
		snap.Definition.Steps["evil"] = types.StepDefinition{ID: "evil"}
		snap.Definition.Steps["b"].DependsOn[0] = "evil"
		snap.Definition.Steps["a"].Input["data"].(map[string]interface{})["name"] = "tampered"

		again, err := store.GetRun(ctx, 9)
		require.NoError(t, err)
		out := again.Context["a"].(map[string]interface{})
		assert.Equal(t, "original", out["x"])
		assert.Equal(t, []interface{}{"first"}, out["tags"])
		assert.Equal(t, "original", again.Steps["a"].Output.(map[string]interface{})["x"])
		assert.Len(t, again.Definition.Steps, 2)
		assert.Equal(t, []string{"a"}, again.Definition.Steps["b"].DependsOn)
		assert.Equal(t, "ada", again.Definition.Steps["a"].Input["data"].(map[string]interface{})["name"])
	})

	t.Run("FinishRun", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateRun(ctx, newRun(4)))

		require.NoError(t, store.FinishRun(ctx, 4, types.RunFailed, "step b failed", true))
		got, err := store.GetRun(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, types.RunFailed, got.Status)
		assert.Equal(t, "step b failed", got.Error)
		assert.True(t, got.Cancelled)
		assert.NotZero(t, got.FinishedAt)

		// finished runs are immutable
		assert.ErrorIs(t, store.UpsertStep(ctx, 4, types.StepResult{StepID: "a"}), ErrRunFinished)
		assert.ErrorIs(t, store.FinishRun(ctx, 4, types.RunCompleted, "", false), ErrRunFinished)
		assert.ErrorIs(t, store.FinishRun(ctx, 404, types.RunCompleted, "", false), ErrRunNotFound)
	})

	t.Run("ClearCompleted", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for id := uint64(10); id <= 12; id++ {
			require.NoError(t, store.CreateRun(ctx, newRun(id)))
		}
		require.NoError(t, store.FinishRun(ctx, 11, types.RunCompleted, "", false))
		require.NoError(t, store.FinishRun(ctx, 12, types.RunFailed, "x", false))

		require.NoError(t, store.ClearCompleted(ctx))

		_, err := store.GetRun(ctx, 10)
		assert.NoError(t, err) // Should still exist (running)
		_, err = store.GetRun(ctx, 11)
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.GetRun(ctx, 12)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		assert.ErrorIs(t, store.CreateRun(ctx, newRun(1)), context.Canceled)
		assert.ErrorIs(t, store.UpsertStep(ctx, 1, types.StepResult{StepID: "a"}), context.Canceled)
		assert.ErrorIs(t, store.FinishRun(ctx, 1, types.RunCompleted, "", false), context.Canceled)
		_, err := store.GetRun(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.ClearCompleted(ctx), context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		run := newRun(20)
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("s%02d", i)
			run.Steps[id] = types.StepResult{StepID: id, Status: types.StepPending}
		}
		require.NoError(t, store.CreateRun(ctx, run))

		var wg sync.WaitGroup
		errs := make(chan error, 100)
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("s%02d", i)
				if err := store.UpsertStep(ctx, 20, types.StepResult{StepID: id, Status: types.StepSucceeded, Output: id}); err != nil {
					errs <- err
				}
			}(i)
			go func() {
				defer wg.Done()
				snap, err := store.GetRun(ctx, 20)
				if err != nil {
					errs <- err
					return
				}
				// every succeeded step must already have its output in context
				for id, res := range snap.Steps {
					if res.Status == types.StepSucceeded {
						if _, ok := snap.Context[id]; !ok {
							errs <- errors.New("context missing output of " + id)
						}
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		got, err := store.GetRun(ctx, 20)
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("s%02d", i)
			assert.Equal(t, types.StepSucceeded, got.Steps[id].Status)
			assert.Equal(t, id, got.Context[id])
		}
	})
}

func TestWithContext(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		ctx := context.Background()
		result, err := withContext(ctx, func() (string, error) {
			return "success", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "success", result)
	})

	t.Run("Error", func(t *testing.T) {
		ctx := context.Background()
		_, err := withContext(ctx, func() (string, error) {
			return "", errors.New("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, "fail", err.Error())
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := withContext(ctx, func() (string, error) {
			return "success", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
