package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/workflow-engine/types"
)

func setupTestRedis(t *testing.T, opts RedisOptions) (*miniredis.Miniredis, *RedisStorage) {
	mr := miniredis.RunT(t)

	opts.Addr = mr.Addr()
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.IdleTimeout = 5 * time.Minute

	store, err := NewRedisStorage(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStorage(t *testing.T) {
	t.Run("NewRedisStorage", func(t *testing.T) {
		_, store := setupTestRedis(t, RedisOptions{})
		assert.NotNil(t, store.client)
		assert.Equal(t, defaultKeyPrefix, store.keyPrefix)

		// Test connection failure
		_, err := NewRedisStorage(RedisOptions{Addr: "127.0.0.1:1"})
		assert.Error(t, err)
	})

	testStorageContract(t, func(t *testing.T) Storage {
		_, store := setupTestRedis(t, RedisOptions{})
		return store
	})

	t.Run("KeyLayout", func(t *testing.T) {
		mr, store := setupTestRedis(t, RedisOptions{KeyPrefix: "wf:run:"})
		ctx := context.Background()

		require.NoError(t, store.CreateRun(ctx, newRun(7)))
		require.NoError(t, store.UpsertStep(ctx, 7, types.StepResult{StepID: "a", Status: types.StepSucceeded, Output: "out"}))

		assert.True(t, mr.Exists("wf:run:7"))
		assert.Equal(t, string(types.RunRunning), mr.HGet("wf:run:7", fieldStatus))
		assert.Equal(t, `"out"`, mr.HGet("wf:run:7", ctxFieldPrefix+"a"))
	})

	t.Run("RunTTL", func(t *testing.T) {
		mr, store := setupTestRedis(t, RedisOptions{RunTTL: time.Minute})
		ctx := context.Background()

		require.NoError(t, store.CreateRun(ctx, newRun(8)))
		assert.Zero(t, mr.TTL("run:8"))

		require.NoError(t, store.FinishRun(ctx, 8, types.RunCompleted, "", false))
		assert.Equal(t, time.Minute, mr.TTL("run:8"))

		mr.FastForward(2 * time.Minute)
		_, err := store.GetRun(ctx, 8)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("CorruptPayload", func(t *testing.T) {
		mr, store := setupTestRedis(t, RedisOptions{})
		mr.HSet("run:9", fieldMeta, "{not json")

		_, err := store.GetRun(context.Background(), 9)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrRunNotFound)
	})
}
