package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/auterity/workflow-engine/types"
)

const (
	defaultKeyPrefix = "run:"

	fieldMeta       = "meta"
	fieldStatus     = "status"
	fieldError      = "error"
	fieldCancelled  = "cancelled"
	fieldUpdatedAt  = "updated_at"
	fieldFinishedAt = "finished_at"
	stepFieldPrefix = "step:"
	ctxFieldPrefix  = "ctx:"

	maxWatchRetries = 100
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Each run is one hash; every mutation is a MULTI/EXEC so a reader's single
// HGETALL never sees a half-written step.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
	runTTL    time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces run hashes. Defaults to "run:".
	KeyPrefix string
	// RunTTL expires finished runs. Zero keeps them until ClearCompleted.
	RunTTL time.Duration
}

// runMeta is the immutable header of a run.
type runMeta struct {
	ID         uint64                   `json:"id"`
	WorkflowID string                   `json:"workflow_id"`
	Definition types.WorkflowDefinition `json:"definition"`
	Plan       [][]string               `json:"plan"`
	CreatedAt  int64                    `json:"created_at"`
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, keyPrefix: prefix, runTTL: opts.RunTTL}, nil
}

func (s *RedisStorage) key(runID uint64) string {
	return s.keyPrefix + strconv.FormatUint(runID, 10)
}

// CreateRun writes the run header, status and any pre-recorded steps.
func (s *RedisStorage) CreateRun(ctx context.Context, run types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		key := s.key(run.ID)
		meta, err := json.Marshal(runMeta{
			ID:         run.ID,
			WorkflowID: run.WorkflowID,
			Definition: run.Definition,
			Plan:       run.Plan,
			CreatedAt:  run.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal run %d: %v", run.ID, err)
		}

		status := run.Status
		if status == "" {
			status = types.RunRunning
		}
		values := []interface{}{
			fieldMeta, meta,
			fieldStatus, string(status),
			fieldUpdatedAt, run.UpdatedAt,
		}
		for id, res := range run.Steps {
			data, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("failed to marshal step %s: %v", id, err)
			}
			values = append(values, stepFieldPrefix+id, data)
		}

		return s.watch(ctx, key, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s in Redis: %v", key, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: id=%d", ErrRunExists, run.ID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, values...)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to set %s in Redis: %w", key, err)
			}
			return nil
		})
	})
}

// UpsertStep records a step result inside a watched transaction.
func (s *RedisStorage) UpsertStep(ctx context.Context, runID uint64, result types.StepResult) error {
	return withContextError(ctx, func() error {
		key := s.key(runID)
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal step %s: %v", result.StepID, err)
		}
		values := []interface{}{
			stepFieldPrefix + result.StepID, data,
			fieldUpdatedAt, time.Now().UnixMilli(),
		}
		if result.Status == types.StepSucceeded {
			out, err := json.Marshal(result.Output)
			if err != nil {
				return fmt.Errorf("failed to marshal output of step %s: %v", result.StepID, err)
			}
			values = append(values, ctxFieldPrefix+result.StepID, out)
		}

		return s.watch(ctx, key, func(tx *redis.Tx) error {
			if err := s.checkRunning(ctx, tx, runID); err != nil {
				return err
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, values...)
				return nil
			})
			return err
		})
	})
}

// FinishRun records the final status and applies the configured TTL.
func (s *RedisStorage) FinishRun(ctx context.Context, runID uint64, status types.RunStatus, errMsg string, cancelled bool) error {
	return withContextError(ctx, func() error {
		key := s.key(runID)
		now := time.Now().UnixMilli()
		return s.watch(ctx, key, func(tx *redis.Tx) error {
			if err := s.checkRunning(ctx, tx, runID); err != nil {
				return err
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key,
					fieldStatus, string(status),
					fieldError, errMsg,
					fieldCancelled, strconv.FormatBool(cancelled),
					fieldUpdatedAt, now,
					fieldFinishedAt, now,
				)
				if s.runTTL > 0 {
					pipe.Expire(ctx, key, s.runTTL)
				}
				return nil
			})
			return err
		})
	})
}

// watch runs fn as an optimistic transaction on key, retrying when a sibling
// step's write lands between WATCH and EXEC.
func (s *RedisStorage) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("failed to update %s: too much contention", key)
}

func (s *RedisStorage) checkRunning(ctx context.Context, tx *redis.Tx, runID uint64) error {
	status, err := tx.HGet(ctx, s.key(runID), fieldStatus).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: id=%d", ErrRunNotFound, runID)
	} else if err != nil {
		return fmt.Errorf("failed to read status of run %d: %v", runID, err)
	}
	if types.RunStatus(status) != types.RunRunning {
		return fmt.Errorf("%w: id=%d", ErrRunFinished, runID)
	}
	return nil
}

// GetRun reads the whole run hash in one round trip.
func (s *RedisStorage) GetRun(ctx context.Context, runID uint64) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		key := s.key(runID)
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return types.WorkflowRun{}, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}
		if len(fields) == 0 {
			return types.WorkflowRun{}, fmt.Errorf("%w: key=%s", ErrRunNotFound, key)
		}
		return decodeRun(key, fields)
	})
}

func decodeRun(key string, fields map[string]string) (types.WorkflowRun, error) {
	var meta runMeta
	if err := json.Unmarshal([]byte(fields[fieldMeta]), &meta); err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}

	run := types.WorkflowRun{
		ID:         meta.ID,
		WorkflowID: meta.WorkflowID,
		Definition: meta.Definition,
		Plan:       meta.Plan,
		Status:     types.RunStatus(fields[fieldStatus]),
		Steps:      make(map[string]types.StepResult),
		Context:    make(map[string]interface{}),
		Error:      fields[fieldError],
		CreatedAt:  meta.CreatedAt,
	}
	run.Cancelled, _ = strconv.ParseBool(fields[fieldCancelled])
	run.UpdatedAt, _ = strconv.ParseInt(fields[fieldUpdatedAt], 10, 64)
	run.FinishedAt, _ = strconv.ParseInt(fields[fieldFinishedAt], 10, 64)

	for field, value := range fields {
		switch {
		case strings.HasPrefix(field, stepFieldPrefix):
			var res types.StepResult
			if err := json.Unmarshal([]byte(value), &res); err != nil {
				return types.WorkflowRun{}, fmt.Errorf("failed to unmarshal %s/%s: %v", key, field, err)
			}
			run.Steps[strings.TrimPrefix(field, stepFieldPrefix)] = res
		case strings.HasPrefix(field, ctxFieldPrefix):
			var out interface{}
			if err := json.Unmarshal([]byte(value), &out); err != nil {
				return types.WorkflowRun{}, fmt.Errorf("failed to unmarshal %s/%s: %v", key, field, err)
			}
			run.Context[strings.TrimPrefix(field, ctxFieldPrefix)] = out
		}
	}
	return run, nil
}

// ClearCompleted removes runs whose status is no longer running.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		var stale []string
		iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			status, err := s.client.HGet(ctx, key, fieldStatus).Result()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %v", key, err)
			}
			if types.RunStatus(status) != types.RunRunning {
				stale = append(stale, key)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan run keys: %v", err)
		}
		if len(stale) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, stale...).Err(); err != nil {
			return fmt.Errorf("failed to delete finished runs: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
