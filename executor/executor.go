package executor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/auterity/workflow-engine/types"
)

// Request is everything an executor gets to see for one attempt.
type Request struct {
	RunID  uint64
	StepID string
	Type   types.StepType
	Input  map[string]interface{}
	// Deps maps each dependency step id to its recorded output.
	Deps map[string]interface{}
}

// Executor runs a single step type. Implementations must be safe for concurrent
// use and must not hold on to Request maps after returning.
type Executor interface {
	Execute(ctx context.Context, req Request) (interface{}, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (interface{}, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (interface{}, error) {
	return f(ctx, req)
}

// Registry maps step types to executors.
type Registry struct {
	executors map[types.StepType]Executor
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[types.StepType]Executor)}
}

// Register binds stepType to exec, replacing any previous binding.
func (r *Registry) Register(stepType types.StepType, exec Executor) error {
	if stepType == "" || exec == nil {
		return errors.New("step type and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stepType] = exec
	return nil
}

// MustRegister is Register for wiring code that cannot recover from a bad binding.
func (r *Registry) MustRegister(stepType types.StepType, exec Executor) {
	if err := r.Register(stepType, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor bound to stepType.
func (r *Registry) Lookup(stepType types.StepType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[stepType]
	return exec, ok
}

// Types lists registered step types in sorted order.
func (r *Registry) Types() []types.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StepType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute dispatches req to the executor registered for req.Type.
func (r *Registry) Execute(ctx context.Context, req Request) (interface{}, error) {
	exec, ok := r.Lookup(req.Type)
	if !ok {
		return nil, NewUnknownStepTypeError(req.StepID, string(req.Type))
	}
	return exec.Execute(ctx, req)
}

// MergeDeps flattens dependency outputs into one record. Map outputs are merged
// key by key in dependency id order, so later ids win on conflicts; any other
// output is stored under its step id.
func MergeDeps(deps map[string]interface{}) map[string]interface{} {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	merged := make(map[string]interface{})
	for _, id := range ids {
		switch out := deps[id].(type) {
		case map[string]interface{}:
			for k, v := range out {
				merged[k] = v
			}
		case nil:
		default:
			merged[id] = out
		}
	}
	return merged
}

// inputMap fetches an optional object-valued input field.
func inputMap(req Request, key string) (map[string]interface{}, error) {
	raw, ok := req.Input[key]
	if !ok || raw == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, NewValidationError(req.StepID, "input %q must be an object, got %T", key, raw)
	}
	return m, nil
}

// inputString fetches an optional string-valued input field.
func inputString(req Request, key string) (string, error) {
	raw, ok := req.Input[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", NewValidationError(req.StepID, "input %q must be a string, got %T", key, raw)
	}
	return s, nil
}

// inputStrings fetches an optional list-of-strings input field.
func inputStrings(req Request, key string) ([]string, error) {
	raw, ok := req.Input[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss, nil
		}
		return nil, NewValidationError(req.StepID, "input %q must be a list, got %T", key, raw)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, NewValidationError(req.StepID, "input %q must contain strings, got %T", key, item)
		}
		out = append(out, s)
	}
	return out, nil
}
