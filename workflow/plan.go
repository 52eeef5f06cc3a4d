package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/auterity/workflow-engine/types"
)

var (
	// ErrCycle is matched by every CycleError.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownDependency is matched by every UnknownDependencyError.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError names the steps that could not be ordered.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among steps [%s]", strings.Join(e.Steps, ", "))
}

// Is reports whether target is ErrCycle.
func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// UnknownDependencyError reports a depends_on entry that names no step.
type UnknownDependencyError struct {
	StepID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.Dependency)
}

// Is reports whether target is ErrUnknownDependency.
func (e *UnknownDependencyError) Is(target error) bool { return target == ErrUnknownDependency }

// Plan partitions the steps of def into batches. Every step lands in a batch
// strictly after all of its dependencies, steps inside a batch are sorted by
// id, and the same definition always yields the same plan.
func Plan(def types.WorkflowDefinition) (types.ExecutionPlan, error) {
	def, err := def.Normalize()
	if err != nil {
		return types.ExecutionPlan{}, err
	}

	ids := make([]string, 0, len(def.Steps))
	for id := range def.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		seen := make(map[string]bool)
		for _, dep := range def.Steps[id].DependsOn {
			if _, ok := def.Steps[dep]; !ok {
				return types.ExecutionPlan{}, &UnknownDependencyError{StepID: id, Dependency: dep}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	plan := types.ExecutionPlan{WorkflowID: def.ID}
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		plan.Batches = append(plan.Batches, ready)
		placed += len(ready)

		var next []string
		for _, id := range ready {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if placed != len(ids) {
		var stuck []string
		for _, id := range ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return types.ExecutionPlan{}, &CycleError{Steps: stuck}
	}
	return plan, nil
}

// dependentsOf returns every step that transitively depends on one of roots.
func dependentsOf(def types.WorkflowDefinition, roots ...string) map[string]bool {
	direct := make(map[string][]string)
	for id, step := range def.Steps {
		for _, dep := range step.DependsOn {
			direct[dep] = append(direct[dep], id)
		}
	}

	out := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range direct[id] {
			if !out[d] {
				out[d] = true
				queue = append(queue, d)
			}
		}
	}
	return out
}
