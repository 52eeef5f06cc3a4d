package types

import "time"

// StepType selects the executor that runs a step.
type StepType string

// Built-in step types.
const (
	StepTypeInput   StepType = "input"
	StepTypeProcess StepType = "process"
	StepTypeAI      StepType = "ai"
	StepTypeOutput  StepType = "output"
)

// FailurePolicy decides what happens to the rest of a run after a step fails.
type FailurePolicy string

const (
	// FailurePolicyStop aborts the remaining batches after the first failed batch.
	FailurePolicyStop FailurePolicy = "stop_on_first_failure"
	// FailurePolicyContinue keeps running independent branches of the graph.
	FailurePolicyContinue FailurePolicy = "continue_on_failure"
)

// Valid reports whether p is a known policy. The empty policy is valid and means "engine default".
func (p FailurePolicy) Valid() bool {
	switch p {
	case "", FailurePolicyStop, FailurePolicyContinue:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepSucceeded    StepStatus = "succeeded"
	StepFailed       StepStatus = "failed"
	StepDeadLettered StepStatus = "dead_lettered" // retryable failure that used up its retry budget
	StepSkipped      StepStatus = "skipped"
)

// Terminal reports whether the step will not change state again.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepDeadLettered, StepSkipped:
		return true
	}
	return false
}

// Failure reports whether the step ran and failed.
func (s StepStatus) Failure() bool {
	return s == StepFailed || s == StepDeadLettered
}

// Skip reasons recorded on skipped steps.
const (
	ReasonDependencyFailure = "skipped_due_to_dependency_failure"
	ReasonRunAborted        = "skipped_due_to_run_abort"
)

// RunStatus is the overall state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkflowDefinition is a set of steps keyed by step id plus their dependency edges.
type WorkflowDefinition struct {
	ID            string                    `json:"id" yaml:"id"`
	Steps         map[string]StepDefinition `json:"steps" yaml:"steps"`
	FailurePolicy FailurePolicy             `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
}

// StepDefinition describes one unit of work.
type StepDefinition struct {
	ID         string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Type       StepType               `json:"type" yaml:"type"`
	Input      map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxRetries *int                   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutMs  int                    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// ExecutionPlan is the ordered batch partition of a definition's steps.
// Steps inside a batch have no dependency on each other and are sorted by id.
type ExecutionPlan struct {
	WorkflowID string     `json:"workflow_id"`
	Batches    [][]string `json:"batches"`
}

// Flatten returns the step ids in execution order.
func (p ExecutionPlan) Flatten() []string {
	var out []string
	for _, b := range p.Batches {
		out = append(out, b...)
	}
	return out
}

// BatchOf returns the index of the batch containing stepID, or -1.
func (p ExecutionPlan) BatchOf(stepID string) int {
	for i, b := range p.Batches {
		for _, id := range b {
			if id == stepID {
				return i
			}
		}
	}
	return -1
}

// StepResult is the recorded outcome of a step within a run.
type StepResult struct {
	StepID     string        `json:"step_id"`
	Type       StepType      `json:"type"`
	Status     StepStatus    `json:"status"`
	Output     interface{}   `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RetryCount int           `json:"retry_count"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	StartedAt  int64         `json:"started_at,omitempty"`
	FinishedAt int64         `json:"finished_at,omitempty"`
}

// WorkflowRun is one execution of a WorkflowDefinition.
type WorkflowRun struct {
	ID         uint64                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Definition WorkflowDefinition     `json:"definition"`
	Plan       [][]string             `json:"plan"`
	Status     RunStatus              `json:"status"`
	Steps      map[string]StepResult  `json:"steps"`
	Context    map[string]interface{} `json:"context"`
	Error      string                 `json:"error,omitempty"`
	Cancelled  bool                   `json:"cancelled,omitempty"`
	CreatedAt  int64                  `json:"created_at"`
	UpdatedAt  int64                  `json:"updated_at"`
	FinishedAt int64                  `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the run. Nothing reachable from the copy,
// including step outputs and the definition, is shared with r.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	out.Definition = r.Definition.Clone()
	out.Steps = make(map[string]StepResult, len(r.Steps))
	for k, v := range r.Steps {
		v.Output = CopyValue(v.Output)
		out.Steps[k] = v
	}
	out.Context = make(map[string]interface{}, len(r.Context))
	for k, v := range r.Context {
		out.Context[k] = CopyValue(v)
	}
	out.Plan = make([][]string, len(r.Plan))
	for i, b := range r.Plan {
		out.Plan[i] = append([]string(nil), b...)
	}
	return out
}

// Clone returns a deep copy of the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	if d.Steps == nil {
		return out
	}
	out.Steps = make(map[string]StepDefinition, len(d.Steps))
	for id, s := range d.Steps {
		if s.Input != nil {
			s.Input = CopyValue(s.Input).(map[string]interface{})
		}
		if s.DependsOn != nil {
			s.DependsOn = append([]string(nil), s.DependsOn...)
		}
		if s.MaxRetries != nil {
			n := *s.MaxRetries
			s.MaxRetries = &n
		}
		out.Steps[id] = s
	}
	return out
}

// CopyValue deep-copies the maps and slices of a JSON-like value. Other
// values are returned as they are.
func CopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return t
		}
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = CopyValue(e)
		}
		return out
	case []interface{}:
		if t == nil {
			return t
		}
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = CopyValue(e)
		}
		return out
	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		return append([]string{}, t...)
	case []map[string]interface{}:
		if t == nil {
			return t
		}
		out := make([]map[string]interface{}, len(t))
		for i, e := range t {
			out[i], _ = CopyValue(e).(map[string]interface{})
		}
		return out
	default:
		return v
	}
}

// Finished reports whether the run has left the running state.
func (r WorkflowRun) Finished() bool {
	return r.Status != RunRunning
}
