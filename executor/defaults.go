package executor

import (
	"github.com/auterity/workflow-engine/rules"
	"github.com/auterity/workflow-engine/types"
)

// NewDefaultRegistry registers the built-in input, process, ai and output executors.
func NewDefaultRegistry(inferencer Inferencer, deliverer Deliverer, evaluator rules.Evaluator, aiOpts ...AIOption) *Registry {
	r := NewRegistry()
	r.MustRegister(types.StepTypeInput, NewInputExecutor())
	r.MustRegister(types.StepTypeProcess, NewProcessExecutor(evaluator))
	r.MustRegister(types.StepTypeAI, NewAIExecutor(inferencer, aiOpts...))
	r.MustRegister(types.StepTypeOutput, NewOutputExecutor(deliverer))
	return r
}
