package executor

import (
	"context"

	"github.com/auterity/workflow-engine/rules"
)

// ProcessExecutor applies declared transformation rules to the merged
// dependency outputs plus the step's own "data".
//
//	{"data": {...}, "rules": [{"op": "upper", "field": "name"}, ...]}
type ProcessExecutor struct {
	evaluator rules.Evaluator
}

// NewProcessExecutor creates a ProcessExecutor. A nil evaluator gets an ExprEvaluator.
func NewProcessExecutor(evaluator rules.Evaluator) *ProcessExecutor {
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	return &ProcessExecutor{evaluator: evaluator}
}

// Execute implements Executor.
func (e *ProcessExecutor) Execute(ctx context.Context, req Request) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := inputMap(req, "data")
	if err != nil {
		return nil, err
	}
	rs, err := rules.ParseRules(req.Input["rules"], e.evaluator)
	if err != nil {
		return nil, NewRuleError(req.StepID, err)
	}

	record := MergeDeps(req.Deps)
	for k, v := range data {
		record[k] = v
	}

	out, err := rs.Apply(record)
	if err != nil {
		return nil, NewRuleError(req.StepID, err)
	}
	return out, nil
}
