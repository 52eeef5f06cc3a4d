package executor

import "context"

// InputExecutor validates and returns a literal payload.
//
//	{"data": {...}, "required": ["field", ...]}
type InputExecutor struct{}

// NewInputExecutor creates an InputExecutor.
func NewInputExecutor() *InputExecutor {
	return &InputExecutor{}
}

// Execute implements Executor.
func (e *InputExecutor) Execute(ctx context.Context, req Request) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := inputMap(req, "data")
	if err != nil {
		return nil, err
	}
	required, err := inputStrings(req, "required")
	if err != nil {
		return nil, err
	}
	for _, field := range required {
		if _, ok := data[field]; !ok {
			return nil, NewValidationError(req.StepID, "required field %q is missing", field)
		}
	}

	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out, nil
}
