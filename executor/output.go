package executor

import (
	"context"
	"errors"
)

// Ack is the sink's receipt for a delivered payload.
type Ack struct {
	ID          string
	Destination string
}

// Deliverer is the external storage/webhook collaborator used by Output steps.
type Deliverer interface {
	Deliver(ctx context.Context, payload map[string]interface{}, destination string) (Ack, error)
}

// OutputExecutor delivers the merged dependency outputs to a sink.
//
//	{"destination": "reports/daily", "fields": ["summary", "total"]}
type OutputExecutor struct {
	deliverer Deliverer
}

// NewOutputExecutor creates an OutputExecutor.
func NewOutputExecutor(deliverer Deliverer) *OutputExecutor {
	return &OutputExecutor{deliverer: deliverer}
}

// Execute implements Executor.
func (e *OutputExecutor) Execute(ctx context.Context, req Request) (interface{}, error) {
	if e.deliverer == nil {
		return nil, NewValidationError(req.StepID, "no delivery sink configured")
	}

	destination, err := inputString(req, "destination")
	if err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, NewValidationError(req.StepID, "input \"destination\" is required")
	}
	fields, err := inputStrings(req, "fields")
	if err != nil {
		return nil, err
	}
	extra, err := inputMap(req, "data")
	if err != nil {
		return nil, err
	}

	payload := MergeDeps(req.Deps)
	for k, v := range extra {
		payload[k] = v
	}
	if len(fields) > 0 {
		projected := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			v, ok := payload[f]
			if !ok {
				return nil, NewValidationError(req.StepID, "field %q is not present in the payload", f)
			}
			projected[f] = v
		}
		payload = projected
	}

	ack, err := e.deliverer.Deliver(ctx, payload, destination)
	if err != nil {
		if errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewTimeoutError(req.StepID, err)
		}
		return nil, NewDeliveryError(req.StepID, destination, err)
	}

	return map[string]interface{}{
		"destination": destination,
		"ack":         ack.ID,
		"payload":     payload,
	}, nil
}
