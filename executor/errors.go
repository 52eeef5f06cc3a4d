package executor

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a step failure.
type Kind string

// Fatal kinds are never retried; the rest are retryable.
const (
	KindValidation      Kind = "validation"
	KindRule            Kind = "rule"
	KindUnknownStepType Kind = "unknown_step_type"
	KindUpstream        Kind = "upstream"
	KindTimeout         Kind = "timeout"
	KindDelivery        Kind = "delivery"
	KindCancelled       Kind = "cancelled"
	KindPanic           Kind = "panic"
	KindUnclassified    Kind = "unclassified"
)

// Sentinels matched by errors.Is against a StepError of the same kind.
var (
	ErrValidation      = errors.New("validation failed")
	ErrRule            = errors.New("rule failed")
	ErrUnknownStepType = errors.New("unknown step type")
	ErrUpstream        = errors.New("upstream call failed")
	ErrTimeout         = errors.New("step timed out")
	ErrDelivery        = errors.New("delivery failed")
)

var kindSentinels = map[Kind]error{
	KindValidation:      ErrValidation,
	KindRule:            ErrRule,
	KindUnknownStepType: ErrUnknownStepType,
	KindUpstream:        ErrUpstream,
	KindTimeout:         ErrTimeout,
	KindDelivery:        ErrDelivery,
}

// StepError is a classified executor failure.
type StepError struct {
	Kind      Kind
	StepID    string
	Message   string
	Err       error
	Retryable bool
}

func (e *StepError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.StepID != "" {
		return fmt.Sprintf("%s error in step %s: %s", e.Kind, e.StepID, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRule) and friends match by kind.
func (e *StepError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

func newStepError(kind Kind, retryable bool, stepID string, err error, format string, args ...interface{}) *StepError {
	return &StepError{
		Kind:      kind,
		StepID:    stepID,
		Message:   fmt.Sprintf(format, args...),
		Err:       err,
		Retryable: retryable,
	}
}

// NewValidationError reports malformed step input. Fatal.
func NewValidationError(stepID string, format string, args ...interface{}) *StepError {
	return newStepError(KindValidation, false, stepID, nil, format, args...)
}

// NewRuleError reports a malformed or inapplicable transformation rule. Fatal.
func NewRuleError(stepID string, err error) *StepError {
	return newStepError(KindRule, false, stepID, err, "")
}

// NewUnknownStepTypeError reports a step type with no registered executor. Fatal.
func NewUnknownStepTypeError(stepID, stepType string) *StepError {
	return newStepError(KindUnknownStepType, false, stepID, nil, "no executor registered for type %q", stepType)
}

// NewUpstreamError reports a failed call to an external collaborator. Retryable.
func NewUpstreamError(stepID string, err error) *StepError {
	return newStepError(KindUpstream, true, stepID, err, "")
}

// NewTimeoutError reports an attempt that ran past its deadline. Retryable.
func NewTimeoutError(stepID string, err error) *StepError {
	return newStepError(KindTimeout, true, stepID, err, "")
}

// NewDeliveryError reports a failed hand-off to an output sink. Retryable.
func NewDeliveryError(stepID, destination string, err error) *StepError {
	return newStepError(KindDelivery, true, stepID, err, "destination %q", destination)
}

// NewFatalError wraps an arbitrary error so it is never retried.
func NewFatalError(stepID string, kind Kind, err error) *StepError {
	return newStepError(kind, false, stepID, err, "")
}

// IsRetryable reports whether the retry coordinator may try again after err.
// Classified errors carry their own flag, cancellation is final, deadlines are
// retryable, and anything unclassified is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	var se *StepError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnclassified
}
