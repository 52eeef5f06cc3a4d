package executor

import (
	"bytes"
	"context"
	"errors"
	"text/template"

	"golang.org/x/time/rate"
)

// InferenceRequest is what the AI executor sends to the inference collaborator.
type InferenceRequest struct {
	Prompt string
	Model  string
}

// Inferencer is the external inference service used by AI steps.
type Inferencer interface {
	Infer(ctx context.Context, req InferenceRequest) (string, error)
}

// InferencerFunc adapts a function to the Inferencer interface.
type InferencerFunc func(ctx context.Context, req InferenceRequest) (string, error)

// Infer implements Inferencer.
func (f InferencerFunc) Infer(ctx context.Context, req InferenceRequest) (string, error) {
	return f(ctx, req)
}

// AIOption configures an AIExecutor.
type AIOption func(*AIExecutor)

// WithRateLimit bounds outbound inference calls to rps with the given burst.
func WithRateLimit(rps float64, burst int) AIOption {
	return func(e *AIExecutor) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithDefaultModel sets the model used when a step does not name one.
func WithDefaultModel(model string) AIOption {
	return func(e *AIExecutor) {
		e.model = model
	}
}

// AIExecutor renders a prompt template from dependency outputs and forwards it
// to an Inferencer.
//
//	{"prompt": "Summarize {{.text}}", "model": "small", "vars": {...}}
type AIExecutor struct {
	inferencer Inferencer
	limiter    *rate.Limiter
	model      string
}

// NewAIExecutor creates an AIExecutor.
func NewAIExecutor(inferencer Inferencer, opts ...AIOption) *AIExecutor {
	e := &AIExecutor{inferencer: inferencer}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements Executor.
func (e *AIExecutor) Execute(ctx context.Context, req Request) (interface{}, error) {
	if e.inferencer == nil {
		return nil, NewValidationError(req.StepID, "no inference service configured")
	}

	tmpl, err := inputString(req, "prompt")
	if err != nil {
		return nil, err
	}
	if tmpl == "" {
		return nil, NewValidationError(req.StepID, "input \"prompt\" is required")
	}
	model, err := inputString(req, "model")
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = e.model
	}
	vars, err := inputMap(req, "vars")
	if err != nil {
		return nil, err
	}

	data := MergeDeps(req.Deps)
	for k, v := range vars {
		data[k] = v
	}
	prompt, err := renderPrompt(tmpl, data)
	if err != nil {
		return nil, NewValidationError(req.StepID, "render prompt: %v", err)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, classifyCtxErr(ctx, req.StepID, err)
		}
	}

	resp, err := e.inferencer.Infer(ctx, InferenceRequest{Prompt: prompt, Model: model})
	if err != nil {
		return nil, classifyCtxErr(ctx, req.StepID, err)
	}

	return map[string]interface{}{
		"prompt":   prompt,
		"response": resp,
		"model":    model,
	}, nil
}

func renderPrompt(text string, data map[string]interface{}) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// classifyCtxErr maps a collaborator failure to the executor taxonomy.
func classifyCtxErr(ctx context.Context, stepID string, err error) error {
	switch {
	case errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewTimeoutError(stepID, err)
	}
	return NewUpstreamError(stepID, err)
}
