package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/auterity/workflow-engine/config"
	"github.com/auterity/workflow-engine/events"
	"github.com/auterity/workflow-engine/internal/metrics"
	"github.com/auterity/workflow-engine/types"
)

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithMaxParallelSteps bounds the number of steps executing at once across
// all runs of the engine.
func WithMaxParallelSteps(n int) Option {
	return func(e *WorkflowEngine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithDefaultMaxRetries sets the retry budget of steps without max_retries.
func WithDefaultMaxRetries(n int) Option {
	return func(e *WorkflowEngine) {
		if n >= 0 {
			e.defaultMaxRetries = n
		}
	}
}

// WithRetryPolicy sets the backoff schedule.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *WorkflowEngine) {
		e.retryPolicy = p.normalized()
	}
}

// WithStepTimeout bounds each attempt of steps without timeout_ms. Zero disables it.
func WithStepTimeout(d time.Duration) Option {
	return func(e *WorkflowEngine) {
		if d >= 0 {
			e.stepTimeout = d
		}
	}
}

// WithFailurePolicy sets the policy for definitions that do not choose one.
func WithFailurePolicy(p types.FailurePolicy) Option {
	return func(e *WorkflowEngine) {
		if p != "" && p.Valid() {
			e.failurePolicy = p
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *WorkflowEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records step and run metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *WorkflowEngine) {
		e.metrics = c
	}
}

// WithTracerProvider sets the provider for run and step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *WorkflowEngine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithEventBus publishes lifecycle events on bus. The engine does not stop
// a bus it did not create.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *WorkflowEngine) {
		if bus != nil {
			e.eventBus = bus
			e.ownsBus = false
		}
	}
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *WorkflowEngine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// FromConfig translates engine configuration into options.
func FromConfig(cfg config.EngineConfig) []Option {
	return []Option{
		WithMaxParallelSteps(cfg.MaxParallelSteps),
		WithDefaultMaxRetries(cfg.DefaultMaxRetries),
		WithStepTimeout(cfg.StepTimeout),
		WithFailurePolicy(types.FailurePolicy(cfg.FailurePolicy)),
		WithRetryPolicy(RetryPolicy{
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
			Multiplier: cfg.RetryMultiplier,
			Jitter:     cfg.RetryJitter,
		}),
	}
}
