// Package metrics exposes Prometheus metrics for workflow runs and steps.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records step and run metrics.
type Collector struct {
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	stepsRunning  prometheus.Gauge
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	eventsDropped prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the engine metrics on registerer. A nil registerer
// uses the Prometheus default registry.
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of steps that reached a terminal status",
		},
		[]string{"type", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds including retries",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
		[]string{"type"},
	)

	c.stepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retries",
		},
		[]string{"type"},
	)

	c.stepsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_running",
			Help:      "Number of steps currently executing",
		},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished workflow runs",
		},
		[]string{"status"},
	)

	c.runDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	c.eventsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events that could not be queued on the event bus",
		},
	)

	return c
}

// RecordStep records a step reaching a terminal status.
func (c *Collector) RecordStep(stepType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(stepType, status).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordRetry counts one retry of a step of stepType.
func (c *Collector) RecordRetry(stepType string) {
	if c == nil {
		return
	}
	c.stepRetries.WithLabelValues(stepType).Inc()
}

// StepStarted increments the running-steps gauge.
func (c *Collector) StepStarted() {
	if c == nil {
		return
	}
	c.stepsRunning.Inc()
}

// StepFinished decrements the running-steps gauge.
func (c *Collector) StepFinished() {
	if c == nil {
		return
	}
	c.stepsRunning.Dec()
}

// RecordRun records a run reaching its final status.
func (c *Collector) RecordRun(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// RecordEventDropped counts an event the bus refused.
func (c *Collector) RecordEventDropped(eventType string, err error) {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
	c.logger.Debug("event dropped", zap.String("event", eventType), zap.Error(err))
}
