package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/auterity/workflow-engine/events"
	"github.com/auterity/workflow-engine/executor"
	"github.com/auterity/workflow-engine/internal/metrics"
	"github.com/auterity/workflow-engine/storage"
	"github.com/auterity/workflow-engine/types"
)

// Standard error definitions
var (
	ErrEngineStopped = errors.New("engine is stopped")
	ErrRunNotActive  = errors.New("run is not active")
)

const tracerName = "github.com/auterity/workflow-engine/workflow"

// WorkflowEngine plans workflow definitions and executes their steps in
// dependency order, at most maxParallel steps at a time.
type WorkflowEngine struct {
	generate generator.Generator
	storage  storage.Storage
	registry *executor.Registry
	eventBus *events.EventBus
	ownsBus  bool
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	maxParallel       int
	sem               *semaphore.Weighted
	defaultMaxRetries int
	stepTimeout       time.Duration
	failurePolicy     types.FailurePolicy
	retryPolicy       RetryPolicy
	sleep             func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	active  map[uint64]*activeRun
	stopped bool
	wg      sync.WaitGroup

	running atomic.Int64
	peak    atomic.Int64
}

// activeRun is the control block of a run that is still executing.
type activeRun struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// NewWorkflowEngine creates a new WorkflowEngine. A nil store falls back to
// an in-memory store.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, registry *executor.Registry, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if registry == nil {
		return nil, errors.New("executor registry is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &WorkflowEngine{
		generate:          generate,
		storage:           store,
		registry:          registry,
		logger:            zap.NewNop(),
		tracer:            otel.GetTracerProvider().Tracer(tracerName),
		maxParallel:       4,
		defaultMaxRetries: 3,
		stepTimeout:       30 * time.Second,
		failurePolicy:     types.FailurePolicyStop,
		retryPolicy:       DefaultRetryPolicy(),
		sleep:             sleepContext,
		active:            make(map[uint64]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	e.sem = semaphore.NewWeighted(int64(e.maxParallel))
	return e, nil
}

// SubscribeEvent subscribes an event handler to a lifecycle event type.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a handler added with SubscribeEvent and reports
// whether it was subscribed.
func (e *WorkflowEngine) UnsubscribeEvent(eventType string, handler events.EventHandler) bool {
	return e.eventBus.Unsubscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (e *WorkflowEngine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RunningSteps returns the number of steps executing right now.
func (e *WorkflowEngine) RunningSteps() int {
	return int(e.running.Load())
}

// PeakRunningSteps returns the highest RunningSteps value observed.
func (e *WorkflowEngine) PeakRunningSteps() int {
	return int(e.peak.Load())
}

// Execute runs def to completion and returns the final run. The returned
// error is non-nil only when the run could not be planned or recorded; step
// failures are reported through the run status.
func (e *WorkflowEngine) Execute(ctx context.Context, def types.WorkflowDefinition) (*types.WorkflowRun, error) {
	run, plan, ar, runCtx, err := e.start(ctx, def, ctx)
	if err != nil {
		return nil, err
	}
	e.drive(runCtx, context.WithoutCancel(ctx), run, plan, ar)
	return e.GetExecutionStatus(context.WithoutCancel(ctx), run.ID)
}

// Submit plans and records a run, then executes it in the background.
func (e *WorkflowEngine) Submit(ctx context.Context, def types.WorkflowDefinition) (uint64, error) {
	base := context.WithoutCancel(ctx)
	run, plan, ar, runCtx, err := e.start(ctx, def, base)
	if err != nil {
		return 0, err
	}
	go e.drive(runCtx, base, run, plan, ar)
	return run.ID, nil
}

// Wait blocks until a submitted run finishes and returns its final state.
func (e *WorkflowEngine) Wait(ctx context.Context, runID uint64) (*types.WorkflowRun, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()

	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.GetExecutionStatus(ctx, runID)
}

// GetExecutionStatus returns a snapshot of a run.
func (e *WorkflowEngine) GetExecutionStatus(ctx context.Context, runID uint64) (*types.WorkflowRun, error) {
	run, err := e.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %d: %w", runID, err)
	}
	return &run, nil
}

// Cancel stops a run. Steps already executing are asked to stop, no further
// steps start, and results of succeeded steps are kept.
func (e *WorkflowEngine) Cancel(runID uint64) error {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()

	if !ok {
		if _, err := e.storage.GetRun(context.Background(), runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: id=%d", ErrRunNotActive, runID)
	}
	ar.cancelled.Store(true)
	ar.cancel()
	e.logger.Info("run cancellation requested", zap.Uint64("run_id", runID))
	return nil
}

// Stop cancels every active run, waits for them to finish and stops the
// event bus if the engine created it.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	for _, ar := range e.active {
		ar.cancelled.Store(true)
		ar.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.ownsBus {
		e.eventBus.Stop()
	}
	return nil
}

// start plans def and records a new run with every step pending. The run
// context derives from base and is cancelled by Cancel and Stop.
func (e *WorkflowEngine) start(ctx context.Context, def types.WorkflowDefinition, base context.Context) (types.WorkflowRun, types.ExecutionPlan, *activeRun, context.Context, error) {
	fail := func(err error) (types.WorkflowRun, types.ExecutionPlan, *activeRun, context.Context, error) {
		return types.WorkflowRun{}, types.ExecutionPlan{}, nil, nil, err
	}

	plan, err := Plan(def)
	if err != nil {
		return fail(err)
	}
	def, _ = def.Clone().Normalize()

	id, err := e.GenerateID()
	if err != nil {
		return fail(fmt.Errorf("failed to generate ID: %w", err))
	}

	now := time.Now().UnixMilli()
	run := types.WorkflowRun{
		ID:         id,
		WorkflowID: def.ID,
		Definition: def,
		Plan:       plan.Batches,
		Status:     types.RunRunning,
		Steps:      make(map[string]types.StepResult, len(def.Steps)),
		Context:    make(map[string]interface{}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for stepID, s := range def.Steps {
		run.Steps[stepID] = types.StepResult{StepID: stepID, Type: s.Type, Status: types.StepPending}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fail(ErrEngineStopped)
	}
	if err := e.storage.CreateRun(ctx, run); err != nil {
		return fail(fmt.Errorf("failed to create run: %w", err))
	}
	runCtx, cancel := context.WithCancel(base)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.active[id] = ar
	e.wg.Add(1)
	return run, plan, ar, runCtx, nil
}

// runState is the coordinator's view of one run while it executes.
type runState struct {
	mu      sync.Mutex
	results map[string]types.StepResult
}

func (s *runState) get(stepID string) types.StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[stepID]
}

func (s *runState) set(r types.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.StepID] = r
}

// drive executes the batches of plan. runCtx is cancelled by Cancel and
// Stop; storeCtx outlives it so the final state is always recorded.
func (e *WorkflowEngine) drive(runCtx, storeCtx context.Context, run types.WorkflowRun, plan types.ExecutionPlan, ar *activeRun) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		ar.cancel()
		close(ar.done)
	}()

	def := run.Definition
	policy := def.FailurePolicy
	if policy == "" {
		policy = e.failurePolicy
	}
	log := e.logger.With(zap.Uint64("run_id", run.ID), zap.String("workflow_id", def.ID))

	runCtx, span := e.tracer.Start(runCtx, "workflow.run", trace.WithAttributes(
		attribute.Int64("workflow.run_id", int64(run.ID)),
		attribute.String("workflow.id", def.ID),
		attribute.Int("workflow.steps", len(def.Steps)),
		attribute.Int("workflow.batches", len(plan.Batches)),
		attribute.String("workflow.failure_policy", string(policy)),
	))
	defer span.End()

	started := time.Now()
	log.Info("run started", zap.Int("steps", len(def.Steps)), zap.Int("batches", len(plan.Batches)))
	e.publish(events.RunStarted, run.ID, "", map[string]interface{}{
		"workflow_id": def.ID,
		"batches":     plan.Batches,
	})

	state := &runState{results: make(map[string]types.StepResult, len(def.Steps))}
	for id, r := range run.Steps {
		state.results[id] = r
	}

	var storeErr error
	aborted := false
	// blocked holds every step downstream of a step that did not succeed.
	blocked := make(map[string]bool)
	for _, batch := range plan.Batches {
		if runCtx.Err() != nil {
			aborted = true
		}
		if aborted {
			for _, stepID := range batch {
				if err := e.skip(storeCtx, run.ID, def.Steps[stepID], state); err != nil && storeErr == nil {
					storeErr = err
				}
			}
			continue
		}

		var g errgroup.Group
		for _, stepID := range batch {
			s := def.Steps[stepID]
			if blocked[stepID] {
				if err := e.skip(storeCtx, run.ID, s, state); err != nil && storeErr == nil {
					storeErr = err
				}
				continue
			}
			g.Go(func() error {
				return e.runStep(runCtx, storeCtx, run.ID, s, state, log)
			})
		}
		if err := g.Wait(); err != nil && storeErr == nil {
			storeErr = err
		}
		if unsuccessful := notSucceeded(batch, state); len(unsuccessful) > 0 {
			var newly []string
			for id := range dependentsOf(def, unsuccessful...) {
				if !blocked[id] {
					blocked[id] = true
					newly = append(newly, id)
				}
			}
			if len(newly) > 0 {
				sort.Strings(newly)
				log.Info("steps blocked by upstream failure", zap.Strings("failed", unsuccessful), zap.Strings("blocked", newly))
			}
		}

		if storeErr != nil {
			aborted = true
			continue
		}
		if policy == types.FailurePolicyStop && len(notSucceeded(batch, state)) > 0 {
			log.Info("stopping run after failed batch")
			aborted = true
		}
	}

	cancelled := ar.cancelled.Load() || errors.Is(runCtx.Err(), context.Canceled)
	status, summary := summarize(def, state, cancelled)
	if storeErr != nil {
		status = types.RunFailed
		summary = fmt.Sprintf("run aborted: %v", storeErr)
	}
	if err := e.storage.FinishRun(storeCtx, run.ID, status, summary, cancelled); err != nil {
		log.Error("failed to record run result", zap.Error(err))
	}

	elapsed := time.Since(started)
	e.metrics.RecordRun(string(status), elapsed)
	span.SetAttributes(attribute.String("workflow.status", string(status)), attribute.Bool("workflow.cancelled", cancelled))
	if status != types.RunCompleted {
		span.SetStatus(codes.Error, summary)
	}

	fields := []zap.Field{zap.String("status", string(status)), zap.Duration("elapsed", elapsed), zap.Bool("cancelled", cancelled)}
	if status == types.RunCompleted {
		log.Info("run finished", fields...)
	} else {
		log.Warn("run finished", append(fields, zap.String("error", summary))...)
	}
	e.publish(events.RunFinished, run.ID, "", map[string]interface{}{
		"status":    string(status),
		"error":     summary,
		"cancelled": cancelled,
	})
}

// runStep executes one step under the parallelism bound and records its
// result. The returned error is a storage failure only.
func (e *WorkflowEngine) runStep(runCtx, storeCtx context.Context, runID uint64, s types.StepDefinition, state *runState, log *zap.Logger) error {
	log = log.With(zap.String("step_id", s.ID), zap.String("step_type", string(s.Type)))

	if err := e.sem.Acquire(runCtx, 1); err != nil {
		return e.skip(storeCtx, runID, s, state)
	}
	defer e.sem.Release(1)
	e.stepStarted()
	defer e.stepFinished()

	ctx, span := e.tracer.Start(runCtx, "workflow.step", trace.WithAttributes(
		attribute.Int64("workflow.run_id", int64(runID)),
		attribute.String("workflow.step_id", s.ID),
		attribute.String("workflow.step_type", string(s.Type)),
	))
	defer span.End()

	start := time.Now()
	result := types.StepResult{
		StepID:    s.ID,
		Type:      s.Type,
		Status:    types.StepRunning,
		StartedAt: start.UnixMilli(),
	}
	if err := e.record(storeCtx, runID, result, state); err != nil {
		return err
	}
	log.Debug("step running")

	deps := make(map[string]interface{}, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		deps[dep] = state.get(dep).Output
	}
	req := executor.Request{
		RunID:  runID,
		StepID: s.ID,
		Type:   s.Type,
		Input:  s.Input,
		Deps:   deps,
	}

	maxRetries := e.defaultMaxRetries
	if s.MaxRetries != nil {
		maxRetries = *s.MaxRetries
	}
	timeout := e.stepTimeout
	if s.TimeoutMs > 0 {
		timeout = time.Duration(s.TimeoutMs) * time.Millisecond
	}

	retrier := NewRetrier(e.retryPolicy)
	retrier.Sleep = e.sleep
	retrier.OnRetry = func(retry int, err error, delay time.Duration) {
		log.Warn("step attempt failed, retrying",
			zap.Int("retry", retry), zap.Int("max_retries", maxRetries),
			zap.Duration("delay", delay), zap.Error(err))
		e.metrics.RecordRetry(string(s.Type))
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("retry", retry), attribute.String("error", err.Error())))
		e.publish(events.StepRetrying, runID, s.ID, map[string]interface{}{
			"retry": retry,
			"delay": delay.String(),
			"error": err.Error(),
		})
	}

	out := retrier.Run(ctx, s.ID, maxRetries, timeout, func(ctx context.Context) (interface{}, error) {
		return e.registry.Execute(ctx, req)
	})

	finished := time.Now()
	result.RetryCount = out.Retries
	result.Attempts = out.Attempts
	result.Duration = finished.Sub(start)
	result.FinishedAt = finished.UnixMilli()
	switch out.State {
	case StateSucceeded:
		result.Status = types.StepSucceeded
		result.Output = out.Output
	case StateExhausted:
		result.Status = types.StepDeadLettered
	default:
		result.Status = types.StepFailed
	}
	if out.Err != nil {
		result.Error = out.Err.Error()
		result.ErrorKind = string(executor.KindOf(out.Err))
	}

	span.SetAttributes(
		attribute.String("workflow.step_status", string(result.Status)),
		attribute.Int("workflow.attempts", result.Attempts),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, result.Error)
	}
	e.metrics.RecordStep(string(s.Type), string(result.Status), result.Duration)

	if result.Status == types.StepSucceeded {
		log.Info("step succeeded", zap.Int("retries", result.RetryCount), zap.Duration("duration", result.Duration))
	} else {
		log.Warn("step did not succeed",
			zap.String("status", string(result.Status)),
			zap.String("error_kind", result.ErrorKind),
			zap.Int("attempts", result.Attempts),
			zap.Error(out.Err))
	}
	return e.record(storeCtx, runID, result, state)
}

// skip records a step that will never run. A step with a dependency that did
// not succeed is skipped for that reason, even when the run was also aborted.
func (e *WorkflowEngine) skip(storeCtx context.Context, runID uint64, s types.StepDefinition, state *runState) error {
	reason := types.ReasonRunAborted
	msg := "run aborted before the step started"
	if dep, status, ok := unmetDependency(s, state); ok {
		reason = types.ReasonDependencyFailure
		msg = fmt.Sprintf("dependency %s is %s", dep, status)
	}
	return e.record(storeCtx, runID, types.StepResult{
		StepID:     s.ID,
		Type:       s.Type,
		Status:     types.StepSkipped,
		Reason:     reason,
		Error:      "skipped: " + msg,
		FinishedAt: time.Now().UnixMilli(),
	}, state)
}

// record publishes a step transition to the store, the coordinator state
// and the event bus.
func (e *WorkflowEngine) record(storeCtx context.Context, runID uint64, result types.StepResult, state *runState) error {
	if err := e.storage.UpsertStep(storeCtx, runID, result); err != nil {
		return fmt.Errorf("failed to record step %s: %w", result.StepID, err)
	}
	state.set(result)

	data := map[string]interface{}{
		"status":      string(result.Status),
		"retry_count": result.RetryCount,
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	if result.Reason != "" {
		data["reason"] = result.Reason
	}
	e.publish(events.StepStateChanged, runID, result.StepID, data)
	return nil
}

func (e *WorkflowEngine) publish(eventType string, runID uint64, stepID string, data map[string]interface{}) {
	if !e.eventBus.HasSubscribers(eventType) {
		return
	}
	err := e.eventBus.Publish(context.Background(), events.Event{
		Type:   eventType,
		RunID:  runID,
		StepID: stepID,
		Data:   data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.metrics.RecordEventDropped(eventType, err)
	}
}

func (e *WorkflowEngine) stepStarted() {
	n := e.running.Add(1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	e.metrics.StepStarted()
}

func (e *WorkflowEngine) stepFinished() {
	e.running.Add(-1)
	e.metrics.StepFinished()
}

// notSucceeded returns the steps of batch that did not succeed, in batch order.
func notSucceeded(batch []string, state *runState) []string {
	var out []string
	for _, id := range batch {
		if state.get(id).Status != types.StepSucceeded {
			out = append(out, id)
		}
	}
	return out
}

// unmetDependency returns the first dependency of s that did not succeed.
func unmetDependency(s types.StepDefinition, state *runState) (string, types.StepStatus, bool) {
	for _, dep := range s.DependsOn {
		if st := state.get(dep).Status; st != types.StepSucceeded {
			return dep, st, true
		}
	}
	return "", "", false
}

// summarize derives the run status from the step results. A run completes
// only when every step succeeded.
func summarize(def types.WorkflowDefinition, state *runState, cancelled bool) (types.RunStatus, string) {
	var failed, skipped []string
	ids := make([]string, 0, len(def.Steps))
	for id := range def.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := state.get(id)
		switch {
		case r.Status == types.StepSucceeded:
		case r.Status == types.StepSkipped:
			skipped = append(skipped, id)
		default:
			failed = append(failed, fmt.Sprintf("%s (%s)", id, r.Status))
		}
	}

	if len(failed) == 0 && len(skipped) == 0 && !cancelled {
		return types.RunCompleted, ""
	}

	var parts []string
	if cancelled {
		parts = append(parts, "run cancelled")
	}
	if len(failed) > 0 {
		parts = append(parts, "failed steps: "+strings.Join(failed, ", "))
	}
	if len(skipped) > 0 {
		parts = append(parts, "skipped steps: "+strings.Join(skipped, ", "))
	}
	return types.RunFailed, strings.Join(parts, "; ")
}
