package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/auterity/workflow-engine/executor"
)

// RetryState is a state of the per-step retry machine.
type RetryState string

// Retry machine states. Attempting and Waiting alternate until one of the
// three terminal states is reached.
const (
	StateAttempting RetryState = "attempting"
	StateWaiting    RetryState = "waiting"
	StateSucceeded  RetryState = "succeeded"
	StateFailed     RetryState = "failed"
	StateExhausted  RetryState = "exhausted"
)

// Terminal reports whether s ends the machine.
func (s RetryState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateExhausted
}

// RetryPolicy is the exponential backoff schedule shared by all steps.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter adds up to 25% to each delay. It never shortens one.
	Jitter bool
}

// DefaultRetryPolicy returns 200ms doubling up to 30s, without jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Delay returns the wait before retry k (k >= 1) without jitter:
// BaseDelay * Multiplier^(k-1), capped at MaxDelay.
func (p RetryPolicy) Delay(k int) time.Duration {
	p = p.normalized()
	if k < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(k-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Outcome is the result of driving one step through the retry machine.
type Outcome struct {
	Output   interface{}
	Err      error
	Attempts int
	Retries  int
	State    RetryState
	// Transitions lists every state entered, in order.
	Transitions []RetryState
}

// Call is one attempt of a step.
type Call func(ctx context.Context) (interface{}, error)

// Retrier drives calls through attempting and waiting until they succeed,
// fail fatally, or use up their retry budget.
type Retrier struct {
	Policy RetryPolicy
	// Sleep waits between attempts and must return early when ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait with the retry number, the error
	// that caused it and the delay.
	OnRetry func(retry int, err error, delay time.Duration)

	jitter func() float64
}

// NewRetrier creates a Retrier using a timer-based sleep.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{
		Policy: policy.normalized(),
		Sleep:  sleepContext,
		jitter: rand.Float64,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrier) delay(k int) time.Duration {
	d := r.Policy.Delay(k)
	if r.Policy.Jitter && r.jitter != nil {
		d += time.Duration(float64(d) * 0.25 * r.jitter())
		if d > r.Policy.MaxDelay {
			d = r.Policy.MaxDelay
		}
	}
	return d
}

// Run executes call at most 1+maxRetries times. Each attempt is bounded by
// timeout when it is positive; an attempt that overruns it fails with a
// retryable timeout error. Errors that executor.IsRetryable rejects end the
// machine at once.
func (r *Retrier) Run(ctx context.Context, stepID string, maxRetries int, timeout time.Duration, call Call) Outcome {
	if maxRetries < 0 {
		maxRetries = 0
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var out Outcome
	enter := func(s RetryState) {
		out.State = s
		out.Transitions = append(out.Transitions, s)
	}

	for {
		enter(StateAttempting)
		out.Attempts++

		output, err := attempt(ctx, stepID, timeout, call)
		if err == nil {
			out.Output = output
			out.Err = nil
			enter(StateSucceeded)
			break
		}
		out.Err = err

		if ctx.Err() != nil {
			out.Err = executor.NewFatalError(stepID, executor.KindCancelled, ctx.Err())
			enter(StateFailed)
			break
		}
		if !executor.IsRetryable(err) {
			enter(StateFailed)
			break
		}
		if out.Retries >= maxRetries {
			out.Err = fmt.Errorf("step %s failed after %d retries: %w", stepID, out.Retries, err)
			enter(StateExhausted)
			break
		}

		out.Retries++
		d := r.delay(out.Retries)
		if r.OnRetry != nil {
			r.OnRetry(out.Retries, err, d)
		}
		enter(StateWaiting)
		if serr := sleep(ctx, d); serr != nil {
			out.Err = executor.NewFatalError(stepID, executor.KindCancelled, serr)
			enter(StateFailed)
			break
		}
	}
	return out
}

type attemptResult struct {
	output interface{}
	err    error
}

// attempt runs one call under its own deadline. The call runs on its own
// goroutine so an executor that ignores ctx cannot hold the step past the
// deadline; a panic is turned into a fatal error.
func attempt(ctx context.Context, stepID string, timeout time.Duration, call Call) (interface{}, error) {
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptResult{err: executor.NewFatalError(stepID, executor.KindPanic, fmt.Errorf("panic: %v", rec))}
			}
		}()
		output, err := call(attemptCtx)
		done <- attemptResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			var se *executor.StepError
			if !errors.As(res.err, &se) || se.Kind != executor.KindTimeout {
				return nil, executor.NewTimeoutError(stepID, fmt.Errorf("attempt exceeded %s: %w", timeout, res.err))
			}
		}
		return res.output, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, executor.NewTimeoutError(stepID, fmt.Errorf("attempt exceeded %s: %w", timeout, attemptCtx.Err()))
	}
}
