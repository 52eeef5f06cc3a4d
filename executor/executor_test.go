package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/workflow-engine/types"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
	err      error
}

func (s *recordingSink) Deliver(ctx context.Context, payload map[string]interface{}, destination string) (Ack, error) {
	if s.err != nil {
		return Ack{}, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return Ack{ID: fmt.Sprintf("ack-%d", len(s.payloads)), Destination: destination}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", NewInputExecutor()))
	assert.Error(t, r.Register("x", nil))

	called := false
	require.NoError(t, r.Register("custom", ExecutorFunc(func(ctx context.Context, req Request) (interface{}, error) {
		called = true
		return req.StepID, nil
	})))
	require.NoError(t, r.Register(types.StepTypeInput, NewInputExecutor()))

	out, err := r.Execute(context.Background(), Request{StepID: "s1", Type: "custom"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "s1", out)
	assert.Equal(t, []types.StepType{"custom", types.StepTypeInput}, r.Types())

	_, err = r.Execute(context.Background(), Request{StepID: "s2", Type: "teleport"})
	assert.ErrorIs(t, err, ErrUnknownStepType)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, KindUnknownStepType, KindOf(err))

	assert.Panics(t, func() { r.MustRegister("", nil) })
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(nil, nil, nil)
	assert.Equal(t, []types.StepType{types.StepTypeAI, types.StepTypeInput, types.StepTypeOutput, types.StepTypeProcess}, r.Types())
}

func TestMergeDeps(t *testing.T) {
	merged := MergeDeps(map[string]interface{}{
		"b":    map[string]interface{}{"x": "from-b", "y": 2},
		"a":    map[string]interface{}{"x": "from-a", "z": 1},
		"text": "plain",
		"none": nil,
	})
	assert.Equal(t, map[string]interface{}{"x": "from-b", "y": 2, "z": 1, "text": "plain"}, merged)
	assert.Empty(t, MergeDeps(nil))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
		kind Kind
	}{
		{NewValidationError("s", "bad"), false, KindValidation},
		{NewRuleError("s", errors.New("x")), false, KindRule},
		{NewUpstreamError("s", errors.New("503")), true, KindUpstream},
		{NewTimeoutError("s", context.DeadlineExceeded), true, KindTimeout},
		{NewDeliveryError("s", "d", errors.New("refused")), true, KindDelivery},
		{fmt.Errorf("wrapped: %w", NewRuleError("s", errors.New("x"))), false, KindRule},
		{context.Canceled, false, KindCancelled},
		{context.DeadlineExceeded, true, KindTimeout},
		{errors.New("mystery"), true, KindUnclassified},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(tc.err), tc.err.Error())
		assert.Equal(t, tc.kind, KindOf(tc.err), tc.err.Error())
	}
	assert.False(t, IsRetryable(nil))
}

func TestStepError_Message(t *testing.T) {
	err := NewDeliveryError("out", "bucket/key", errors.New("connection refused"))
	assert.Equal(t, `delivery error in step out: destination "bucket/key": connection refused`, err.Error())
	assert.ErrorIs(t, err, ErrDelivery)
	assert.NotErrorIs(t, err, ErrUpstream)
}

func TestInputExecutor(t *testing.T) {
	e := NewInputExecutor()
	ctx := context.Background()

	out, err := e.Execute(ctx, Request{StepID: "in", Input: map[string]interface{}{
		"data":     map[string]interface{}{"name": "ada"},
		"required": []interface{}{"name"},
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "ada"}, out)

	out, err = e.Execute(ctx, Request{StepID: "in"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, out)

	_, err = e.Execute(ctx, Request{StepID: "in", Input: map[string]interface{}{
		"data":     map[string]interface{}{},
		"required": []interface{}{"name"},
	}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Execute(ctx, Request{StepID: "in", Input: map[string]interface{}{"data": "nope"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProcessExecutor(t *testing.T) {
	e := NewProcessExecutor(nil)
	ctx := context.Background()

	out, err := e.Execute(ctx, Request{
		StepID: "p",
		Input: map[string]interface{}{
			"data": map[string]interface{}{"suffix": "!"},
			"rules": []interface{}{
				map[string]interface{}{"op": "upper", "field": "name"},
				map[string]interface{}{"op": "concat", "fields": []interface{}{"name", "suffix"}, "target": "greeting"},
			},
		},
		Deps: map[string]interface{}{"a": map[string]interface{}{"name": "ada"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ADA!", out.(map[string]interface{})["greeting"])

	_, err = e.Execute(ctx, Request{StepID: "p", Input: map[string]interface{}{
		"rules": []interface{}{map[string]interface{}{"op": "upper", "field": "missing"}},
	}})
	assert.ErrorIs(t, err, ErrRule)
	assert.False(t, IsRetryable(err))

	_, err = e.Execute(ctx, Request{StepID: "p", Input: map[string]interface{}{
		"rules": []interface{}{map[string]interface{}{"op": "expr", "expr": "missing_field", "target": "t"}},
	}})
	assert.ErrorIs(t, err, ErrRule)
	assert.Equal(t, KindRule, KindOf(err))
	assert.False(t, IsRetryable(err))

	_, err = e.Execute(ctx, Request{StepID: "p", Input: map[string]interface{}{"rules": "upper"}})
	assert.ErrorIs(t, err, ErrRule)
}

func TestAIExecutor(t *testing.T) {
	ctx := context.Background()
	var got InferenceRequest
	inf := InferencerFunc(func(ctx context.Context, req InferenceRequest) (string, error) {
		got = req
		return "summary of " + req.Prompt, nil
	})
	e := NewAIExecutor(inf, WithDefaultModel("small"))

	out, err := e.Execute(ctx, Request{
		StepID: "ai",
		Input:  map[string]interface{}{"prompt": "Summarize {{.text}} for {{.who}}", "vars": map[string]interface{}{"who": "ops"}},
		Deps:   map[string]interface{}{"a": map[string]interface{}{"text": "logs"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summarize logs for ops", got.Prompt)
	assert.Equal(t, "small", got.Model)
	assert.Equal(t, "summary of Summarize logs for ops", out.(map[string]interface{})["response"])

	_, err = e.Execute(ctx, Request{StepID: "ai", Input: map[string]interface{}{"prompt": "{{.missing}}"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Execute(ctx, Request{StepID: "ai"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewAIExecutor(nil).Execute(ctx, Request{StepID: "ai", Input: map[string]interface{}{"prompt": "x"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAIExecutor_Failures(t *testing.T) {
	failing := NewAIExecutor(InferencerFunc(func(ctx context.Context, req InferenceRequest) (string, error) {
		return "", errors.New("model overloaded")
	}))
	_, err := failing.Execute(context.Background(), Request{StepID: "ai", Input: map[string]interface{}{"prompt": "x"}})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.True(t, IsRetryable(err))

	slow := NewAIExecutor(InferencerFunc(func(ctx context.Context, req InferenceRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Execute(ctx, Request{StepID: "ai", Input: map[string]interface{}{"prompt": "x"}})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestAIExecutor_RateLimit(t *testing.T) {
	inf := InferencerFunc(func(ctx context.Context, req InferenceRequest) (string, error) {
		return "ok", nil
	})
	e := NewAIExecutor(inf, WithRateLimit(20, 1))
	req := Request{StepID: "ai", Input: map[string]interface{}{"prompt": "x"}}

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
	}
	// burst of one at 20/s: the 2nd and 3rd calls wait ~50ms each
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestOutputExecutor(t *testing.T) {
	sink := &recordingSink{}
	e := NewOutputExecutor(sink)
	ctx := context.Background()

	out, err := e.Execute(ctx, Request{
		StepID: "out",
		Input:  map[string]interface{}{"destination": "reports", "fields": []interface{}{"b", "c"}},
		Deps: map[string]interface{}{
			"B": map[string]interface{}{"b": 1, "noise": true},
			"C": map[string]interface{}{"c": 2},
		},
	})
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "ack-1", m["ack"])
	assert.Equal(t, map[string]interface{}{"b": 1, "c": 2}, m["payload"])
	require.Len(t, sink.payloads, 1)

	_, err = e.Execute(ctx, Request{StepID: "out"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Execute(ctx, Request{StepID: "out", Input: map[string]interface{}{"destination": "r", "fields": []interface{}{"zzz"}}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewOutputExecutor(&recordingSink{err: errors.New("503")}).Execute(ctx, Request{
		StepID: "out", Input: map[string]interface{}{"destination": "r"},
	})
	assert.ErrorIs(t, err, ErrDelivery)
	assert.True(t, IsRetryable(err))

	_, err = NewOutputExecutor(nil).Execute(ctx, Request{StepID: "out", Input: map[string]interface{}{"destination": "r"}})
	assert.ErrorIs(t, err, ErrValidation)
}
