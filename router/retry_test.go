package router

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(cfg RetryConfig) (*RetryOrchestrator, *[]time.Duration) {
	o := NewRetryOrchestrator(cfg, NewPartitionedRNG(7).ForSubsystem(SubsystemRetry), nil, nil)
	var slept []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return o, &slept
}

// roundRobinSelect selects from reg with round robin, honoring exclusions.
func roundRobinSelect(reg *Registry) SelectFunc {
	policy := NewRoutingPolicy("round_robin", PolicyOptions{})
	return func(rc *RequestContext) (Target, error) {
		d, err := policy.Select(reg.Snapshot(), chatRequest("x"), rc, rc.Exclusions(RoleUnified))
		if err != nil {
			return Target{}, err
		}
		return Target{Worker: d.Worker}, nil
	}
}

func statusByURL(statuses map[string]int) DispatchFunc {
	return func(_ context.Context, t Target, _ *RequestContext) Outcome {
		return Outcome{Status: statuses[t.Worker.URL()], Body: []byte(t.Worker.URL())}
	}
}

func TestBackoff_WithinJitterBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	o, _ := newTestOrchestrator(cfg)

	for attempt := 0; attempt < 6; attempt++ {
		base := float64(cfg.InitialBackoff) * float64(int(1)<<attempt)
		for i := 0; i < 50; i++ {
			got := float64(o.Backoff(attempt))
			assert.GreaterOrEqual(t, got, base*(1-cfg.JitterFactor)-1, "attempt %d", attempt)
			assert.LessOrEqual(t, got, base*(1+cfg.JitterFactor)+1, "attempt %d", attempt)
		}
	}
}

func TestBackoff_CappedAtMax(t *testing.T) {
	cfg := DefaultRetryConfig()
	o, _ := newTestOrchestrator(cfg)

	for i := 0; i < 200; i++ {
		assert.Equal(t, cfg.MaxBackoff, o.Backoff(30))
	}
}

func TestBackoff_JitterNeverExceedsMax(t *testing.T) {
	// GIVEN a base delay equal to the cap and wide jitter
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second
	cfg.Multiplier = 1
	cfg.JitterFactor = 0.5
	o, _ := newTestOrchestrator(cfg)

	// WHEN sampling many delays
	var below int
	for i := 0; i < 200; i++ {
		got := o.Backoff(3)
		// THEN upward jitter is clamped and downward jitter still applies
		assert.LessOrEqual(t, got, cfg.MaxBackoff)
		assert.GreaterOrEqual(t, got, 500*time.Millisecond)
		if got < cfg.MaxBackoff {
			below++
		}
	}
	assert.Positive(t, below)
}

func TestBackoff_NoJitterIsExact(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.JitterFactor = 0
	o, _ := newTestOrchestrator(cfg)

	assert.Equal(t, 100*time.Millisecond, o.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, o.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, o.Backoff(2))
	assert.Equal(t, 10*time.Second, o.Backoff(10))
}

func TestRetryConfig_MaxAttempts(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts())
	cfg.Enabled = false
	assert.Equal(t, 1, cfg.MaxAttempts())
}

func TestExecute_AllAttemptsFail_TerminalStatusAndCount(t *testing.T) {
	// GIVEN max_retries=3 and every worker answering 502
	reg := newTestRegistry("http://w0", "http://w1", "http://w2", "http://w3")
	o, slept := newTestOrchestrator(DefaultRetryConfig())
	dispatch := statusByURL(map[string]int{"http://w0": 502, "http://w1": 502, "http://w2": 502, "http://w3": 502})

	// WHEN the request is executed
	res, err := o.Execute(context.Background(), NewRequestContext(RoleUnified), roundRobinSelect(reg), dispatch)

	// THEN the router reports 502 after 3 attempts
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadGateway, de.Status)
	assert.Equal(t, 3, de.Attempts)
	assert.ErrorIs(t, err, ErrRetryableDispatch)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Attempts)
	// two backoffs between three attempts
	assert.Len(t, *slept, 2)
	for _, w := range reg.Snapshot().Workers() {
		assert.Equal(t, int64(0), w.Load(), "load released on %s", w.ID())
	}
}

func TestExecute_RetriesOnDifferentWorker(t *testing.T) {
	reg := newTestRegistry("http://bad", "http://good")
	o, _ := newTestOrchestrator(DefaultRetryConfig())
	var tried []string
	dispatch := func(_ context.Context, t Target, _ *RequestContext) Outcome {
		tried = append(tried, t.Worker.URL())
		if t.Worker.URL() == "http://bad" {
			return Outcome{Status: http.StatusServiceUnavailable}
		}
		return Outcome{Status: http.StatusOK, Body: []byte("ok")}
	}

	rc := NewRequestContext(RoleUnified)
	res, err := o.Execute(context.Background(), rc, roundRobinSelect(reg), dispatch)

	require.NoError(t, err)
	assert.Equal(t, []string{"http://bad", "http://good"}, tried)
	assert.Equal(t, "ok", string(res.Outcome.Body))
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, rc.Tried(RoleUnified, NewWorkerID("http://bad")))
}

func TestExecute_NonRetryableStatusSurfacedImmediately(t *testing.T) {
	reg := newTestRegistry("http://w0", "http://w1")
	o, slept := newTestOrchestrator(DefaultRetryConfig())

	res, err := o.Execute(context.Background(), NewRequestContext(RoleUnified), roundRobinSelect(reg),
		statusByURL(map[string]int{"http://w0": 400, "http://w1": 200}))

	assert.ErrorIs(t, err, ErrNonRetryableDispatch)
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 400, de.Status)
	assert.Equal(t, 1, de.Attempts)
	require.NotNil(t, res)
	assert.Equal(t, "http://w0", string(res.Outcome.Body))
	assert.Empty(t, *slept)
	// a client error does not count against the worker
	w0, _ := reg.Snapshot().Get(NewWorkerID("http://w0"))
	assert.Equal(t, 0, w0.Breaker().ConsecutiveFailures())
}

func TestExecute_TransportErrorIsRetryable(t *testing.T) {
	reg := newTestRegistry("http://w0", "http://w1")
	o, _ := newTestOrchestrator(DefaultRetryConfig())
	dispatch := func(_ context.Context, t Target, _ *RequestContext) Outcome {
		if t.Worker.URL() == "http://w0" {
			return Outcome{Err: errors.New("connection refused")}
		}
		return Outcome{Status: http.StatusOK}
	}

	res, err := o.Execute(context.Background(), NewRequestContext(RoleUnified), roundRobinSelect(reg), dispatch)

	require.NoError(t, err)
	assert.Equal(t, "http://w1", res.Target.Worker.URL())
	w0, _ := reg.Snapshot().Get(NewWorkerID("http://w0"))
	assert.Equal(t, 1, w0.Breaker().ConsecutiveFailures())
}

func TestExecute_PoolExhaustedBeforeBudget(t *testing.T) {
	// GIVEN a single worker and a budget of 3 attempts
	reg := newTestRegistry("http://only")
	o, _ := newTestOrchestrator(DefaultRetryConfig())

	_, err := o.Execute(context.Background(), NewRequestContext(RoleUnified), roundRobinSelect(reg),
		statusByURL(map[string]int{"http://only": 503}))

	// THEN the last failure is reported once no untried worker remains
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 503, de.Status)
	assert.Equal(t, 1, de.Attempts)
	assert.ErrorIs(t, err, ErrNoHealthyWorkers)
}

func TestExecute_NoWorkers(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultRetryConfig())

	_, err := o.Execute(context.Background(), NewRequestContext(RoleUnified), roundRobinSelect(newTestRegistry()),
		statusByURL(nil))

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusServiceUnavailable, de.Status)
	assert.Equal(t, 0, de.Attempts)
	assert.ErrorIs(t, err, ErrNoHealthyWorkers)
}

func TestExecute_DisabledRetries_SingleAttempt(t *testing.T) {
	reg := newTestRegistry("http://w0", "http://w1")
	cfg := DefaultRetryConfig()
	cfg.Enabled = false
	o, _ := newTestOrchestrator(cfg)

	_, err := o.Execute(context.Background(), NewRequestContext(RoleUnified), roundRobinSelect(reg),
		statusByURL(map[string]int{"http://w0": 500, "http://w1": 500}))

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Attempts)
	assert.Equal(t, 500, de.Status)
}

func TestExecute_CancelDuringBackoff_StopsAndReleasesLoad(t *testing.T) {
	reg := newTestRegistry("http://w0", "http://w1")
	o, _ := newTestOrchestrator(DefaultRetryConfig())
	ctx, cancel := context.WithCancel(context.Background())
	o.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	calls := 0
	dispatch := func(_ context.Context, _ Target, _ *RequestContext) Outcome {
		calls++
		return Outcome{Status: http.StatusBadGateway}
	}

	_, err := o.Execute(ctx, NewRequestContext(RoleUnified), roundRobinSelect(reg), dispatch)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StatusClientClosedRequest, de.Status)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	for _, w := range reg.Snapshot().Workers() {
		assert.Equal(t, int64(0), w.Load())
	}
}

func TestExecute_CancelDuringDispatch_NoBreakerFailure(t *testing.T) {
	reg := newTestRegistry("http://w0")
	o, _ := newTestOrchestrator(DefaultRetryConfig())
	ctx, cancel := context.WithCancel(context.Background())
	dispatch := func(ctx context.Context, _ Target, _ *RequestContext) Outcome {
		cancel()
		return Outcome{Err: ctx.Err()}
	}

	_, err := o.Execute(ctx, NewRequestContext(RoleUnified), roundRobinSelect(reg), dispatch)

	assert.ErrorIs(t, err, context.Canceled)
	w0, _ := reg.Snapshot().Get(NewWorkerID("http://w0"))
	assert.Equal(t, int64(0), w0.Load())
	assert.Equal(t, 0, w0.Breaker().ConsecutiveFailures())
}

func TestExecute_SuccessAfterBreakerMovedOnDoesNotCountAsTrial(t *testing.T) {
	// GIVEN a worker whose breaker opens and starts a trial while our request is in flight
	cfg := testBreakerConfig()
	cfg.Timeout = 0
	reg := NewRegistry("test", cfg, nil)
	reg.AddWorker("http://w0", NoRank, RoleUnified)
	w0, _ := reg.Snapshot().Get(NewWorkerID("http://w0"))
	o, _ := newTestOrchestrator(DefaultRetryConfig())
	dispatch := func(_ context.Context, _ Target, _ *RequestContext) Outcome {
		for i := 0; i < cfg.FailureThreshold; i++ {
			w0.Breaker().RecordFailure()
		}
		ok, trial := w0.Breaker().Acquire()
		require.True(t, ok)
		require.True(t, trial)
		return Outcome{Status: http.StatusOK}
	}

	// WHEN our request completes successfully
	res, err := o.Execute(context.Background(), NewRequestContext(RoleUnified), roundRobinSelect(reg), dispatch)

	// THEN the other request still holds the only trial slot
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Outcome.Status)
	assert.Equal(t, StateHalfOpen, w0.Breaker().State())
	assert.False(t, w0.Breaker().CanExecute())
	assert.Equal(t, int64(0), w0.Load())
}

func TestExecute_PairPrefillFailureExcludesOnlyPrefill(t *testing.T) {
	prefill := NewRegistry("prefill", testBreakerConfig(), nil)
	decode := NewRegistry("decode", testBreakerConfig(), nil)
	prefill.AddWorker("http://p0", NoRank, RolePrefill)
	prefill.AddWorker("http://p1", NoRank, RolePrefill)
	decode.AddWorker("http://d0", NoRank, RoleDecode)
	pd := NewPDCoordinator(prefill, decode,
		NewRoutingPolicy("round_robin", PolicyOptions{}), NewRoutingPolicy("round_robin", PolicyOptions{}), nil)
	o, _ := newTestOrchestrator(DefaultRetryConfig())
	req := chatRequest("x")

	selectFn := func(rc *RequestContext) (Target, error) {
		pair, err := pd.SelectPair(req, rc)
		if err != nil {
			return Target{}, err
		}
		return Target{Worker: pair.Prefill, Decode: pair.Decode}, nil
	}
	dispatch := func(_ context.Context, t Target, _ *RequestContext) Outcome {
		if t.Worker.URL() == "http://p0" {
			return Outcome{Status: http.StatusServiceUnavailable, Stage: RolePrefill}
		}
		return Outcome{Status: http.StatusOK, Stage: RoleDecode}
	}

	rc := NewRequestContext(RolePrefill)
	res, err := o.Execute(context.Background(), rc, selectFn, dispatch)

	require.NoError(t, err)
	assert.Equal(t, "http://p1", res.Target.Worker.URL())
	assert.Equal(t, "http://d0", res.Target.Decode.URL())
	assert.True(t, rc.Tried(RolePrefill, NewWorkerID("http://p0")))
	assert.False(t, rc.Tried(RoleDecode, NewWorkerID("http://d0")))
	d0, _ := decode.Snapshot().Get(NewWorkerID("http://d0"))
	assert.Equal(t, int64(0), d0.Load())
	assert.Equal(t, uint64(1), d0.Processed())
}
