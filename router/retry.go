package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-router/router/trace"
)

// RetryConfig bounds the attempt loop.
type RetryConfig struct {
	Enabled        bool
	MaxRetries     int // total attempts, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64 // backoff is scaled by uniform(1-j, 1+j)
}

// DefaultRetryConfig returns 3 attempts with 100ms doubling backoff capped at 10s and 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:        true,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
	}
}

// MaxAttempts returns the number of dispatches a request may make.
func (c RetryConfig) MaxAttempts() int {
	if !c.Enabled || c.MaxRetries < 1 {
		return 1
	}
	return c.MaxRetries
}

// Target is what one attempt dispatches to: a single worker, or a
// prefill/decode pair when Decode is set.
type Target struct {
	Worker       *Worker
	Decode       *Worker
	RankFallback bool
	Policy       PolicyKind
	Reason       string
}

func (t Target) workers() []*Worker {
	if t.Decode == nil {
		return []*Worker{t.Worker}
	}
	return []*Worker{t.Worker, t.Decode}
}

// String renders the target for logs.
func (t Target) String() string {
	if t.Decode == nil {
		return t.Worker.ID().String()
	}
	return t.Worker.ID().String() + "->" + t.Decode.ID().String()
}

// Outcome is the result of dispatching one attempt.
type Outcome struct {
	Status int
	Header http.Header
	Body   []byte
	// Err is a transport failure; Status is meaningless when set.
	Err error
	// Stage is the pool of the worker that produced this outcome. For a
	// prefill/decode target, RolePrefill means decode was never contacted.
	Stage Role
}

// Retryable reports whether another worker should be tried.
func (o Outcome) Retryable() bool {
	return o.Err != nil || IsRetryableStatus(o.Status)
}

// Succeeded reports a non-error response.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Status < http.StatusBadRequest
}

// workerFault reports whether the outcome counts against the worker's breaker.
func (o Outcome) workerFault() bool {
	return o.Retryable() || o.Status >= http.StatusInternalServerError
}

// surfacedStatus is the status reported to the caller for this outcome.
func (o Outcome) surfacedStatus() int {
	if o.Err == nil {
		return o.Status
	}
	if errors.Is(o.Err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// Result is a completed request: the last target tried and its outcome.
type Result struct {
	Target   Target
	Outcome  Outcome
	Attempts int
}

// SelectFunc picks the target for the next attempt, honoring rc's exclusions.
type SelectFunc func(rc *RequestContext) (Target, error)

// DispatchFunc performs one attempt against target.
type DispatchFunc func(ctx context.Context, target Target, rc *RequestContext) Outcome

// RetryOrchestrator runs the select/dispatch loop with exponential backoff
// and re-selection away from workers that failed.
type RetryOrchestrator struct {
	cfg     RetryConfig
	rng     *LockedRand
	metrics *Metrics
	trace   *trace.RouterTrace
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryOrchestrator creates an orchestrator. rng drives jitter; metrics and tr may be nil.
func NewRetryOrchestrator(cfg RetryConfig, rng *LockedRand, metrics *Metrics, tr *trace.RouterTrace) *RetryOrchestrator {
	if rng == nil {
		rng = NewPartitionedRNG(0).ForSubsystem(SubsystemRetry)
	}
	return &RetryOrchestrator{cfg: cfg, rng: rng, metrics: metrics, trace: tr, sleep: sleepContext}
}

// Config returns the retry settings.
func (o *RetryOrchestrator) Config() RetryConfig { return o.cfg }

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the delay after the given zero-based failed attempt:
// initial*multiplier^attempt scaled by uniform(1-jitter, 1+jitter), never
// above max.
func (o *RetryOrchestrator) Backoff(attempt int) time.Duration {
	base := float64(o.cfg.InitialBackoff) * math.Pow(o.cfg.Multiplier, float64(attempt))
	if j := o.cfg.JitterFactor; j > 0 {
		base *= 1 - j + 2*j*o.rng.Float64()
	}
	return time.Duration(math.Min(base, float64(o.cfg.MaxBackoff)))
}

// Execute routes one request. On success it returns the Result and a nil error.
//
// A non-retryable failure status is returned at once as both a Result (so
// the worker's response can be relayed) and a *DispatchError wrapping
// ErrNonRetryableDispatch. Retryable failures are retried on other workers
// until the attempt budget is spent, then reported the same way with
// ErrRetryableDispatch. Selection errors and cancellation return a nil Result.
func (o *RetryOrchestrator) Execute(ctx context.Context, rc *RequestContext, selectFn SelectFunc, dispatch DispatchFunc) (*Result, error) {
	maxAttempts := o.cfg.MaxAttempts()
	var last *Result

	for rc.Attempt < maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, o.cancelled(rc, last, err)
		}

		target, err := selectFn(rc)
		if err != nil {
			if last != nil {
				// Every eligible worker has been tried; report the last failure.
				o.metrics.recordExhausted()
				return last, o.failure(rc, last, ErrRetryableDispatch, err)
			}
			o.metrics.recordRequest(http.StatusServiceUnavailable)
			return nil, &DispatchError{Status: http.StatusServiceUnavailable, Attempts: rc.Attempt, Worker: WorkerID{Rank: NoRank}, Err: err}
		}

		probes, ok := o.acquire(rc, target)
		if !ok {
			continue
		}

		rc.Attempt++
		o.trace.RecordRouting(routingRecord(rc, target))
		for _, w := range target.workers() {
			w.IncrementLoad()
		}
		start := time.Now()
		out := dispatch(ctx, target, rc)
		latency := time.Since(start)

		if out.Err != nil && ctx.Err() != nil {
			o.abandon(target, probes)
			return nil, o.cancelled(rc, &Result{Target: target, Outcome: out, Attempts: rc.Attempt}, ctx.Err())
		}
		o.settle(target, out, latency, probes)
		last = &Result{Target: target, Outcome: out, Attempts: rc.Attempt}

		if out.Succeeded() {
			o.trace.RecordAttempt(attemptRecord(rc, target, out, 0, latency))
			o.metrics.recordRequest(out.Status)
			return last, nil
		}
		if !out.Retryable() {
			o.trace.RecordAttempt(attemptRecord(rc, target, out, 0, latency))
			return last, o.failure(rc, last, ErrNonRetryableDispatch, nil)
		}

		failed := failedWorker(target, out)
		rc.MarkTried(failed.Role(), failed.ID())
		if rc.Attempt >= maxAttempts {
			o.trace.RecordAttempt(attemptRecord(rc, target, out, 0, latency))
			o.metrics.recordExhausted()
			return last, o.failure(rc, last, ErrRetryableDispatch, nil)
		}

		backoff := o.Backoff(rc.Attempt - 1)
		o.trace.RecordAttempt(attemptRecord(rc, target, out, backoff, latency))
		o.metrics.recordRetry(backoff)
		logrus.Warnf("request %s: attempt %d/%d on %s failed (%s); retrying in %v",
			rc.ID, rc.Attempt, maxAttempts, failed.ID(), describeOutcome(out), backoff)
		if err := o.sleep(ctx, backoff); err != nil {
			return nil, o.cancelled(rc, last, err)
		}
	}
	// Unreachable unless rc arrived with its budget already spent.
	return last, o.failure(rc, last, ErrRetryableDispatch, nil)
}

// acquire claims breaker permission for every worker of target. A refusal
// (probe slot taken since selection) excludes that worker and gives back
// anything already claimed; no attempt is consumed.
func (o *RetryOrchestrator) acquire(rc *RequestContext, target Target) ([]bool, bool) {
	ws := target.workers()
	probes := make([]bool, len(ws))
	for i, w := range ws {
		ok, probe := w.Breaker().Acquire()
		if !ok {
			for k := 0; k < i; k++ {
				if probes[k] {
					ws[k].Breaker().Release()
				}
			}
			rc.MarkTried(w.Role(), w.ID())
			logrus.Debugf("request %s: %s refused by its circuit breaker, reselecting", rc.ID, w.ID())
			return nil, false
		}
		probes[i] = probe
	}
	return probes, true
}

// settle releases load and feeds breakers. probes holds the trial flags
// returned by acquire, in target.workers() order. In a prefill/decode pair
// where prefill failed, decode was never contacted and records nothing.
func (o *RetryOrchestrator) settle(target Target, out Outcome, latency time.Duration, probes []bool) {
	if target.Decode == nil {
		target.Worker.settle(!out.workerFault(), probes[0], latency)
		return
	}
	if out.Stage == RolePrefill {
		target.Worker.settle(!out.workerFault(), probes[0], latency)
		target.Decode.DecrementLoad()
		if probes[1] {
			target.Decode.Breaker().Release()
		}
		return
	}
	target.Worker.settle(true, probes[0], latency)
	target.Decode.settle(!out.workerFault(), probes[1], latency)
}

// abandon undoes an attempt cut short by cancellation.
func (o *RetryOrchestrator) abandon(target Target, probes []bool) {
	for i, w := range target.workers() {
		w.DecrementLoad()
		if probes[i] {
			w.Breaker().Release()
		}
	}
}

func failedWorker(target Target, out Outcome) *Worker {
	if target.Decode != nil && out.Stage == RoleDecode {
		return target.Decode
	}
	return target.Worker
}

func (o *RetryOrchestrator) failure(rc *RequestContext, last *Result, class, cause error) *DispatchError {
	out := last.Outcome
	var err error
	switch {
	case out.Err != nil:
		err = fmt.Errorf("%w: %w", class, out.Err)
	case cause != nil:
		err = fmt.Errorf("%w: status %d, then %w", class, out.Status, cause)
	default:
		err = fmt.Errorf("%w: status %d", class, out.Status)
	}
	status := out.surfacedStatus()
	o.metrics.recordRequest(status)
	return &DispatchError{
		Status:   status,
		Attempts: rc.Attempt,
		Worker:   failedWorker(last.Target, out).ID(),
		Err:      err,
	}
}

func (o *RetryOrchestrator) cancelled(rc *RequestContext, last *Result, cause error) *DispatchError {
	worker := WorkerID{Rank: NoRank}
	if last != nil {
		worker = failedWorker(last.Target, last.Outcome).ID()
	}
	logrus.Debugf("request %s: abandoned after %d attempt(s): %v", rc.ID, rc.Attempt, cause)
	o.metrics.recordRequest(StatusClientClosedRequest)
	return &DispatchError{Status: StatusClientClosedRequest, Attempts: rc.Attempt, Worker: worker, Err: cause}
}

func describeOutcome(out Outcome) string {
	if out.Err != nil {
		return out.Err.Error()
	}
	return fmt.Sprintf("status %d", out.Status)
}

func routingRecord(rc *RequestContext, target Target) trace.RoutingRecord {
	r := trace.RoutingRecord{
		RequestID:    rc.ID,
		Attempt:      rc.Attempt,
		Policy:       string(target.Policy),
		Worker:       target.Worker.ID().String(),
		Reason:       target.Reason,
		RankFallback: target.RankFallback,
	}
	if target.Decode != nil {
		r.DecodeWorker = target.Decode.ID().String()
	}
	return r
}

func attemptRecord(rc *RequestContext, target Target, out Outcome, backoff, latency time.Duration) trace.AttemptRecord {
	r := trace.AttemptRecord{
		RequestID: rc.ID,
		Attempt:   rc.Attempt,
		Worker:    failedWorker(target, out).ID().String(),
		Status:    out.Status,
		Retryable: out.Retryable(),
		Backoff:   backoff,
		Latency:   latency,
	}
	if out.Err != nil {
		r.Error = out.Err.Error()
	}
	return r
}
