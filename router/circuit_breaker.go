package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds the per-worker breaker thresholds.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration // Open -> HalfOpen delay
	Window           time.Duration // failures older than this do not count toward opening
}

// DefaultCircuitBreakerConfig returns the stock thresholds: open after 5
// failures within 60s, probe after 30s, close after 2 successful probes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
	}
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(name string, from, to CircuitState)

// CircuitBreaker isolates one failing worker.
//
// Closed admits everything. FailureThreshold consecutive failures inside Window
// move it to Open, which admits nothing until Timeout has elapsed. It then behaves
// as HalfOpen: one trial request at a time. SuccessThreshold consecutive trial
// successes close it again; any trial failure reopens it and restarts the timer.
//
// State and CanExecute are lock-free reads. Outcome recording and transitions
// take the breaker's own mutex, so breakers never contend with each other.
type CircuitBreaker struct {
	name         string
	cfg          CircuitBreakerConfig
	now          func() time.Time
	onTransition TransitionFunc

	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos of the last move into Open
	probing  atomic.Bool  // a HalfOpen trial is in flight

	mu             sync.Mutex
	failures       []time.Time // consecutive failures, oldest first
	successes      int
	lastTransition time.Time
}

// NewCircuitBreaker creates a Closed breaker. name is used in logs and metrics.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(name, cfg, time.Now, nil)
}

func newCircuitBreaker(name string, cfg CircuitBreakerConfig, now func() time.Time, onTransition TransitionFunc) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:           name,
		cfg:            cfg,
		now:            now,
		onTransition:   onTransition,
		lastTransition: now(),
	}
}

// State returns the effective state. An Open breaker whose timeout has elapsed
// reports HalfOpen even before the first trial claims it.
func (cb *CircuitBreaker) State() CircuitState {
	s := CircuitState(cb.state.Load())
	if s == StateOpen && cb.timeoutElapsed() {
		return StateHalfOpen
	}
	return s
}

// CanExecute reports whether the worker is eligible for selection: Closed, or
// due for a probe with the trial slot free. It does not claim the slot.
func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.cfg.Enabled {
		return true
	}
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		return cb.timeoutElapsed() && !cb.probing.Load()
	default:
		return !cb.probing.Load()
	}
}

// Allow claims permission to dispatch. In HalfOpen it claims the single trial
// slot; a caller that gets true must later record an outcome or call Release.
func (cb *CircuitBreaker) Allow() bool {
	ok, _ := cb.Acquire()
	return ok
}

// Acquire is Allow that also reports whether the trial slot was claimed.
func (cb *CircuitBreaker) Acquire() (ok, probe bool) {
	if !cb.cfg.Enabled {
		return true, false
	}
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		return true, false
	case StateOpen:
		if !cb.timeoutElapsed() {
			return false, false
		}
		cb.mu.Lock()
		if CircuitState(cb.state.Load()) == StateOpen {
			cb.transitionLocked(StateHalfOpen)
		}
		cb.mu.Unlock()
	}
	if CircuitState(cb.state.Load()) == StateClosed {
		return true, false
	}
	if cb.probing.CompareAndSwap(false, true) {
		return true, true
	}
	return false, false
}

// Release gives back a trial slot claimed by Acquire without recording an outcome.
func (cb *CircuitBreaker) Release() {
	cb.probing.Store(false)
}

// RecordSuccess records a successful dispatch made by the trial holder, or
// by any caller while Closed.
func (cb *CircuitBreaker) RecordSuccess() { cb.Record(true, true) }

// RecordFailure records a failed dispatch made by the trial holder, or by
// any caller while Closed.
func (cb *CircuitBreaker) RecordFailure() { cb.Record(false, true) }

// Record records the outcome of a dispatch admitted by Acquire. probe is the
// flag Acquire returned. While HalfOpen only the trial holder's outcome
// counts: a request admitted while Closed that finishes after the breaker
// moved on neither frees the trial slot nor votes on the trial.
func (cb *CircuitBreaker) Record(success, probe bool) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if success {
			cb.failures = cb.failures[:0]
			return
		}
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if !probe {
			return
		}
		if !success {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.probing.Store(false)
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

// ConsecutiveFailures returns the failures currently counting toward opening.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(cb.now())
	return len(cb.failures)
}

// LastTransition returns when the breaker last changed state.
func (cb *CircuitBreaker) LastTransition() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastTransition
}

func (cb *CircuitBreaker) timeoutElapsed() bool {
	opened := time.Unix(0, cb.openedAt.Load())
	return !cb.now().Before(opened.Add(cb.cfg.Timeout))
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	if cb.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-cb.cfg.Window)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := CircuitState(cb.state.Load())
	now := cb.now()
	cb.failures = cb.failures[:0]
	cb.successes = 0
	cb.lastTransition = now
	if to == StateOpen {
		cb.openedAt.Store(now.UnixNano())
	}
	cb.probing.Store(false)
	cb.state.Store(int32(to))

	switch to {
	case StateOpen:
		logrus.Warnf("circuit breaker for %s: %s -> %s", cb.name, from, to)
	default:
		logrus.Infof("circuit breaker for %s: %s -> %s", cb.name, from, to)
	}
	if cb.onTransition != nil {
		cb.onTransition(cb.name, from, to)
	}
}
