package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, nil)

	// GIVEN four consecutive failures (threshold is 5)
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	// THEN the breaker is still closed
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())

	// WHEN the fifth failure arrives
	cb.RecordFailure()

	// THEN the breaker is open and rejects traffic
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := newCircuitBreaker("w0", testBreakerConfig(), newFakeClock().Now, nil)

	// GIVEN 4 failures, one success, then 4 more failures
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}

	// THEN the failures were never consecutive enough to open
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 4, cb.ConsecutiveFailures())
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, nil)

	// GIVEN 4 failures followed by a pause longer than the window
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	clock.Advance(61 * time.Second)

	// WHEN one more failure arrives
	cb.RecordFailure()

	// THEN only the recent failure counts
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.ConsecutiveFailures())
}

func TestCircuitBreaker_HalfOpenAfterTimeout_SingleProbe(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	// WHEN the timeout has not yet elapsed
	clock.Advance(29 * time.Second)
	// THEN the breaker stays open
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	// WHEN the timeout elapses
	clock.Advance(time.Second)

	// THEN exactly one trial is admitted
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.CanExecute())
	assert.True(t, cb.Allow(), "first probe admitted")
	assert.False(t, cb.Allow(), "second concurrent probe rejected")
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(30 * time.Second)

	// GIVEN one successful probe (threshold is 2)
	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())

	// WHEN a second probe succeeds
	require.True(t, cb.Allow())
	cb.RecordSuccess()

	// THEN the breaker closes with counters reset
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.ConsecutiveFailures())
	assert.Equal(t, clock.Now(), cb.LastTransition())
}

func TestCircuitBreaker_HalfOpenFailureReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.True(t, cb.Allow())

	// WHEN the probe fails
	cb.RecordFailure()

	// THEN the breaker reopens and the full timeout applies again
	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(29 * time.Second)
	assert.False(t, cb.CanExecute())
	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_ReleaseFreesProbeSlot(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, nil)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.True(t, cb.Allow())

	// WHEN the claimed probe is released unused
	cb.Release()

	// THEN another caller can claim it
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_Disabled_AlwaysAdmits(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Enabled = false
	cb := newCircuitBreaker("w0", cfg, newFakeClock().Now, nil)

	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_TransitionObserver(t *testing.T) {
	clock := newFakeClock()
	var seen []string
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, func(name string, from, to CircuitState) {
		seen = append(seen, name+":"+from.String()+"->"+to.String())
	})

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordSuccess()

	assert.Equal(t, []string{
		"w0:closed->open",
		"w0:open->half_open",
		"w0:half_open->closed",
	}, seen)
}

func TestCircuitBreaker_LateNonTrialOutcomeIgnoredWhileHalfOpen(t *testing.T) {
	// GIVEN a request admitted while Closed that is still in flight
	clock := newFakeClock()
	cb := newCircuitBreaker("w0", testBreakerConfig(), clock.Now, nil)
	ok, straggler := cb.Acquire()
	require.True(t, ok)
	require.False(t, straggler)

	// AND the breaker has since opened and handed its trial slot to another request
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	ok, trial := cb.Acquire()
	require.True(t, ok)
	require.True(t, trial)

	// WHEN the straggler finishes, successfully or not
	cb.Record(true, straggler)
	cb.Record(false, straggler)

	// THEN the trial slot stays taken and the trial is unaffected
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.CanExecute())
	ok, _ = cb.Acquire()
	assert.False(t, ok, "second concurrent trial rejected")

	// AND only the trial holder's outcomes move the breaker
	cb.Record(true, trial)
	ok, trial = cb.Acquire()
	require.True(t, ok)
	cb.Record(true, trial)
	assert.Equal(t, StateClosed, cb.State())
}
