package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthCheckConfig controls active worker probing.
type HealthCheckConfig struct {
	Enabled          bool
	Interval         time.Duration
	Timeout          time.Duration
	Endpoint         string
	FailureThreshold int // consecutive failed probes before marking unhealthy
	SuccessThreshold int // consecutive good probes before marking healthy again
}

// DefaultHealthCheckConfig returns probing every 30s against /health with a 3s timeout.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:          false,
		Interval:         30 * time.Second,
		Timeout:          3 * time.Second,
		Endpoint:         "/health",
		FailureThreshold: 2,
		SuccessThreshold: 1,
	}
}

// ProbeFunc checks one worker. A nil error means healthy.
type ProbeFunc func(ctx context.Context, w *Worker) error

type probeState struct {
	failures  int
	successes int
}

// HealthChecker probes every worker of its registries and flips their health
// flag after enough consecutive results. It is independent of circuit breakers.
type HealthChecker struct {
	cfg        HealthCheckConfig
	probe      ProbeFunc
	registries []*Registry

	mu    sync.Mutex
	state map[*Worker]*probeState
}

// NewHealthChecker creates a checker over the given registries.
func NewHealthChecker(cfg HealthCheckConfig, probe ProbeFunc, registries ...*Registry) *HealthChecker {
	return &HealthChecker{
		cfg:        cfg,
		probe:      probe,
		registries: registries,
		state:      make(map[*Worker]*probeState),
	}
}

// CheckOnce probes every registered worker concurrently and applies the results.
func (h *HealthChecker) CheckOnce(ctx context.Context) {
	var wg sync.WaitGroup
	live := make(map[*Worker]struct{})
	for _, reg := range h.registries {
		for _, w := range reg.Snapshot().Workers() {
			live[w] = struct{}{}
			wg.Add(1)
			go func(reg *Registry, w *Worker) {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
				defer cancel()
				h.apply(reg, w, h.probe(pctx, w))
			}(reg, w)
		}
	}
	wg.Wait()

	h.mu.Lock()
	for w := range h.state {
		if _, ok := live[w]; !ok {
			delete(h.state, w)
		}
	}
	h.mu.Unlock()
}

func (h *HealthChecker) apply(reg *Registry, w *Worker, err error) {
	h.mu.Lock()
	st, ok := h.state[w]
	if !ok {
		st = &probeState{}
		h.state[w] = st
	}
	var flip, healthy bool
	if err != nil {
		st.failures++
		st.successes = 0
		flip = w.IsHealthy() && st.failures >= h.cfg.FailureThreshold
	} else {
		st.successes++
		st.failures = 0
		flip = !w.IsHealthy() && st.successes >= h.cfg.SuccessThreshold
		healthy = true
	}
	h.mu.Unlock()

	if err != nil {
		logrus.Debugf("[%s] health probe %s failed: %v", reg.Name(), w.ID(), err)
	}
	if flip {
		if !healthy {
			logrus.Warnf("[%s] worker %s marked unhealthy: %v", reg.Name(), w.ID(), err)
		}
		reg.SetHealthy(w.ID(), healthy)
	}
}

// Run probes on every interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		h.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WaitForHealthy probes until every registered worker answers successfully,
// or fails once timeout elapses.
func (h *HealthChecker) WaitForHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poll := min(h.cfg.Interval, time.Second)
	if poll <= 0 {
		poll = time.Second
	}
	for {
		pending := h.unready(ctx)
		if len(pending) == 0 {
			return nil
		}
		logrus.Infof("waiting for %d worker(s) to become healthy: %v", len(pending), pending)
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for workers %v to become healthy: %w", pending, ErrNoHealthyWorkers)
		case <-time.After(poll):
		}
	}
}

func (h *HealthChecker) unready(ctx context.Context) []string {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var pending []string
	for _, reg := range h.registries {
		for _, w := range reg.Snapshot().Workers() {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
				defer cancel()
				if err := h.probe(pctx, w); err != nil {
					mu.Lock()
					pending = append(pending, w.ID().String())
					mu.Unlock()
				}
			}(w)
		}
	}
	wg.Wait()
	sort.Strings(pending)
	return pending
}
