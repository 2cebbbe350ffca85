package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-router/router/trace"
)

// Dispatcher sends one attempt to its target workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, target Target, req *RoutingRequest, rc *RequestContext) Outcome
}

// Router ties the pools, policies, retry loop and dispatcher together.
// In regular mode it owns one pool; in prefill/decode mode it owns two,
// coordinated by a PDCoordinator.
type Router struct {
	cfg        RouterConfig
	metrics    *Metrics
	trace      *trace.RouterTrace
	rng        *PartitionedRNG
	dispatcher Dispatcher
	probe      ProbeFunc

	workers *Registry // regular mode
	policy  *Policy
	pd      *PDCoordinator // prefill/decode mode

	retry  *RetryOrchestrator
	health *HealthChecker
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics records routing metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithProbe sets the health probe used when health checking is enabled.
func WithProbe(p ProbeFunc) Option {
	return func(r *Router) { r.probe = p }
}

// New validates cfg and builds a Router with the configured workers registered.
func New(cfg RouterConfig, dispatcher Dispatcher, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	r := &Router{
		cfg:        cfg,
		rng:        NewPartitionedRNG(cfg.Seed),
		dispatcher: dispatcher,
		trace:      trace.NewRouterTrace(cfg.TraceConfig()),
	}
	for _, opt := range opts {
		opt(r)
	}

	cb := cfg.CircuitBreakerConfig()
	if cfg.IsPD() {
		prefill := NewRegistry(RolePrefill.String(), cb, r.metrics)
		decode := NewRegistry(RoleDecode.String(), cb, r.metrics)
		r.pd = NewPDCoordinator(prefill, decode,
			r.newPolicy(cfg.EffectivePrefillPolicy(), RolePrefill.String()),
			r.newPolicy(cfg.EffectiveDecodePolicy(), RoleDecode.String()),
			r.metrics)
		for _, u := range cfg.PrefillURLs {
			prefill.AddWorkerURL(u, RolePrefill, cfg.DPSize)
		}
		for _, u := range cfg.DecodeURLs {
			decode.AddWorkerURL(u, RoleDecode, cfg.DPSize)
		}
		logrus.Infof("prefill/decode router: %d prefill (%s), %d decode (%s)",
			prefill.Snapshot().Len(), r.pd.prefillPolicy.Kind(), decode.Snapshot().Len(), r.pd.decodePolicy.Kind())
	} else {
		r.workers = NewRegistry(RoleUnified.String(), cb, r.metrics)
		r.policy = r.newPolicy(cfg.Policy, "default")
		r.policy.Attach(r.workers)
		for _, u := range cfg.WorkerURLs {
			r.workers.AddWorkerURL(u, RoleUnified, cfg.DPSize)
		}
		logrus.Infof("router: %d workers (%s)", r.workers.Snapshot().Len(), r.policy.Kind())
	}

	r.retry = NewRetryOrchestrator(cfg.RetryConfig(), r.rng.ForSubsystem(SubsystemRetry), r.metrics, r.trace)
	if hc := cfg.HealthCheckConfig(); hc.Enabled && r.probe != nil {
		r.health = NewHealthChecker(hc, r.probe, r.Registries()...)
	}
	return r, nil
}

func (r *Router) newPolicy(name, pool string) *Policy {
	return NewRoutingPolicy(name, PolicyOptions{
		RNG:        r.rng.ForSubsystem(SubsystemPolicy(pool)),
		CacheAware: r.cfg.CacheAwareConfig(),
		Metrics:    r.metrics,
	})
}

// Config returns the configuration the router was built with.
func (r *Router) Config() RouterConfig { return r.cfg }

// Trace returns the decision trace, nil when tracing is off.
func (r *Router) Trace() *trace.RouterTrace { return r.trace }

// IsPD reports whether the router runs prefill/decode disaggregation.
func (r *Router) IsPD() bool { return r.pd != nil }

// Registries returns the router's pools.
func (r *Router) Registries() []*Registry {
	if r.pd != nil {
		return []*Registry{r.pd.prefill, r.pd.decode}
	}
	return []*Registry{r.workers}
}

// Workers lists every worker of every pool.
func (r *Router) Workers() []WorkerInfo {
	var out []WorkerInfo
	for _, reg := range r.Registries() {
		out = append(out, reg.Workers()...)
	}
	return out
}

// ApplyEvent routes a discovery event to the pool matching its role.
// Removals without a usable role are applied to every pool.
func (r *Router) ApplyEvent(ev WorkerEvent) {
	if ev.Type == WorkerRemoved {
		for _, reg := range r.Registries() {
			reg.ApplyEvent(ev)
		}
		return
	}
	switch {
	case r.pd == nil && ev.Role == RoleUnified:
		r.workers.ApplyEvent(ev)
	case r.pd != nil && ev.Role == RolePrefill:
		r.pd.prefill.ApplyEvent(ev)
	case r.pd != nil && ev.Role == RoleDecode:
		r.pd.decode.ApplyEvent(ev)
	default:
		logrus.Warnf("ignoring %s worker %s: router is not serving that role", ev.Role, ev.ID())
	}
}

// Select runs one selection without dispatching.
func (r *Router) Select(req *RoutingRequest, rc *RequestContext) (Target, error) {
	if r.pd != nil {
		pair, err := r.pd.SelectPair(req, rc)
		if err != nil {
			return Target{}, err
		}
		return Target{
			Worker:       pair.Prefill,
			Decode:       pair.Decode,
			RankFallback: pair.RankFallback,
			Policy:       r.pd.prefillPolicy.Kind(),
			Reason:       fmt.Sprintf("prefill %s, decode %s", r.pd.prefillPolicy.Kind(), r.pd.decodePolicy.Kind()),
		}, nil
	}
	d, err := r.policy.Select(r.workers.Snapshot(), req, rc, rc.Exclusions(RoleUnified))
	if err != nil {
		return Target{}, err
	}
	return Target{Worker: d.Worker, Policy: d.Policy, Reason: d.Reason}, nil
}

// Route selects, dispatches and retries one request. See RetryOrchestrator.Execute
// for how results and errors combine.
func (r *Router) Route(ctx context.Context, req *RoutingRequest) (*Result, error) {
	role := RoleUnified
	if r.pd != nil {
		role = RolePrefill
	}
	rc := NewRequestContext(role)
	return r.retry.Execute(ctx, rc,
		func(rc *RequestContext) (Target, error) { return r.Select(req, rc) },
		func(ctx context.Context, t Target, rc *RequestContext) Outcome {
			return r.dispatcher.Dispatch(ctx, t, req, rc)
		})
}

func (r *Router) policies() []*Policy {
	if r.pd != nil {
		return []*Policy{r.pd.prefillPolicy, r.pd.decodePolicy}
	}
	return []*Policy{r.policy}
}

// Run starts background maintenance (prefix tree eviction, health checks)
// and blocks until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	interval := r.cfg.CacheAwareConfig().EvictionInterval
	for _, p := range r.policies() {
		if tree := p.Tree(); tree != nil {
			g.Go(func() error {
				tree.StartEvictionLoop(ctx, interval)
				return nil
			})
		}
	}
	if r.health != nil {
		g.Go(func() error { return r.health.Run(ctx) })
	}
	<-ctx.Done()
	return g.Wait()
}

// WaitForHealthy blocks until every configured worker passes a health probe.
// It is a no-op without a probe.
func (r *Router) WaitForHealthy(ctx context.Context, timeout time.Duration) error {
	if r.probe == nil || timeout <= 0 {
		return nil
	}
	hc := r.cfg.HealthCheckConfig()
	return NewHealthChecker(hc, r.probe, r.Registries()...).WaitForHealthy(ctx, timeout)
}
