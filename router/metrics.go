package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "router"

// Metrics records routing activity as Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can be built without a registry.
type Metrics struct {
	Requests           *prometheus.CounterVec
	Decisions          *prometheus.CounterVec
	Retries            prometheus.Counter
	RetryBackoff       prometheus.Histogram
	RetriesExhausted   prometheus.Counter
	BreakerTransitions *prometheus.CounterVec
	RankFallbacks      prometheus.Counter
	Workers            *prometheus.GaugeVec
	TreeEvictions      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Routed requests by terminal HTTP status.",
		}, []string{"status"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "policy_decisions_total",
			Help:      "Worker selections by policy and worker.",
		}, []string{"policy", "worker"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Dispatch attempts beyond the first.",
		}),
		RetryBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "retry_backoff_seconds",
			Help:      "Backoff slept before a retry.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_exhausted_total",
			Help:      "Requests that failed after using every attempt.",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state changes by worker and target state.",
		}, []string{"worker", "to"}),
		RankFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pd_rank_fallbacks_total",
			Help:      "Decode selections that could not honor the prefill rank.",
		}),
		Workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers",
			Help:      "Registered workers per pool.",
		}, []string{"pool"}),
		TreeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_tree_evicted_nodes_total",
			Help:      "Prefix tree nodes removed by the eviction sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Decisions, m.Retries, m.RetryBackoff, m.RetriesExhausted,
			m.BreakerTransitions, m.RankFallbacks, m.Workers, m.TreeEvictions)
	}
	return m
}

func (m *Metrics) recordDecision(policy PolicyKind, id WorkerID) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(policy), id.String()).Inc()
}

func (m *Metrics) recordRetry(backoff time.Duration) {
	if m == nil {
		return
	}
	m.Retries.Inc()
	m.RetryBackoff.Observe(backoff.Seconds())
}

func (m *Metrics) recordExhausted() {
	if m == nil {
		return
	}
	m.RetriesExhausted.Inc()
}

func (m *Metrics) recordRequest(status int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(statusLabel(status)).Inc()
}

func (m *Metrics) recordTransition(name string, _, to CircuitState) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

func (m *Metrics) recordRankFallback() {
	if m == nil {
		return
	}
	m.RankFallbacks.Inc()
}

func (m *Metrics) setWorkers(pool string, n int) {
	if m == nil {
		return
	}
	m.Workers.WithLabelValues(pool).Set(float64(n))
}

func (m *Metrics) recordEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.TreeEvictions.Add(float64(n))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "other"
	}
}
