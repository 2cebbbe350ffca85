package router

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-router/router/trace"
)

// RouterConfig is the router's full configuration, loadable from a YAML file.
// Fields absent from the file keep their DefaultRouterConfig values.
type RouterConfig struct {
	Policy        string `yaml:"policy"`
	PrefillPolicy string `yaml:"prefill_policy"` // empty inherits Policy
	DecodePolicy  string `yaml:"decode_policy"`  // empty inherits Policy

	PDDisaggregation bool     `yaml:"pd_disaggregation"`
	DPSize           int      `yaml:"intra_node_data_parallel_size"`
	WorkerURLs       []string `yaml:"worker_urls"`
	PrefillURLs      []string `yaml:"prefill_urls"`
	DecodeURLs       []string `yaml:"decode_urls"`
	Seed             int64    `yaml:"seed"`

	CircuitBreaker BreakerSection   `yaml:"circuit_breaker"`
	Retry          RetrySection     `yaml:"retry"`
	CacheAware     CacheSection     `yaml:"cache_aware"`
	HealthCheck    HealthSection    `yaml:"health_check"`
	Dispatch       DispatchSection  `yaml:"dispatch"`
	Discovery      DiscoverySection `yaml:"discovery"`
	Trace          TraceSection     `yaml:"trace"`
}

// BreakerSection holds circuit breaker settings.
type BreakerSection struct {
	Enabled            bool `yaml:"enabled"`
	FailureThreshold   int  `yaml:"failure_threshold"`
	SuccessThreshold   int  `yaml:"success_threshold"`
	TimeoutDurationSec int  `yaml:"timeout_duration_secs"`
	WindowDurationSec  int  `yaml:"window_duration_secs"`
}

// RetrySection holds retry settings.
type RetrySection struct {
	Enabled           bool    `yaml:"enabled"`
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterFactor      float64 `yaml:"jitter_factor"`
}

// CacheSection holds cache_aware policy settings.
type CacheSection struct {
	CacheThreshold       float64 `yaml:"cache_threshold"`
	BalanceAbsThreshold  int64   `yaml:"balance_abs_threshold"`
	BalanceRelThreshold  float64 `yaml:"balance_rel_threshold"`
	EvictionIntervalSecs int     `yaml:"eviction_interval_secs"`
	MaxTreeSize          int     `yaml:"max_tree_size"`
}

// HealthSection holds active health check settings.
type HealthSection struct {
	Enabled          bool   `yaml:"enabled"`
	IntervalSecs     int    `yaml:"interval_secs"`
	TimeoutSecs      int    `yaml:"timeout_secs"`
	Endpoint         string `yaml:"endpoint"`
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	// WaitTimeoutSecs bounds the startup wait for healthy workers; 0 skips the wait.
	WaitTimeoutSecs int `yaml:"wait_timeout_secs"`
}

// DispatchSection holds worker request settings.
type DispatchSection struct {
	RequestTimeoutSecs int `yaml:"request_timeout_secs"`
}

// DiscoverySection configures dynamic worker sources.
type DiscoverySection struct {
	// File is a YAML worker list watched for changes; empty disables it.
	File string `yaml:"file"`
	// HeartbeatTTLSecs enables the registration endpoint; registrations not
	// refreshed within the TTL are removed. 0 disables it.
	HeartbeatTTLSecs int `yaml:"heartbeat_ttl_secs"`
}

// TraceSection configures decision tracing.
type TraceSection struct {
	Level      string `yaml:"level"`
	MaxRecords int    `yaml:"max_records"`
}

// DefaultRouterConfig returns the stock configuration.
func DefaultRouterConfig() RouterConfig {
	cb := DefaultCircuitBreakerConfig()
	rt := DefaultRetryConfig()
	ca := DefaultCacheAwareConfig()
	hc := DefaultHealthCheckConfig()
	return RouterConfig{
		Policy: string(PolicyCacheAware),
		DPSize: 1,
		Seed:   42,
		CircuitBreaker: BreakerSection{
			Enabled:            cb.Enabled,
			FailureThreshold:   cb.FailureThreshold,
			SuccessThreshold:   cb.SuccessThreshold,
			TimeoutDurationSec: int(cb.Timeout / time.Second),
			WindowDurationSec:  int(cb.Window / time.Second),
		},
		Retry: RetrySection{
			Enabled:           rt.Enabled,
			MaxRetries:        rt.MaxRetries,
			InitialBackoffMs:  int(rt.InitialBackoff / time.Millisecond),
			MaxBackoffMs:      int(rt.MaxBackoff / time.Millisecond),
			BackoffMultiplier: rt.Multiplier,
			JitterFactor:      rt.JitterFactor,
		},
		CacheAware: CacheSection{
			CacheThreshold:       ca.CacheThreshold,
			BalanceAbsThreshold:  ca.BalanceAbsThreshold,
			BalanceRelThreshold:  ca.BalanceRelThreshold,
			EvictionIntervalSecs: int(ca.EvictionInterval / time.Second),
			MaxTreeSize:          ca.MaxTreeSize,
		},
		HealthCheck: HealthSection{
			Enabled:          hc.Enabled,
			IntervalSecs:     int(hc.Interval / time.Second),
			TimeoutSecs:      int(hc.Timeout / time.Second),
			Endpoint:         hc.Endpoint,
			FailureThreshold: hc.FailureThreshold,
			SuccessThreshold: hc.SuccessThreshold,
		},
		Dispatch: DispatchSection{RequestTimeoutSecs: 600},
		Trace:    TraceSection{Level: string(trace.TraceLevelNone)},
	}
}

// LoadRouterConfig reads a YAML config file over the defaults.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func LoadRouterConfig(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading router config: %w", err)
	}
	cfg := DefaultRouterConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing router config %s: %w", path, err)
	}
	return &cfg, nil
}

// IsPD reports whether the router runs prefill/decode disaggregation.
func (c *RouterConfig) IsPD() bool {
	return c.PDDisaggregation || len(c.PrefillURLs) > 0 || len(c.DecodeURLs) > 0
}

// EffectivePrefillPolicy returns the prefill policy, inheriting Policy when unset.
func (c *RouterConfig) EffectivePrefillPolicy() string {
	if c.PrefillPolicy != "" {
		return c.PrefillPolicy
	}
	return c.Policy
}

// EffectiveDecodePolicy returns the decode policy, inheriting Policy when unset.
func (c *RouterConfig) EffectiveDecodePolicy() string {
	if c.DecodePolicy != "" {
		return c.DecodePolicy
	}
	return c.Policy
}

// Validate checks names and ranges, reporting every problem found.
func (c *RouterConfig) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	for _, p := range []struct{ field, name string }{
		{"policy", c.Policy},
		{"prefill_policy", c.PrefillPolicy},
		{"decode_policy", c.DecodePolicy},
	} {
		check(IsValidPolicy(p.name), "unknown %s %q (valid: %v)", p.field, p.name, ValidPolicyNames())
	}
	check(c.DPSize >= 1, "intra_node_data_parallel_size must be >= 1, got %d", c.DPSize)
	check(!c.IsPD() || len(c.WorkerURLs) == 0, "worker_urls cannot be combined with prefill/decode pools")

	cb := c.CircuitBreaker
	check(cb.FailureThreshold >= 1, "circuit_breaker.failure_threshold must be >= 1, got %d", cb.FailureThreshold)
	check(cb.SuccessThreshold >= 1, "circuit_breaker.success_threshold must be >= 1, got %d", cb.SuccessThreshold)
	check(cb.TimeoutDurationSec >= 0, "circuit_breaker.timeout_duration_secs must be non-negative, got %d", cb.TimeoutDurationSec)
	check(cb.WindowDurationSec >= 0, "circuit_breaker.window_duration_secs must be non-negative, got %d", cb.WindowDurationSec)

	rt := c.Retry
	check(rt.MaxRetries >= 1, "retry.max_retries must be >= 1, got %d", rt.MaxRetries)
	check(rt.InitialBackoffMs >= 0, "retry.initial_backoff_ms must be non-negative, got %d", rt.InitialBackoffMs)
	check(rt.MaxBackoffMs >= rt.InitialBackoffMs, "retry.max_backoff_ms (%d) must be >= initial_backoff_ms (%d)", rt.MaxBackoffMs, rt.InitialBackoffMs)
	check(rt.BackoffMultiplier >= 1, "retry.backoff_multiplier must be >= 1, got %g", rt.BackoffMultiplier)
	check(rt.JitterFactor >= 0 && rt.JitterFactor < 1, "retry.jitter_factor must be in [0, 1), got %g", rt.JitterFactor)

	ca := c.CacheAware
	check(ca.CacheThreshold >= 0 && ca.CacheThreshold <= 1, "cache_aware.cache_threshold must be in [0, 1], got %g", ca.CacheThreshold)
	check(ca.BalanceAbsThreshold >= 0, "cache_aware.balance_abs_threshold must be non-negative, got %d", ca.BalanceAbsThreshold)
	check(ca.BalanceRelThreshold >= 1, "cache_aware.balance_rel_threshold must be >= 1, got %g", ca.BalanceRelThreshold)
	check(ca.EvictionIntervalSecs >= 0, "cache_aware.eviction_interval_secs must be non-negative, got %d", ca.EvictionIntervalSecs)
	check(ca.MaxTreeSize >= 1, "cache_aware.max_tree_size must be >= 1, got %d", ca.MaxTreeSize)

	hc := c.HealthCheck
	if hc.Enabled {
		check(hc.IntervalSecs >= 1, "health_check.interval_secs must be >= 1, got %d", hc.IntervalSecs)
		check(hc.TimeoutSecs >= 1, "health_check.timeout_secs must be >= 1, got %d", hc.TimeoutSecs)
		check(hc.FailureThreshold >= 1, "health_check.failure_threshold must be >= 1, got %d", hc.FailureThreshold)
		check(hc.SuccessThreshold >= 1, "health_check.success_threshold must be >= 1, got %d", hc.SuccessThreshold)
	}
	check(hc.WaitTimeoutSecs >= 0, "health_check.wait_timeout_secs must be non-negative, got %d", hc.WaitTimeoutSecs)
	check(c.Dispatch.RequestTimeoutSecs >= 1, "dispatch.request_timeout_secs must be >= 1, got %d", c.Dispatch.RequestTimeoutSecs)
	check(c.Discovery.HeartbeatTTLSecs >= 0, "discovery.heartbeat_ttl_secs must be non-negative, got %d", c.Discovery.HeartbeatTTLSecs)
	check(trace.IsValidTraceLevel(c.Trace.Level), "unknown trace level %q", c.Trace.Level)
	return errs
}

// CircuitBreakerConfig converts the YAML section to runtime settings.
func (c *RouterConfig) CircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          c.CircuitBreaker.Enabled,
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		Timeout:          time.Duration(c.CircuitBreaker.TimeoutDurationSec) * time.Second,
		Window:           time.Duration(c.CircuitBreaker.WindowDurationSec) * time.Second,
	}
}

// RetryConfig converts the YAML section to runtime settings.
func (c *RouterConfig) RetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:        c.Retry.Enabled,
		MaxRetries:     c.Retry.MaxRetries,
		InitialBackoff: time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:     c.Retry.BackoffMultiplier,
		JitterFactor:   c.Retry.JitterFactor,
	}
}

// CacheAwareConfig converts the YAML section to runtime settings.
func (c *RouterConfig) CacheAwareConfig() CacheAwareConfig {
	return CacheAwareConfig{
		CacheThreshold:      c.CacheAware.CacheThreshold,
		BalanceAbsThreshold: c.CacheAware.BalanceAbsThreshold,
		BalanceRelThreshold: c.CacheAware.BalanceRelThreshold,
		EvictionInterval:    time.Duration(c.CacheAware.EvictionIntervalSecs) * time.Second,
		MaxTreeSize:         c.CacheAware.MaxTreeSize,
	}
}

// HealthCheckConfig converts the YAML section to runtime settings.
func (c *RouterConfig) HealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:          c.HealthCheck.Enabled,
		Interval:         time.Duration(c.HealthCheck.IntervalSecs) * time.Second,
		Timeout:          time.Duration(c.HealthCheck.TimeoutSecs) * time.Second,
		Endpoint:         c.HealthCheck.Endpoint,
		FailureThreshold: c.HealthCheck.FailureThreshold,
		SuccessThreshold: c.HealthCheck.SuccessThreshold,
	}
}

// RequestTimeout returns the per-attempt dispatch timeout.
func (c *RouterConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Dispatch.RequestTimeoutSecs) * time.Second
}

// TraceConfig converts the YAML section to a trace.TraceConfig.
func (c *RouterConfig) TraceConfig() trace.TraceConfig {
	return trace.TraceConfig{Level: trace.TraceLevel(c.Trace.Level), MaxRecords: c.Trace.MaxRecords}
}
