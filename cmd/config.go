package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/inference-sim/inference-router/router"
)

// CLI overrides for the config file. Each one applies only when the flag
// was given explicitly, so file values are never clobbered by flag defaults.
var (
	policyName            string
	prefillPolicyName     string
	decodePolicyName      string
	workerURLs            []string
	prefillURLs           []string
	decodeURLs            []string
	dpSize                int
	seed                  int64
	maxRetries            int
	disableRetries        bool
	disableCircuitBreaker bool
	requestTimeoutSecs    int
	traceLevel            string
)

// addRouterFlags registers the config override flags on cmd.
func addRouterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&policyName, "policy", "cache_aware", "Routing policy (round_robin, random, consistent_hash, power_of_two, cache_aware)")
	flags.StringVar(&prefillPolicyName, "prefill-policy", "", "Prefill pool policy (default: --policy)")
	flags.StringVar(&decodePolicyName, "decode-policy", "", "Decode pool policy (default: --policy)")
	flags.StringSliceVar(&workerURLs, "worker-urls", nil, "Comma-separated worker URLs (regular mode)")
	flags.StringSliceVar(&prefillURLs, "prefill", nil, "Comma-separated prefill worker URLs (enables prefill/decode mode)")
	flags.StringSliceVar(&decodeURLs, "decode", nil, "Comma-separated decode worker URLs (enables prefill/decode mode)")
	flags.IntVar(&dpSize, "intra-node-data-parallel-size", 1, "Data-parallel ranks per worker URL")
	flags.Int64Var(&seed, "seed", 42, "Seed for randomized policies and retry jitter")
	flags.IntVar(&maxRetries, "max-retries", 3, "Total dispatch attempts per request")
	flags.BoolVar(&disableRetries, "disable-retries", false, "Dispatch each request once")
	flags.BoolVar(&disableCircuitBreaker, "disable-circuit-breaker", false, "Never isolate failing workers")
	flags.IntVar(&requestTimeoutSecs, "request-timeout-secs", 600, "Per-attempt worker request timeout")
	flags.StringVar(&traceLevel, "trace-level", "none", "Decision trace level (none, decisions)")
}

// readConfig builds the effective config: defaults, then the YAML file named
// by --config or $ROUTER_CONFIG, then explicitly set flags.
func readConfig(cmd *cobra.Command) (*router.RouterConfig, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if v := os.Getenv(envConfig); v != "" {
			path = v
		}
	}

	cfg := router.DefaultRouterConfig()
	if path != "" {
		loaded, err := router.LoadRouterConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	applyFlagOverrides(cmd.Flags(), &cfg)
	return &cfg, nil
}

// loadConfig is readConfig followed by validation.
func loadConfig(cmd *cobra.Command) (*router.RouterConfig, error) {
	cfg, err := readConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	return cfg, nil
}

func applyFlagOverrides(flags *pflag.FlagSet, cfg *router.RouterConfig) {
	if flags.Changed("policy") {
		cfg.Policy = policyName
	}
	if flags.Changed("prefill-policy") {
		cfg.PrefillPolicy = prefillPolicyName
	}
	if flags.Changed("decode-policy") {
		cfg.DecodePolicy = decodePolicyName
	}
	if flags.Changed("worker-urls") {
		cfg.WorkerURLs = workerURLs
	}
	if flags.Changed("prefill") {
		cfg.PrefillURLs = prefillURLs
	}
	if flags.Changed("decode") {
		cfg.DecodeURLs = decodeURLs
	}
	if flags.Changed("intra-node-data-parallel-size") {
		cfg.DPSize = dpSize
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("max-retries") {
		cfg.Retry.MaxRetries = maxRetries
	}
	if flags.Changed("disable-retries") {
		cfg.Retry.Enabled = !disableRetries
	}
	if flags.Changed("disable-circuit-breaker") {
		cfg.CircuitBreaker.Enabled = !disableCircuitBreaker
	}
	if flags.Changed("request-timeout-secs") {
		cfg.Dispatch.RequestTimeoutSecs = requestTimeoutSecs
	}
	if flags.Changed("trace-level") {
		cfg.Trace.Level = traceLevel
	}
}
