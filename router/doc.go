// Package router provides the request-routing core for a fleet of model-serving
// backends.
//
// # Reading Guide
//
// Start with these files to understand a routing decision end to end:
//   - worker.go: worker identity (URL plus optional data-parallel rank) and per-worker state
//   - registry.go: the copy-on-write worker set that every selection reads from
//   - routing.go: the five selection policies behind a single Policy type
//   - retry.go: the attempt loop that wraps selection and dispatch
//
// # Architecture
//
// The router package owns all shared routing state; leaf packages depend on it:
//   - router/dispatch/: HTTP dispatch to workers, including two-stage prefill/decode
//   - router/discovery/: worker lifecycle event sources (TTL heartbeats, watched file)
//   - router/trace/: decision trace recording
//
// # Key Types
//
//   - Registry: live worker set; lock-free snapshots for readers
//   - CircuitBreaker: per-worker failure isolation (Closed, Open, HalfOpen)
//   - HashRing: consistent hashing with 160 virtual nodes per worker
//   - CacheAwareTree: per-worker approximate prompt-prefix trees
//   - Policy: round_robin, random, consistent_hash, power_of_two, cache_aware
//   - PDCoordinator: prefill/decode pair selection with rank affinity
//   - RetryOrchestrator: backoff, jitter and worker re-selection
package router
