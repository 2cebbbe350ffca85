// Package trace provides decision-trace recording for routing analysis.
// This package has no dependencies on router/; it stores pure data types.
package trace

import "time"

// RoutingRecord captures a single worker selection.
type RoutingRecord struct {
	RequestID    string
	Attempt      int
	Policy       string
	Worker       string // unified or prefill worker identity
	DecodeWorker string // empty outside prefill/decode mode
	Reason       string
	RankFallback bool // decode pick could not honor the prefill rank
}

// AttemptRecord captures the outcome of one dispatch attempt.
type AttemptRecord struct {
	RequestID string
	Attempt   int
	Worker    string
	Status    int
	Error     string // transport error, empty when a status was received
	Retryable bool
	Backoff   time.Duration // delay before the next attempt; 0 if none follows
	Latency   time.Duration
}
