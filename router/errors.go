package router

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoHealthyWorkers is returned when the pool is empty or every worker is
	// unhealthy, circuit-open or already tried. Fatal for the request.
	ErrNoHealthyWorkers = errors.New("no healthy workers available")

	// ErrRetryableDispatch classifies a dispatch that failed with a transport
	// error or a retryable status (408, 429, 500, 502, 503, 504).
	ErrRetryableDispatch = errors.New("retryable dispatch failure")

	// ErrNonRetryableDispatch classifies any other failed status. It is surfaced immediately.
	ErrNonRetryableDispatch = errors.New("non-retryable dispatch failure")

	// ErrRankMismatch means no eligible decode worker shares the prefill worker's
	// rank. Recovered locally by falling back to the decode policy.
	ErrRankMismatch = errors.New("no decode worker at prefill rank")
)

// StatusClientClosedRequest is reported when the caller's context ends before
// a response is produced.
const StatusClientClosedRequest = 499

// DispatchError is the terminal failure of a routed request. It always carries
// the HTTP status to surface and how many dispatch attempts were made.
type DispatchError struct {
	Status   int
	Attempts int
	Worker   WorkerID
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempt(s) with status %d (last worker %s): %v",
		e.Attempts, e.Status, e.Worker, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// retryableStatuses is fixed; it is not configurable.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryableStatus reports whether an HTTP status warrants another attempt on a different worker.
func IsRetryableStatus(status int) bool {
	return retryableStatuses[status]
}
