package router

import (
	"net/http"

	"github.com/google/uuid"
)

// RoutingRequest is the inbound request as the router sees it.
type RoutingRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte

	text     string
	textDone bool
}

// NewRoutingRequest wraps an inbound request. header may be nil.
func NewRoutingRequest(method, path string, header http.Header, body []byte) *RoutingRequest {
	if header == nil {
		header = http.Header{}
	}
	return &RoutingRequest{Method: method, Path: path, Header: header, Body: body}
}

// Text returns the prompt text used for prefix matching, extracted once.
func (r *RoutingRequest) Text() string {
	if !r.textDone {
		r.text = ExtractPromptText(r.Body)
		r.textDone = true
	}
	return r.text
}

type triedKey struct {
	role Role
	id   WorkerID
}

// RequestContext is the per-request routing state carried across attempts.
// It is owned by one request and not safe for concurrent use.
type RequestContext struct {
	ID      string
	Key     string // routing key; empty until a policy needs one
	Role    Role
	Attempt int
	Rank    int // data-parallel rank of the current prefill pick, or NoRank

	tried map[triedKey]struct{}
}

// NewRequestContext starts routing state for a request targeting role.
func NewRequestContext(role Role) *RequestContext {
	return &RequestContext{
		ID:    uuid.NewString(),
		Role:  role,
		Rank:  NoRank,
		tried: make(map[triedKey]struct{}),
	}
}

// MarkTried excludes a worker of the given pool from later attempts.
func (rc *RequestContext) MarkTried(role Role, id WorkerID) {
	rc.tried[triedKey{role: role, id: id}] = struct{}{}
}

// Tried reports whether the worker was already attempted.
func (rc *RequestContext) Tried(role Role, id WorkerID) bool {
	_, ok := rc.tried[triedKey{role: role, id: id}]
	return ok
}

// TriedCount returns the number of excluded workers across pools.
func (rc *RequestContext) TriedCount() int { return len(rc.tried) }

// Exclusions returns a Filter rejecting tried workers of the given pool.
func (rc *RequestContext) Exclusions(role Role) Filter {
	return func(w *Worker) bool { return !rc.Tried(role, w.ID()) }
}

// KeyFor returns the routing key, extracting it from req on first use.
func (rc *RequestContext) KeyFor(req *RoutingRequest) string {
	if rc.Key == "" {
		rc.Key = ExtractRoutingKey(req.Header, req.Body)
	}
	return rc.Key
}
