package router

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// NoRank marks a worker that is not part of a data-parallel group.
const NoRank = -1

// Role is the pool a worker serves in.
type Role int

const (
	// RoleUnified workers serve whole requests (regular mode).
	RoleUnified Role = iota
	// RolePrefill workers compute the prompt KV cache in disaggregated mode.
	RolePrefill
	// RoleDecode workers generate tokens in disaggregated mode.
	RoleDecode
)

func (r Role) String() string {
	switch r {
	case RolePrefill:
		return "prefill"
	case RoleDecode:
		return "decode"
	default:
		return "unified"
	}
}

// ParseRole maps a role name to a Role. Accepts the short registration
// forms "P" and "D" used by heartbeat discovery.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unified", "regular":
		return RoleUnified, nil
	case "prefill", "p":
		return RolePrefill, nil
	case "decode", "d":
		return RoleDecode, nil
	}
	return RoleUnified, fmt.Errorf("unknown worker role %q", s)
}

// WorkerID identifies a worker: a base URL plus an optional data-parallel rank.
type WorkerID struct {
	URL  string
	Rank int
}

// NewWorkerID returns an unranked WorkerID.
func NewWorkerID(url string) WorkerID {
	return WorkerID{URL: url, Rank: NoRank}
}

// HasRank reports whether the worker is one rank of a data-parallel group.
func (id WorkerID) HasRank() bool { return id.Rank != NoRank }

// String renders "url" or "url@rank". This is also the worker's identity on the hash ring.
func (id WorkerID) String() string {
	if !id.HasRank() {
		return id.URL
	}
	return id.URL + "@" + strconv.Itoa(id.Rank)
}

// ParseWorkerURL splits "url@rank" into base URL and rank. Anything that is
// not exactly one '@' followed by a non-negative integer is kept as a plain URL.
func ParseWorkerURL(raw string) WorkerID {
	parts := strings.Split(raw, "@")
	if len(parts) != 2 {
		return NewWorkerID(raw)
	}
	rank, err := strconv.Atoi(parts[1])
	if err != nil || rank < 0 {
		return NewWorkerID(raw)
	}
	return WorkerID{URL: parts[0], Rank: rank}
}

// ExpandDataParallel turns a configured URL into the worker identities it stands for.
// Explicit "url@rank" entries are kept as-is; plain URLs are expanded into
// ranks 0..dpSize-1 when dpSize > 1.
func ExpandDataParallel(raw string, dpSize int) []WorkerID {
	id := ParseWorkerURL(raw)
	if id.HasRank() || dpSize <= 1 {
		return []WorkerID{id}
	}
	ids := make([]WorkerID, dpSize)
	for rank := 0; rank < dpSize; rank++ {
		ids[rank] = WorkerID{URL: id.URL, Rank: rank}
	}
	return ids
}

// Worker is the registry-owned state of one backend. All fields are safe for
// concurrent use; selection reads them without holding registry locks.
type Worker struct {
	id      WorkerID
	role    Role
	breaker *CircuitBreaker

	healthy     atomic.Bool
	load        atomic.Int64
	processed   atomic.Uint64
	lastLatency atomic.Int64
}

func newWorker(id WorkerID, role Role, breaker *CircuitBreaker) *Worker {
	w := &Worker{id: id, role: role, breaker: breaker}
	w.healthy.Store(true)
	return w
}

func (w *Worker) ID() WorkerID { return w.id }
func (w *Worker) URL() string { return w.id.URL }
func (w *Worker) Rank() int { return w.id.Rank }
func (w *Worker) Role() Role { return w.role }
func (w *Worker) Breaker() *CircuitBreaker { return w.breaker }
func (w *Worker) IsHealthy() bool { return w.healthy.Load() }
func (w *Worker) SetHealthy(healthy bool) { w.healthy.Store(healthy) }
func (w *Worker) Load() int64 { return w.load.Load() }
func (w *Worker) Processed() uint64 { return w.processed.Load() }
func (w *Worker) LastLatency() time.Duration { return time.Duration(w.lastLatency.Load()) }

// IncrementLoad reserves one in-flight slot for a dispatch to this worker.
func (w *Worker) IncrementLoad() { w.load.Add(1) }

// DecrementLoad releases an in-flight slot. The counter never goes negative.
func (w *Worker) DecrementLoad() {
	for {
		cur := w.load.Load()
		if cur <= 0 {
			return
		}
		if w.load.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// IsAvailable reports whether the worker may receive new traffic: healthy,
// and its breaker is Closed or due for a probe.
func (w *Worker) IsAvailable() bool {
	return w.IsHealthy() && w.breaker.CanExecute()
}

// RecordOutcome finishes one dispatch: releases the load slot and feeds the breaker.
func (w *Worker) RecordOutcome(success bool, latency time.Duration) {
	w.settle(success, true, latency)
}

// settle is RecordOutcome for a dispatch admitted by the breaker's Acquire;
// probe is the trial flag Acquire returned.
func (w *Worker) settle(success, probe bool, latency time.Duration) {
	w.DecrementLoad()
	w.processed.Add(1)
	w.lastLatency.Store(int64(latency))
	w.breaker.Record(success, probe)
}

// WorkerInfo is a point-in-time view of a worker for listings.
type WorkerInfo struct {
	URL       string `json:"url"`
	Rank      int    `json:"rank"`
	Role      string `json:"role"`
	Healthy   bool   `json:"healthy"`
	Circuit   string `json:"circuit"`
	Load      int64  `json:"load"`
	Processed uint64 `json:"processed"`
}

// Info returns a WorkerInfo snapshot of w.
func (w *Worker) Info() WorkerInfo {
	return WorkerInfo{
		URL:       w.id.URL,
		Rank:      w.id.Rank,
		Role:      w.role.String(),
		Healthy:   w.IsHealthy(),
		Circuit:   w.breaker.State().String(),
		Load:      w.Load(),
		Processed: w.Processed(),
	}
}
