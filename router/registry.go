package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// WorkerEventType distinguishes discovery events.
type WorkerEventType int

const (
	WorkerAdded WorkerEventType = iota
	WorkerRemoved
)

func (t WorkerEventType) String() string {
	if t == WorkerRemoved {
		return "removed"
	}
	return "added"
}

// WorkerEvent is a lifecycle notification from a discovery source.
// For WorkerRemoved, Role is ignored.
type WorkerEvent struct {
	Type WorkerEventType
	URL  string
	Rank int
	Role Role
}

// ID returns the identity the event refers to.
func (e WorkerEvent) ID() WorkerID { return WorkerID{URL: e.URL, Rank: e.Rank} }

// Snapshot is an immutable view of a registry's workers in insertion order.
// Worker state (health, load, breaker) stays live; membership does not change.
type Snapshot struct {
	Version uint64
	workers []*Worker
	index   map[WorkerID]int
	ranked  bool
}

var emptySnapshot = &Snapshot{index: map[WorkerID]int{}}

// Len returns the number of registered workers.
func (s *Snapshot) Len() int { return len(s.workers) }

// Ranked reports whether any worker in the set carries a data-parallel rank.
func (s *Snapshot) Ranked() bool { return s.ranked }

// Workers returns the registered workers in registry order. Callers must not modify the slice.
func (s *Snapshot) Workers() []*Worker { return s.workers }

// Get returns the worker with the given identity.
func (s *Snapshot) Get(id WorkerID) (*Worker, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.workers[i], true
}

// IDs returns every worker identity in registry order.
func (s *Snapshot) IDs() []WorkerID {
	ids := make([]WorkerID, len(s.workers))
	for i, w := range s.workers {
		ids[i] = w.id
	}
	return ids
}

// Eligible returns, in registry order, the available workers accepted by every filter.
func (s *Snapshot) Eligible(filters ...Filter) []*Worker {
	out := make([]*Worker, 0, len(s.workers))
next:
	for _, w := range s.workers {
		if !w.IsAvailable() {
			continue
		}
		for _, f := range filters {
			if !f(w) {
				continue next
			}
		}
		out = append(out, w)
	}
	return out
}

// Filter narrows the candidate set of a selection.
type Filter func(*Worker) bool

// WithRank keeps only workers of the given data-parallel rank.
func WithRank(rank int) Filter {
	return func(w *Worker) bool { return w.id.Rank == rank }
}

// Registry is the live set of workers of one pool.
//
// Writers serialize on a mutex and publish a fresh Snapshot; readers take the
// current Snapshot with one atomic load and never block writers.
type Registry struct {
	name     string
	cbConfig CircuitBreakerConfig
	metrics  *Metrics
	now      func() time.Time

	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	observers []func(*Snapshot)
}

// NewRegistry creates an empty registry. name labels the pool in logs and metrics.
func NewRegistry(name string, cb CircuitBreakerConfig, metrics *Metrics) *Registry {
	r := &Registry{name: name, cbConfig: cb, metrics: metrics, now: time.Now}
	r.current.Store(emptySnapshot)
	return r
}

// Name returns the pool name.
func (r *Registry) Name() string { return r.name }

// Snapshot returns the current worker set.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

// Workers lists every registered worker.
func (r *Registry) Workers() []WorkerInfo {
	snap := r.Snapshot()
	out := make([]WorkerInfo, len(snap.workers))
	for i, w := range snap.workers {
		out[i] = w.Info()
	}
	return out
}

// OnChange registers fn to run after every membership change, and once
// immediately with the current snapshot.
func (r *Registry) OnChange(fn func(*Snapshot)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	snap := r.Snapshot()
	r.mu.Unlock()
	fn(snap)
}

// AddWorker inserts a Healthy, Closed worker. Adding an existing URL+rank is a
// no-op that returns the existing worker and false.
func (r *Registry) AddWorker(url string, rank int, role Role) (*Worker, bool) {
	id := WorkerID{URL: url, Rank: rank}

	r.mu.Lock()
	old := r.Snapshot()
	if w, ok := old.Get(id); ok {
		r.mu.Unlock()
		return w, false
	}
	w := newWorker(id, role, newCircuitBreaker(id.String(), r.cbConfig, r.now, r.metrics.recordTransition))
	workers := make([]*Worker, len(old.workers), len(old.workers)+1)
	copy(workers, old.workers)
	workers = append(workers, w)
	r.publishLocked(old, workers)
	r.mu.Unlock()

	logrus.Infof("[%s] worker added: %s (%s)", r.name, id, role)
	r.notify()
	return w, true
}

// AddWorkerURL registers a configured URL, expanding it into data-parallel
// ranks as ExpandDataParallel does. Returns the identities newly added.
func (r *Registry) AddWorkerURL(raw string, role Role, dpSize int) []WorkerID {
	var added []WorkerID
	for _, id := range ExpandDataParallel(raw, dpSize) {
		if _, ok := r.AddWorker(id.URL, id.Rank, role); ok {
			added = append(added, id)
		}
	}
	return added
}

// RemoveWorker drops a worker from future selections. Requests already holding
// the *Worker finish normally. Returns false if it was not registered.
func (r *Registry) RemoveWorker(url string, rank int) bool {
	id := WorkerID{URL: url, Rank: rank}
	return r.removeMatching(func(w *Worker) bool { return w.id == id }) > 0
}

// RemoveWorkerURL removes a configured URL. A plain URL removes the base
// worker and all of its data-parallel ranks.
func (r *Registry) RemoveWorkerURL(raw string) int {
	id := ParseWorkerURL(raw)
	if id.HasRank() {
		return r.removeMatching(func(w *Worker) bool { return w.id == id })
	}
	return r.removeMatching(func(w *Worker) bool { return w.id.URL == id.URL })
}

func (r *Registry) removeMatching(match func(*Worker) bool) int {
	r.mu.Lock()
	old := r.Snapshot()
	workers := make([]*Worker, 0, len(old.workers))
	var removed []WorkerID
	for _, w := range old.workers {
		if match(w) {
			removed = append(removed, w.id)
			continue
		}
		workers = append(workers, w)
	}
	if len(removed) == 0 {
		r.mu.Unlock()
		return 0
	}
	r.publishLocked(old, workers)
	r.mu.Unlock()

	for _, id := range removed {
		logrus.Infof("[%s] worker removed: %s", r.name, id)
	}
	r.notify()
	return len(removed)
}

// ApplyEvent applies a discovery event.
func (r *Registry) ApplyEvent(ev WorkerEvent) {
	switch ev.Type {
	case WorkerAdded:
		r.AddWorker(ev.URL, ev.Rank, ev.Role)
	case WorkerRemoved:
		r.RemoveWorker(ev.URL, ev.Rank)
	}
}

// SetHealthy updates a worker's health flag. Returns false if not registered.
func (r *Registry) SetHealthy(id WorkerID, healthy bool) bool {
	w, ok := r.Snapshot().Get(id)
	if !ok {
		return false
	}
	if w.IsHealthy() != healthy {
		logrus.Infof("[%s] worker %s healthy=%t", r.name, id, healthy)
	}
	w.SetHealthy(healthy)
	return true
}

// RecordOutcome feeds a dispatch result into the worker's breaker and load
// counter. Returns false if the worker is no longer registered.
func (r *Registry) RecordOutcome(id WorkerID, success bool, latency time.Duration) bool {
	w, ok := r.Snapshot().Get(id)
	if !ok {
		return false
	}
	w.RecordOutcome(success, latency)
	return true
}

func (r *Registry) publishLocked(old *Snapshot, workers []*Worker) {
	index := make(map[WorkerID]int, len(workers))
	ranked := false
	for i, w := range workers {
		index[w.id] = i
		ranked = ranked || w.id.HasRank()
	}
	snap := &Snapshot{Version: old.Version + 1, workers: workers, index: index, ranked: ranked}
	r.current.Store(snap)
	r.metrics.setWorkers(r.name, len(workers))
}

// notify hands observers the latest snapshot rather than the one that
// triggered the call, so concurrent writers converge on the final state.
func (r *Registry) notify() {
	r.mu.Lock()
	snap := r.Snapshot()
	observers := make([]func(*Snapshot), len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}
