package router

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// VirtualNodesPerWorker is the number of ring positions each worker identity occupies.
const VirtualNodesPerWorker = 160

type ringEntry struct {
	pos uint64
	id  WorkerID
	key string // id.String(), kept for tie-breaking
}

type ring struct {
	source  *Snapshot
	entries []ringEntry
	members map[WorkerID]struct{}
}

// HashRing maps routing keys to worker identities. Readers load the current
// ring atomically and see either the old or the new ring, never a partial one.
type HashRing struct {
	mu      sync.Mutex // serializes rebuilds
	current atomic.Pointer[ring]
}

// NewHashRing creates an empty ring.
func NewHashRing() *HashRing {
	h := &HashRing{}
	h.current.Store(&ring{members: map[WorkerID]struct{}{}})
	return h
}

func hashString(s string) uint64 { return xxhash.Sum64String(s) }

// Sync rebuilds the ring from snap if its membership differs from the current ring.
func (h *HashRing) Sync(snap *Snapshot) {
	if h.current.Load().source == snap {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.current.Load()
	if cur.source == snap {
		return
	}
	if sameMembers(cur.members, snap) {
		h.current.Store(&ring{source: snap, entries: cur.entries, members: cur.members})
		return
	}
	h.current.Store(buildRing(snap))
}

// Rebuild unconditionally rebuilds the ring from a list of identities.
func (h *HashRing) Rebuild(ids []WorkerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Store(buildRingFromIDs(nil, ids))
}

func sameMembers(members map[WorkerID]struct{}, snap *Snapshot) bool {
	if len(members) != snap.Len() {
		return false
	}
	for _, w := range snap.Workers() {
		if _, ok := members[w.ID()]; !ok {
			return false
		}
	}
	return true
}

func buildRing(snap *Snapshot) *ring {
	return buildRingFromIDs(snap, snap.IDs())
}

func buildRingFromIDs(source *Snapshot, ids []WorkerID) *ring {
	r := &ring{
		source:  source,
		entries: make([]ringEntry, 0, len(ids)*VirtualNodesPerWorker),
		members: make(map[WorkerID]struct{}, len(ids)),
	}
	for _, id := range ids {
		r.members[id] = struct{}{}
		key := id.String()
		for i := 0; i < VirtualNodesPerWorker; i++ {
			r.entries = append(r.entries, ringEntry{
				pos: hashString(key + "#" + strconv.Itoa(i)),
				id:  id,
				key: key,
			})
		}
	}
	sort.Slice(r.entries, func(i, j int) bool {
		a, b := r.entries[i], r.entries[j]
		if a.pos != b.pos {
			return a.pos < b.pos
		}
		return a.key < b.key
	})
	return r
}

// Len returns the number of ring positions.
func (h *HashRing) Len() int { return len(h.current.Load().entries) }

// Owner returns the worker owning key: the first position at or after
// hash(key), wrapping past the end.
func (h *HashRing) Owner(key string) (WorkerID, bool) {
	return h.Lookup(key, nil)
}

// Lookup walks clockwise from hash(key) and returns the first worker accepted
// by eligible (nil accepts all). Each distinct worker is tested once.
func (h *HashRing) Lookup(key string, eligible func(WorkerID) bool) (WorkerID, bool) {
	r := h.current.Load()
	n := len(r.entries)
	if n == 0 {
		return WorkerID{}, false
	}
	target := hashString(key)
	start := sort.Search(n, func(i int) bool { return r.entries[i].pos >= target })

	var rejected map[WorkerID]struct{}
	for step := 0; step < n; step++ {
		e := r.entries[(start+step)%n]
		if eligible == nil {
			return e.id, true
		}
		if _, seen := rejected[e.id]; seen {
			continue
		}
		if eligible(e.id) {
			return e.id, true
		}
		if rejected == nil {
			rejected = make(map[WorkerID]struct{})
		}
		rejected[e.id] = struct{}{}
		if len(rejected) == len(r.members) {
			break
		}
	}
	return WorkerID{}, false
}
