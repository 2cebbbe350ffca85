package router

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// radixNode is one edge of a worker's prefix tree. label is the token span
// (bytes of routing text) on the edge leading into the node.
type radixNode struct {
	label      string
	children   map[byte]*radixNode
	parent     *radixNode
	hits       uint64
	lastAccess time.Time
}

func (n *radixNode) isLeaf() bool { return len(n.children) == 0 }

// prefixTree approximates which prompt prefixes one worker has cached.
type prefixTree struct {
	mu    sync.RWMutex
	root  *radixNode
	nodes int // excluding root
}

func newPrefixTree() *prefixTree {
	return &prefixTree{root: &radixNode{children: map[byte]*radixNode{}}}
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func (t *prefixTree) insert(text string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	node.lastAccess = now
	for len(text) > 0 {
		child, ok := node.children[text[0]]
		if !ok {
			leaf := &radixNode{label: text, parent: node, children: map[byte]*radixNode{}, hits: 1, lastAccess: now}
			node.children[text[0]] = leaf
			t.nodes++
			return
		}
		n := commonPrefixLen(text, child.label)
		if n < len(child.label) {
			// split child at n so the shared part becomes its own node
			mid := &radixNode{
				label:      child.label[:n],
				parent:     node,
				children:   map[byte]*radixNode{child.label[n]: child},
				hits:       child.hits,
				lastAccess: child.lastAccess,
			}
			child.label = child.label[n:]
			child.parent = mid
			node.children[text[0]] = mid
			t.nodes++
			child = mid
		}
		child.hits++
		child.lastAccess = now
		text = text[n:]
		node = child
	}
}

// matchLen returns how many leading bytes of text are present in the tree.
func (t *prefixTree) matchLen(text string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.root
	matched := 0
	for matched < len(text) {
		child, ok := node.children[text[matched]]
		if !ok {
			break
		}
		n := commonPrefixLen(text[matched:], child.label)
		matched += n
		if n < len(child.label) {
			break
		}
		node = child
	}
	return matched
}

func (t *prefixTree) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes
}

// leafHeap orders leaves least-recently-used first.
type leafHeap []*radixNode

func (h leafHeap) Len() int           { return len(h) }
func (h leafHeap) Less(i, j int) bool { return h[i].lastAccess.Before(h[j].lastAccess) }
func (h leafHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *leafHeap) Push(x any)        { *h = append(*h, x.(*radixNode)) }
func (h *leafHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// evict removes least-recently-used leaves until at most maxNodes remain.
// Parents that become leaves join the candidate set.
func (t *prefixTree) evict(maxNodes int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nodes <= maxNodes {
		return 0
	}

	h := &leafHeap{}
	var collect func(*radixNode)
	collect = func(n *radixNode) {
		for _, c := range n.children {
			if c.isLeaf() {
				*h = append(*h, c)
			} else {
				collect(c)
			}
		}
	}
	collect(t.root)
	heap.Init(h)

	removed := 0
	for t.nodes > maxNodes && h.Len() > 0 {
		leaf := heap.Pop(h).(*radixNode)
		parent := leaf.parent
		delete(parent.children, leaf.label[0])
		t.nodes--
		removed++
		if parent != t.root && parent.isLeaf() {
			heap.Push(h, parent)
		}
	}
	return removed
}

// CacheAwareTree keeps one prefix tree per worker. Each tree has its own lock,
// so inserting for one worker never blocks lookups against another.
type CacheAwareTree struct {
	maxNodes int
	now      func() time.Time
	metrics  *Metrics

	mu      sync.RWMutex
	trees   map[WorkerID]*prefixTree
	synced  bool
	version uint64 // Version of the last snapshot applied by Sync
}

// NewCacheAwareTree creates a tree set whose trees are pruned to maxNodes on eviction.
func NewCacheAwareTree(maxNodes int, metrics *Metrics) *CacheAwareTree {
	return &CacheAwareTree{
		maxNodes: maxNodes,
		now:      time.Now,
		metrics:  metrics,
		trees:    make(map[WorkerID]*prefixTree),
	}
}

func (c *CacheAwareTree) tree(id WorkerID, create bool) *prefixTree {
	c.mu.RLock()
	t, ok := c.trees[id]
	c.mu.RUnlock()
	if ok || !create {
		return t
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok = c.trees[id]; !ok {
		t = newPrefixTree()
		c.trees[id] = t
	}
	return t
}

// Sync registers trees for new workers and drops trees of removed ones.
// Snapshots no newer than the last one applied are ignored, so observers
// delivered out of order cannot drop a live worker's tree.
func (c *CacheAwareTree) Sync(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.synced && snap.Version <= c.version {
		return
	}
	c.synced, c.version = true, snap.Version
	live := make(map[WorkerID]struct{}, snap.Len())
	for _, w := range snap.Workers() {
		live[w.ID()] = struct{}{}
		if _, ok := c.trees[w.ID()]; !ok {
			c.trees[w.ID()] = newPrefixTree()
		}
	}
	for id := range c.trees {
		if _, ok := live[id]; !ok {
			delete(c.trees, id)
		}
	}
}

// Insert records that text was routed to id.
func (c *CacheAwareTree) Insert(id WorkerID, text string) {
	if text == "" {
		return
	}
	c.tree(id, true).insert(text, c.now())
}

// MatchLen returns the length of the longest prefix of text cached at id.
func (c *CacheAwareTree) MatchLen(id WorkerID, text string) int {
	t := c.tree(id, false)
	if t == nil {
		return 0
	}
	return t.matchLen(text)
}

// MatchRatio returns matched prefix length over len(text), in [0, 1].
func (c *CacheAwareTree) MatchRatio(id WorkerID, text string) float64 {
	if text == "" {
		return 0
	}
	return float64(c.MatchLen(id, text)) / float64(len(text))
}

// Size returns the node count of id's tree.
func (c *CacheAwareTree) Size(id WorkerID) int {
	t := c.tree(id, false)
	if t == nil {
		return 0
	}
	return t.size()
}

// Evict prunes every tree above the node limit and returns the number of nodes removed.
func (c *CacheAwareTree) Evict() int {
	c.mu.RLock()
	trees := make(map[WorkerID]*prefixTree, len(c.trees))
	for id, t := range c.trees {
		trees[id] = t
	}
	c.mu.RUnlock()

	total := 0
	for id, t := range trees {
		if n := t.evict(c.maxNodes); n > 0 {
			logrus.Debugf("cache tree %s: evicted %d nodes", id, n)
			total += n
		}
	}
	c.metrics.recordEvictions(total)
	return total
}

// StartEvictionLoop prunes trees every interval until ctx is done.
func (c *CacheAwareTree) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evict()
		}
	}
}
