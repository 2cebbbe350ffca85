package router

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PolicyKind names a load-balancing policy.
type PolicyKind string

const (
	PolicyRoundRobin     PolicyKind = "round_robin"
	PolicyRandom         PolicyKind = "random"
	PolicyConsistentHash PolicyKind = "consistent_hash"
	PolicyPowerOfTwo     PolicyKind = "power_of_two"
	PolicyCacheAware     PolicyKind = "cache_aware"
)

// validPolicies maps every accepted spelling to its kind. "" selects round robin.
var validPolicies = map[string]PolicyKind{
	"":                PolicyRoundRobin,
	"round_robin":     PolicyRoundRobin,
	"roundrobin":      PolicyRoundRobin,
	"random":          PolicyRandom,
	"consistent_hash": PolicyConsistentHash,
	"consistenthash":  PolicyConsistentHash,
	"power_of_two":    PolicyPowerOfTwo,
	"poweroftwo":      PolicyPowerOfTwo,
	"cache_aware":     PolicyCacheAware,
	"cacheaware":      PolicyCacheAware,
}

func normalizePolicyName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// ParsePolicyKind resolves a policy name. Case and '-' vs '_' are ignored.
func ParsePolicyKind(name string) (PolicyKind, bool) {
	kind, ok := validPolicies[normalizePolicyName(name)]
	return kind, ok
}

// IsValidPolicy reports whether name is a recognized policy.
func IsValidPolicy(name string) bool {
	_, ok := ParsePolicyKind(name)
	return ok
}

// ValidPolicyNames returns the canonical policy names, sorted.
func ValidPolicyNames() []string {
	seen := map[PolicyKind]bool{}
	var names []string
	for _, kind := range validPolicies {
		if !seen[kind] {
			seen[kind] = true
			names = append(names, string(kind))
		}
	}
	sort.Strings(names)
	return names
}

// CacheAwareConfig tunes the cache_aware policy.
type CacheAwareConfig struct {
	// CacheThreshold is the minimum prefix match ratio for routing by cache affinity.
	CacheThreshold float64
	// The system is imbalanced when (max-min) load exceeds BalanceAbsThreshold
	// and max exceeds min*BalanceRelThreshold.
	BalanceAbsThreshold int64
	BalanceRelThreshold float64
	EvictionInterval    time.Duration
	MaxTreeSize         int
}

// DefaultCacheAwareConfig returns the stock cache_aware tuning.
func DefaultCacheAwareConfig() CacheAwareConfig {
	return CacheAwareConfig{
		CacheThreshold:      0.5,
		BalanceAbsThreshold: 32,
		BalanceRelThreshold: 1.1,
		EvictionInterval:    30 * time.Second,
		MaxTreeSize:         10000,
	}
}

// PolicyOptions carries what a policy may need beyond its kind.
type PolicyOptions struct {
	RNG        *LockedRand // random, power_of_two; seeded from 0 if nil
	CacheAware CacheAwareConfig
	Metrics    *Metrics
}

// RoutingDecision is the outcome of one selection.
type RoutingDecision struct {
	Worker *Worker
	Policy PolicyKind
	Reason string // human-readable explanation
}

// Policy selects a worker from the eligible members of a snapshot.
//
// All five kinds share this one type; Select dispatches on kind. Per-kind
// state (counter, RNG, ring, trees) is only populated for the kind that uses it.
// Select is safe for concurrent use.
type Policy struct {
	kind    PolicyKind
	metrics *Metrics

	counter atomic.Uint64 // round_robin

	rng *LockedRand // random, power_of_two

	ring *HashRing // consistent_hash

	tree     *CacheAwareTree // cache_aware
	cacheCfg CacheAwareConfig
}

// NewRoutingPolicy creates a policy by name.
// Panics on an unrecognized name; names are validated with the config.
func NewRoutingPolicy(name string, opts PolicyOptions) *Policy {
	kind, ok := ParsePolicyKind(name)
	if !ok {
		panic(fmt.Sprintf("unknown routing policy %q", name))
	}
	p := &Policy{kind: kind, metrics: opts.Metrics}
	switch kind {
	case PolicyRandom, PolicyPowerOfTwo:
		p.rng = opts.RNG
		if p.rng == nil {
			p.rng = NewPartitionedRNG(0).ForSubsystem(SubsystemPolicy(string(kind)))
		}
	case PolicyConsistentHash:
		p.ring = NewHashRing()
	case PolicyCacheAware:
		p.cacheCfg = opts.CacheAware
		p.tree = NewCacheAwareTree(opts.CacheAware.MaxTreeSize, opts.Metrics)
	}
	return p
}

// Kind returns the policy kind.
func (p *Policy) Kind() PolicyKind { return p.kind }

// Tree returns the prefix trees of a cache_aware policy, nil otherwise.
func (p *Policy) Tree() *CacheAwareTree { return p.tree }

// Attach keeps the policy's per-worker structures in step with reg's membership.
func (p *Policy) Attach(reg *Registry) {
	switch p.kind {
	case PolicyConsistentHash:
		reg.OnChange(p.ring.Sync)
	case PolicyCacheAware:
		reg.OnChange(p.tree.Sync)
	}
}

// Select picks one worker among snap's eligible workers that pass filters.
// rc may be nil. Returns ErrNoHealthyWorkers when no worker is eligible.
func (p *Policy) Select(snap *Snapshot, req *RoutingRequest, rc *RequestContext, filters ...Filter) (RoutingDecision, error) {
	eligible := snap.Eligible(filters...)
	if len(eligible) == 0 {
		return RoutingDecision{}, fmt.Errorf("%s policy over %d workers: %w", p.kind, snap.Len(), ErrNoHealthyWorkers)
	}

	var d RoutingDecision
	switch p.kind {
	case PolicyRoundRobin:
		d = p.roundRobin(eligible)
	case PolicyRandom:
		d = p.random(eligible)
	case PolicyConsistentHash:
		d = p.consistentHash(snap, eligible, req, rc)
	case PolicyPowerOfTwo:
		d = p.powerOfTwo(eligible)
	case PolicyCacheAware:
		d = p.cacheAware(eligible, req)
	default:
		panic(fmt.Sprintf("unhandled routing policy %q", p.kind))
	}
	d.Policy = p.kind
	p.metrics.recordDecision(p.kind, d.Worker.ID())
	logrus.Debugf("%s selected %s: %s", p.kind, d.Worker.ID(), d.Reason)
	return d, nil
}

func (p *Policy) roundRobin(eligible []*Worker) RoutingDecision {
	n := p.counter.Add(1) - 1
	target := eligible[n%uint64(len(eligible))]
	return RoutingDecision{Worker: target, Reason: fmt.Sprintf("round-robin[%d]", n)}
}

func (p *Policy) random(eligible []*Worker) RoutingDecision {
	i := p.rng.Intn(len(eligible))
	return RoutingDecision{Worker: eligible[i], Reason: fmt.Sprintf("random[%d/%d]", i, len(eligible))}
}

// powerOfTwo samples two distinct workers and keeps the one with fewer
// in-flight requests. Ties go to the first sample.
func (p *Policy) powerOfTwo(eligible []*Worker) RoutingDecision {
	if len(eligible) == 1 {
		return RoutingDecision{Worker: eligible[0], Reason: "power-of-two (single candidate)"}
	}
	i := p.rng.Intn(len(eligible))
	j := p.rng.Intn(len(eligible) - 1)
	if j >= i {
		j++
	}
	a, b := eligible[i], eligible[j]
	la, lb := a.Load(), b.Load()
	if lb < la {
		return RoutingDecision{Worker: b, Reason: fmt.Sprintf("power-of-two (load %d < %d)", lb, la)}
	}
	return RoutingDecision{Worker: a, Reason: fmt.Sprintf("power-of-two (load %d <= %d)", la, lb)}
}

func (p *Policy) consistentHash(snap *Snapshot, eligible []*Worker, req *RoutingRequest, rc *RequestContext) RoutingDecision {
	p.ring.Sync(snap)
	var key string
	if rc != nil {
		key = rc.KeyFor(req)
	} else {
		key = ExtractRoutingKey(req.Header, req.Body)
	}

	byID := make(map[WorkerID]*Worker, len(eligible))
	for _, w := range eligible {
		byID[w.ID()] = w
	}
	id, ok := p.ring.Lookup(key, func(id WorkerID) bool {
		_, ok := byID[id]
		return ok
	})
	if !ok {
		return RoutingDecision{Worker: eligible[0], Reason: "consistent-hash (ring miss, first eligible)"}
	}
	return RoutingDecision{Worker: byID[id], Reason: "consistent-hash " + key}
}

// cacheAware routes by prefix affinity while loads are balanced and to the
// least-loaded worker otherwise. The chosen worker's tree always records the
// routed text.
func (p *Policy) cacheAware(eligible []*Worker, req *RoutingRequest) RoutingDecision {
	text := req.Text()

	minW := eligible[0]
	minLoad := minW.Load()
	maxLoad := minLoad
	for _, w := range eligible[1:] {
		l := w.Load()
		if l < minLoad {
			minW, minLoad = w, l
		}
		if l > maxLoad {
			maxLoad = l
		}
	}

	var d RoutingDecision
	if maxLoad-minLoad > p.cacheCfg.BalanceAbsThreshold &&
		float64(maxLoad) > float64(minLoad)*p.cacheCfg.BalanceRelThreshold {
		d = RoutingDecision{Worker: minW, Reason: fmt.Sprintf("cache-aware imbalanced (load %d..%d)", minLoad, maxLoad)}
	} else {
		best, bestRatio := eligible[0], -1.0
		for _, w := range eligible {
			if r := p.tree.MatchRatio(w.ID(), text); r > bestRatio {
				best, bestRatio = w, r
			}
		}
		if bestRatio > p.cacheCfg.CacheThreshold {
			d = RoutingDecision{Worker: best, Reason: fmt.Sprintf("cache-aware hit (match=%.2f)", bestRatio)}
		} else {
			smallest, size := eligible[0], p.tree.Size(eligible[0].ID())
			for _, w := range eligible[1:] {
				if s := p.tree.Size(w.ID()); s < size {
					smallest, size = w, s
				}
			}
			d = RoutingDecision{Worker: smallest, Reason: fmt.Sprintf("cache-aware miss (match=%.2f, tree=%d)", bestRatio, size)}
		}
	}
	p.tree.Insert(d.Worker.ID(), text)
	return d
}
