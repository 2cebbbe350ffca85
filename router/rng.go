package router

import (
	"hash/fnv"
	"math/rand"
	"sync"
)

// === Subsystem Constants ===

const (
	// SubsystemRetry is the RNG subsystem for backoff jitter.
	SubsystemRetry = "retry"
)

// SubsystemPolicy returns the subsystem name for the policy of a pool.
func SubsystemPolicy(pool string) string {
	return "policy_" + pool
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG streams per subsystem,
// so a fixed seed reproduces random and power-of-two selections and jitter.
//
// Derivation formula: masterSeed XOR fnv1a64(subsystemName).
//
// Thread-safety: safe for concurrent use; each stream has its own lock.
type PartitionedRNG struct {
	seed int64

	mu         sync.Mutex
	subsystems map[string]*LockedRand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*LockedRand),
	}
}

// ForSubsystem returns the stream for the named subsystem.
// The same name always returns the same instance. Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *LockedRand {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := &LockedRand{r: rand.New(rand.NewSource(p.seed ^ fnv1a64(name)))}
	p.subsystems[name] = rng
	return rng
}

// Seed returns the master seed.
func (p *PartitionedRNG) Seed() int64 {
	return p.seed
}

// LockedRand is a *rand.Rand guarded by a mutex.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// Intn returns a uniform int in [0, n).
func (l *LockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// Float64 returns a uniform float64 in [0, 1).
func (l *LockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
