package router

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// WorkerPair is a prefill/decode selection for one attempt.
type WorkerPair struct {
	Prefill      *Worker
	Decode       *Worker
	RankFallback bool // decode could not honor the prefill rank
}

// PDCoordinator selects prefill/decode pairs from two independent pools.
// When the prefill pick carries a data-parallel rank and the decode pool is
// expanded too, the decode pick is restricted to that rank if any eligible
// decode worker has it.
type PDCoordinator struct {
	prefill       *Registry
	decode        *Registry
	prefillPolicy *Policy
	decodePolicy  *Policy
	metrics       *Metrics
}

// NewPDCoordinator wires two pools to their policies.
func NewPDCoordinator(prefill, decode *Registry, prefillPolicy, decodePolicy *Policy, metrics *Metrics) *PDCoordinator {
	prefillPolicy.Attach(prefill)
	decodePolicy.Attach(decode)
	return &PDCoordinator{
		prefill:       prefill,
		decode:        decode,
		prefillPolicy: prefillPolicy,
		decodePolicy:  decodePolicy,
		metrics:       metrics,
	}
}

// Prefill returns the prefill pool.
func (c *PDCoordinator) Prefill() *Registry { return c.prefill }

// Decode returns the decode pool.
func (c *PDCoordinator) Decode() *Registry { return c.decode }

// SelectPair picks a prefill worker, then a decode worker, skipping workers
// already tried by rc. rc.Rank is updated with the new prefill rank, so rank
// pairing follows the latest prefill pick on every retry.
func (c *PDCoordinator) SelectPair(req *RoutingRequest, rc *RequestContext) (WorkerPair, error) {
	p, err := c.prefillPolicy.Select(c.prefill.Snapshot(), req, rc, rc.Exclusions(RolePrefill))
	if err != nil {
		return WorkerPair{}, fmt.Errorf("prefill: %w", err)
	}
	rc.Rank = p.Worker.Rank()

	decodeSnap := c.decode.Snapshot()
	if rc.Rank != NoRank && decodeSnap.Ranked() {
		d, err := c.decodePolicy.Select(decodeSnap, req, rc, rc.Exclusions(RoleDecode), WithRank(rc.Rank))
		if err == nil {
			return WorkerPair{Prefill: p.Worker, Decode: d.Worker}, nil
		}
		if !errors.Is(err, ErrNoHealthyWorkers) {
			return WorkerPair{}, fmt.Errorf("decode: %w", err)
		}
		logrus.Warnf("request %s: %v %d (prefill %s); falling back to %s decode selection",
			rc.ID, ErrRankMismatch, rc.Rank, p.Worker.ID(), c.decodePolicy.Kind())
		c.metrics.recordRankFallback()
		d, err = c.decodePolicy.Select(decodeSnap, req, rc, rc.Exclusions(RoleDecode))
		if err != nil {
			return WorkerPair{}, fmt.Errorf("decode: %w", err)
		}
		return WorkerPair{Prefill: p.Worker, Decode: d.Worker, RankFallback: true}, nil
	}

	d, err := c.decodePolicy.Select(decodeSnap, req, rc, rc.Exclusions(RoleDecode))
	if err != nil {
		return WorkerPair{}, fmt.Errorf("decode: %w", err)
	}
	return WorkerPair{Prefill: p.Worker, Decode: d.Worker}, nil
}
