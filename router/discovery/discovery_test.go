package discovery

import (
	"sync"

	"github.com/inference-sim/inference-router/router"
)

// recordingSink collects events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []router.WorkerEvent
}

func (s *recordingSink) ApplyEvent(ev router.WorkerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []router.WorkerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]router.WorkerEvent(nil), s.events...)
}

func added(url string, rank int, role router.Role) router.WorkerEvent {
	return router.WorkerEvent{Type: router.WorkerAdded, URL: url, Rank: rank, Role: role}
}

func removed(url string, rank int, role router.Role) router.WorkerEvent {
	return router.WorkerEvent{Type: router.WorkerRemoved, URL: url, Rank: rank, Role: role}
}
