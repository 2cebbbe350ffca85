package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-router/router"
)

// Registration is one heartbeat from a worker announcing itself.
type Registration struct {
	// Type is "P" (prefill), "D" (decode) or empty for a regular worker.
	Type        string `json:"type"`
	HTTPAddress string `json:"http_address"`
	// ZMQAddress is the worker's KV transfer endpoint, kept for listings.
	ZMQAddress string `json:"zmq_address,omitempty"`
}

type registered struct {
	reg  Registration
	id   router.WorkerID
	role router.Role
}

// Heartbeats tracks registrations that must be refreshed within ttl.
// A first registration adds the worker; expiry or deregistration removes it.
type Heartbeats struct {
	sink  Sink
	ttl   time.Duration
	mu    sync.Mutex // serializes the new-or-refresh check with Set
	cache *ttlcache.Cache[string, registered]
}

// NewHeartbeats creates an empty registry emitting into sink.
func NewHeartbeats(ttl time.Duration, sink Sink) *Heartbeats {
	h := &Heartbeats{
		sink:  sink,
		ttl:   ttl,
		cache: ttlcache.New(ttlcache.WithTTL[string, registered](ttl)),
	}
	h.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, registered]) {
		if reason != ttlcache.EvictionReasonExpired && reason != ttlcache.EvictionReasonDeleted {
			return
		}
		r := item.Value()
		if reason == ttlcache.EvictionReasonExpired {
			logrus.Warnf("discovery: %s worker %s missed its heartbeat, removing", r.role, r.id)
		} else {
			logrus.Infof("discovery: %s worker %s deregistered", r.role, r.id)
		}
		h.sink.ApplyEvent(router.WorkerEvent{Type: router.WorkerRemoved, URL: r.id.URL, Rank: r.id.Rank, Role: r.role})
	})
	return h
}

func parseRegistration(reg Registration) (registered, error) {
	role, err := router.ParseRole(reg.Type)
	if err != nil {
		return registered{}, err
	}
	if reg.HTTPAddress == "" {
		return registered{}, errors.New("http_address is required")
	}
	return registered{reg: reg, id: router.ParseWorkerURL(normalizeURL(reg.HTTPAddress)), role: role}, nil
}

// Register records a heartbeat. It reports whether the worker was new.
func (h *Heartbeats) Register(reg Registration) (bool, error) {
	r, err := parseRegistration(reg)
	if err != nil {
		return false, err
	}
	key := eventKey(r.role, r.id)

	h.mu.Lock()
	isNew := !h.cache.Has(key)
	h.cache.Set(key, r, ttlcache.DefaultTTL)
	h.mu.Unlock()

	if isNew {
		logrus.Infof("discovery: %s worker %s registered", r.role, r.id)
		h.sink.ApplyEvent(router.WorkerEvent{Type: router.WorkerAdded, URL: r.id.URL, Rank: r.id.Rank, Role: r.role})
	} else {
		logrus.Debugf("discovery: heartbeat from %s worker %s", r.role, r.id)
	}
	return isNew, nil
}

// Deregister removes a registration at once. It reports whether one existed.
func (h *Heartbeats) Deregister(reg Registration) (bool, error) {
	r, err := parseRegistration(reg)
	if err != nil {
		return false, err
	}
	key := eventKey(r.role, r.id)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cache.Has(key) {
		return false, nil
	}
	h.cache.Delete(key)
	return true, nil
}

// Registrations lists live registrations sorted by address.
func (h *Heartbeats) Registrations() []Registration {
	var out []Registration
	for _, item := range h.cache.Items() {
		out = append(out, item.Value().reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HTTPAddress != out[j].HTTPAddress {
			return out[i].HTTPAddress < out[j].HTTPAddress
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Run expires registrations until ctx is done.
func (h *Heartbeats) Run(ctx context.Context) error {
	go h.cache.Start()
	<-ctx.Done()
	h.cache.Stop()
	return nil
}

// ServeHTTP handles POST (register or refresh), DELETE (deregister) and GET (list).
func (h *Heartbeats) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Registrations())
	case http.MethodPost, http.MethodDelete:
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, fmt.Sprintf("invalid registration: %v", err), http.StatusBadRequest)
			return
		}
		var (
			changed bool
			err     error
		)
		if r.Method == http.MethodPost {
			changed, err = h.Register(reg)
		} else {
			changed, err = h.Deregister(reg)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "ttl_secs": int(h.ttl / time.Second)})
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("discovery: writing response: %v", err)
	}
}
