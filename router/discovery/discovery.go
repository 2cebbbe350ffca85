// Package discovery feeds worker membership changes into a router from
// sources other than the static configuration: heartbeat registrations that
// expire (Heartbeats) and a watched YAML worker list (FileWatcher).
package discovery

import (
	"strings"

	"github.com/inference-sim/inference-router/router"
)

// Sink receives membership events. *router.Router implements it.
type Sink interface {
	ApplyEvent(ev router.WorkerEvent)
}

// normalizeURL adds a scheme to bare host:port addresses.
func normalizeURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

func eventKey(role router.Role, id router.WorkerID) string {
	return role.String() + "|" + id.String()
}
