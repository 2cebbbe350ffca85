package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-router/router"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 64 << 20

// Headers added to relayed responses.
const (
	routedToHeader = "X-Routed-To"
	attemptsHeader = "X-Router-Attempts"
)

// newProxyHandler relays every request through r. A worker's own response is
// passed back whenever there is one, including non-retryable errors and the
// last failure after retries; otherwise the router's status is returned.
func newProxyHandler(r *router.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "reading request body: "+err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		rr := router.NewRoutingRequest(req.Method, req.URL.RequestURI(), req.Header.Clone(), body)

		res, err := r.Route(req.Context(), rr)
		if res != nil && res.Outcome.Err == nil {
			writeOutcome(w, res)
			if err != nil {
				logrus.Debugf("%s %s: relayed worker failure: %v", req.Method, req.URL.Path, err)
			}
			return
		}
		writeRouterError(w, err)
	})
}

func writeOutcome(w http.ResponseWriter, res *router.Result) {
	for k, vs := range res.Outcome.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(routedToHeader, res.Target.String())
	w.Header().Set(attemptsHeader, strconv.Itoa(res.Attempts))
	w.WriteHeader(res.Outcome.Status)
	if _, err := w.Write(res.Outcome.Body); err != nil {
		logrus.Debugf("writing response: %v", err)
	}
}

// routerErrorBody is the JSON error returned when no worker response can be relayed.
type routerErrorBody struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
	Worker   string `json:"worker,omitempty"`
}

func writeRouterError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	body := routerErrorBody{Error: "no response"}
	if err != nil {
		body.Error = err.Error()
	}
	var de *router.DispatchError
	if errors.As(err, &de) {
		status = de.Status
		body.Attempts = de.Attempts
		if de.Worker.URL != "" {
			body.Worker = de.Worker.String()
		}
	}
	if errors.Is(err, router.ErrNoHealthyWorkers) && status != router.StatusClientClosedRequest {
		logrus.Warnf("request rejected: %v", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("writing response: %v", err)
	}
}
