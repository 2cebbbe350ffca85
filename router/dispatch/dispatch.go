// Package dispatch sends routed requests to workers over HTTP.
//
// HTTPDispatcher implements router.Dispatcher. A single-worker target gets
// the request as received. A prefill/decode target runs two stages: a
// prefill-only copy of the request (see PreparePrefillBody) followed by the
// original request on the decode worker, both tagged with the same
// PDRequestID so the workers can pair up their KV transfer.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-router/router"
)

const (
	// DataParallelRankHeader tells a data-parallel server which rank serves the request.
	DataParallelRankHeader = "X-data-parallel-rank"
	// RequestIDHeader carries the prefill/decode pairing ID.
	RequestIDHeader = "X-Request-Id"
)

// hopHeaders are not forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
	"Content-Encoding":    true,
}

// HTTPDispatcher forwards requests to workers with a shared http.Client.
type HTTPDispatcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPDispatcher creates a dispatcher. A nil client gets a pooled default
// transport. timeout bounds each stage of each attempt; 0 means no bound
// beyond the caller's context.
func NewHTTPDispatcher(client *http.Client, timeout time.Duration) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPDispatcher{client: client, timeout: timeout}
}

// Dispatch implements router.Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, target router.Target, req *router.RoutingRequest, rc *router.RequestContext) router.Outcome {
	if target.Decode == nil {
		out := d.send(ctx, target.Worker, req.Method, req.Path, req.Header, req.Body, nil)
		out.Stage = target.Worker.Role()
		return out
	}
	return d.dispatchPair(ctx, target, req, rc)
}

func (d *HTTPDispatcher) dispatchPair(ctx context.Context, target router.Target, req *router.RoutingRequest, rc *router.RequestContext) router.Outcome {
	prefill, decode := target.Worker, target.Decode
	requestID := PDRequestID(prefill.URL(), decode.URL())
	extra := http.Header{RequestIDHeader: []string{requestID}}

	prefillBody, err := PreparePrefillBody(req.Body)
	if err != nil {
		return router.Outcome{
			Status: http.StatusBadRequest,
			Body:   []byte(err.Error()),
			Stage:  router.RolePrefill,
		}
	}

	logrus.Debugf("request %s: prefill stage on %s (%s)", rc.ID, prefill.ID(), requestID)
	out := d.send(ctx, prefill, req.Method, req.Path, req.Header, prefillBody, extra)
	out.Stage = router.RolePrefill
	if !out.Succeeded() {
		return out
	}

	prefillResp := out.Body
	logrus.Debugf("request %s: decode stage on %s", rc.ID, decode.ID())
	out = d.send(ctx, decode, req.Method, req.Path, req.Header, DecodeBody(req.Body, prefillResp), extra)
	out.Stage = router.RoleDecode
	if out.Succeeded() && WantsLogprobs(req.Body) {
		if body, ok := MergeLogprobs(prefillResp, out.Body); ok {
			out.Body = body
		} else {
			logrus.Debugf("request %s: no logprobs to merge from prefill", rc.ID)
		}
	}
	return out
}

// send performs one HTTP exchange with w and buffers the response.
func (d *HTTPDispatcher) send(ctx context.Context, w *router.Worker, method, path string, header http.Header, body []byte, extra http.Header) router.Outcome {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, joinURL(w.URL(), path), bytes.NewReader(body))
	if err != nil {
		return router.Outcome{Err: fmt.Errorf("building request for %s: %w", w.ID(), err)}
	}
	copyHeader(httpReq.Header, header)
	for k, vs := range extra {
		httpReq.Header[k] = vs
	}
	if w.ID().HasRank() {
		httpReq.Header.Set(DataParallelRankHeader, strconv.Itoa(w.Rank()))
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return router.Outcome{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return router.Outcome{Err: fmt.Errorf("reading response from %s: %w", w.ID(), err)}
	}
	out := router.Outcome{Status: resp.StatusCode, Header: http.Header{}, Body: respBody}
	copyHeader(out.Header, resp.Header)
	return out
}

// copyHeader copies src into dst without hop-by-hop headers.
func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
