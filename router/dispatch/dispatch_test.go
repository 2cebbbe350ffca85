package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-router/router"
)

func testWorker(t *testing.T, url string, rank int, role router.Role) *router.Worker {
	t.Helper()
	reg := router.NewRegistry(role.String(), router.DefaultCircuitBreakerConfig(), nil)
	w, _ := reg.AddWorker(url, rank, role)
	return w
}

// capture records the last request a test server received.
type capture struct {
	mu     sync.Mutex
	calls  int
	path   string
	header http.Header
	body   []byte
}

func (c *capture) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.path = r.URL.RequestURI()
	c.header = r.Header.Clone()
	c.body = body
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newServer(t *testing.T, c *capture, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.record(r)
		w.Header().Set("X-Served-By", "worker")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatch_SingleWorker_ForwardsRequest(t *testing.T) {
	// GIVEN a worker answering 200
	c := &capture{}
	srv := newServer(t, c, http.StatusOK, `{"ok":true}`)
	d := NewHTTPDispatcher(srv.Client(), time.Second)
	header := http.Header{}
	header.Set("Authorization", "Bearer t")
	header.Set("Proxy-Authorization", "secret")
	req := router.NewRoutingRequest(http.MethodPost, "/v1/completions?x=1", header, []byte(`{"prompt":"hi"}`))

	// WHEN the request is dispatched
	out := d.Dispatch(context.Background(), router.Target{Worker: testWorker(t, srv.URL, router.NoRank, router.RoleUnified)},
		req, router.NewRequestContext(router.RoleUnified))

	// THEN the worker sees the same path, body and end-to-end headers
	require.NoError(t, out.Err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, `{"ok":true}`, string(out.Body))
	assert.Equal(t, "worker", out.Header.Get("X-Served-By"))
	assert.Equal(t, router.RoleUnified, out.Stage)
	assert.Equal(t, "/v1/completions?x=1", c.path)
	assert.Equal(t, `{"prompt":"hi"}`, string(c.body))
	assert.Equal(t, "Bearer t", c.header.Get("Authorization"))
	assert.Empty(t, c.header.Get("Proxy-Authorization"))
	assert.Empty(t, c.header.Get(DataParallelRankHeader))
}

func TestDispatch_RankedWorker_SendsRankHeaderToBaseURL(t *testing.T) {
	c := &capture{}
	srv := newServer(t, c, http.StatusOK, "{}")
	d := NewHTTPDispatcher(srv.Client(), time.Second)

	out := d.Dispatch(context.Background(), router.Target{Worker: testWorker(t, srv.URL, 3, router.RoleUnified)},
		router.NewRoutingRequest(http.MethodPost, "/v1/completions", nil, []byte("{}")), router.NewRequestContext(router.RoleUnified))

	require.NoError(t, out.Err)
	assert.Equal(t, "3", c.header.Get(DataParallelRankHeader))
	assert.Equal(t, "/v1/completions", c.path)
}

func TestDispatch_ErrorStatusIsAnOutcomeNotAnError(t *testing.T) {
	c := &capture{}
	srv := newServer(t, c, http.StatusServiceUnavailable, "busy")
	d := NewHTTPDispatcher(srv.Client(), time.Second)

	out := d.Dispatch(context.Background(), router.Target{Worker: testWorker(t, srv.URL, router.NoRank, router.RoleUnified)},
		router.NewRoutingRequest(http.MethodPost, "/", nil, nil), router.NewRequestContext(router.RoleUnified))

	require.NoError(t, out.Err)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	assert.True(t, out.Retryable())
}

func TestDispatch_TimeoutIsATransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	d := NewHTTPDispatcher(srv.Client(), 20*time.Millisecond)

	out := d.Dispatch(context.Background(), router.Target{Worker: testWorker(t, srv.URL, router.NoRank, router.RoleUnified)},
		router.NewRoutingRequest(http.MethodPost, "/", nil, nil), router.NewRequestContext(router.RoleUnified))

	require.Error(t, out.Err)
	assert.True(t, errors.Is(out.Err, context.DeadlineExceeded))
	assert.True(t, out.Retryable())
}

func TestDispatch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	d := NewHTTPDispatcher(nil, time.Second)

	out := d.Dispatch(context.Background(), router.Target{Worker: testWorker(t, url, router.NoRank, router.RoleUnified)},
		router.NewRoutingRequest(http.MethodPost, "/", nil, nil), router.NewRequestContext(router.RoleUnified))

	assert.Error(t, out.Err)
	assert.True(t, out.Retryable())
}

func TestDispatch_Pair_TwoStages(t *testing.T) {
	// GIVEN a prefill worker returning kv_transfer_params and a decode worker
	pc, dc := &capture{}, &capture{}
	prefillSrv := newServer(t, pc, http.StatusOK, `{"kv_transfer_params":{"remote_host":"10.0.0.1","remote_port":5557}}`)
	decodeSrv := newServer(t, dc, http.StatusOK, `{"choices":[{"text":"done"}]}`)
	d := NewHTTPDispatcher(nil, time.Second)
	target := router.Target{
		Worker: testWorker(t, prefillSrv.URL, 1, router.RolePrefill),
		Decode: testWorker(t, decodeSrv.URL, 1, router.RoleDecode),
	}
	original := `{"prompt":"hi","max_tokens":64,"min_tokens":8,"stream":true,"stream_options":{"include_usage":true}}`

	// WHEN the pair is dispatched
	out := d.Dispatch(context.Background(), target,
		router.NewRoutingRequest(http.MethodPost, "/v1/completions", nil, []byte(original)), router.NewRequestContext(router.RolePrefill))

	// THEN decode's response is returned
	require.NoError(t, out.Err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, router.RoleDecode, out.Stage)
	assert.Contains(t, string(out.Body), "done")

	// AND prefill got the clamped, non-streaming request
	var prefillDoc map[string]any
	require.NoError(t, json.Unmarshal(pc.body, &prefillDoc))
	assert.Equal(t, 1.0, prefillDoc["max_tokens"])
	assert.Equal(t, 1.0, prefillDoc["min_tokens"])
	assert.Equal(t, false, prefillDoc["stream"])
	assert.NotContains(t, prefillDoc, "stream_options")
	assert.Contains(t, prefillDoc, "kv_transfer_params")

	// AND decode got the original request plus prefill's kv_transfer_params
	var decodeDoc map[string]any
	require.NoError(t, json.Unmarshal(dc.body, &decodeDoc))
	assert.Equal(t, 64.0, decodeDoc["max_tokens"])
	assert.Equal(t, true, decodeDoc["stream"])
	assert.Equal(t, map[string]any{"remote_host": "10.0.0.1", "remote_port": 5557.0}, decodeDoc["kv_transfer_params"])

	// AND both stages share one pairing ID and carry the rank
	id := pc.header.Get(RequestIDHeader)
	assert.True(t, strings.HasPrefix(id, "___prefill_addr_127.0.0.1:"), id)
	assert.Equal(t, id, dc.header.Get(RequestIDHeader))
	assert.Equal(t, "1", pc.header.Get(DataParallelRankHeader))
	assert.Equal(t, "1", dc.header.Get(DataParallelRankHeader))
}

func TestDispatch_Pair_MergesPromptLogprobs(t *testing.T) {
	// GIVEN prefill returning prompt logprobs for a chat request that asks for logprobs
	pc, dc := &capture{}, &capture{}
	prefillSrv := newServer(t, pc, http.StatusOK, `{"prompt_logprobs":[null,-0.25]}`)
	decodeSrv := newServer(t, dc, http.StatusOK, `{"choices":[{"message":{"content":"hi"}}]}`)
	d := NewHTTPDispatcher(nil, time.Second)
	target := router.Target{
		Worker: testWorker(t, prefillSrv.URL, router.NoRank, router.RolePrefill),
		Decode: testWorker(t, decodeSrv.URL, router.NoRank, router.RoleDecode),
	}
	body := `{"messages":[{"role":"user","content":"hi"}],"logprobs":true}`

	// WHEN the pair is dispatched
	out := d.Dispatch(context.Background(), target,
		router.NewRoutingRequest(http.MethodPost, "/v1/chat/completions", nil, []byte(body)), router.NewRequestContext(router.RolePrefill))

	// THEN the decode response carries prefill's prompt logprobs
	require.NoError(t, out.Err)
	assert.JSONEq(t, `{"prompt_logprobs":[null,-0.25],"choices":[{"message":{"content":"hi"}}]}`, string(out.Body))
}

func TestDispatch_Pair_StreamingSkipsLogprobsMerge(t *testing.T) {
	pc, dc := &capture{}, &capture{}
	prefillSrv := newServer(t, pc, http.StatusOK, `{"prompt_logprobs":[null,-0.25]}`)
	decodeSrv := newServer(t, dc, http.StatusOK, `data: {"choices":[]}`)
	d := NewHTTPDispatcher(nil, time.Second)
	target := router.Target{
		Worker: testWorker(t, prefillSrv.URL, router.NoRank, router.RolePrefill),
		Decode: testWorker(t, decodeSrv.URL, router.NoRank, router.RoleDecode),
	}
	body := `{"prompt":"hi","logprobs":1,"stream":true}`

	out := d.Dispatch(context.Background(), target,
		router.NewRoutingRequest(http.MethodPost, "/v1/completions", nil, []byte(body)), router.NewRequestContext(router.RolePrefill))

	require.NoError(t, out.Err)
	assert.Equal(t, `data: {"choices":[]}`, string(out.Body))
}

func TestDispatch_Pair_PrefillFailureSkipsDecode(t *testing.T) {
	pc, dc := &capture{}, &capture{}
	prefillSrv := newServer(t, pc, http.StatusInternalServerError, "boom")
	decodeSrv := newServer(t, dc, http.StatusOK, "{}")
	d := NewHTTPDispatcher(nil, time.Second)
	target := router.Target{
		Worker: testWorker(t, prefillSrv.URL, router.NoRank, router.RolePrefill),
		Decode: testWorker(t, decodeSrv.URL, router.NoRank, router.RoleDecode),
	}

	out := d.Dispatch(context.Background(), target,
		router.NewRoutingRequest(http.MethodPost, "/v1/completions", nil, []byte(`{"prompt":"hi"}`)), router.NewRequestContext(router.RolePrefill))

	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Equal(t, router.RolePrefill, out.Stage)
	assert.Equal(t, 1, pc.count())
	assert.Equal(t, 0, dc.count())
}

func TestDispatch_Pair_InvalidBody(t *testing.T) {
	pc, dc := &capture{}, &capture{}
	prefillSrv := newServer(t, pc, http.StatusOK, "{}")
	decodeSrv := newServer(t, dc, http.StatusOK, "{}")
	d := NewHTTPDispatcher(nil, time.Second)
	target := router.Target{
		Worker: testWorker(t, prefillSrv.URL, router.NoRank, router.RolePrefill),
		Decode: testWorker(t, decodeSrv.URL, router.NoRank, router.RoleDecode),
	}

	out := d.Dispatch(context.Background(), target,
		router.NewRoutingRequest(http.MethodPost, "/v1/completions", nil, []byte("not json")), router.NewRequestContext(router.RolePrefill))

	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.False(t, out.Retryable())
	assert.Equal(t, 0, pc.count())
	assert.Equal(t, 0, dc.count())
}

func TestHTTPProber(t *testing.T) {
	healthy := newServer(t, &capture{}, http.StatusOK, "ok")
	c := &capture{}
	sick := newServer(t, c, http.StatusServiceUnavailable, "")
	probe := HTTPProber(nil, "/health")

	assert.NoError(t, probe(context.Background(), testWorker(t, healthy.URL, router.NoRank, router.RoleUnified)))
	err := probe(context.Background(), testWorker(t, sick.URL, 2, router.RoleUnified))
	assert.ErrorContains(t, err, "503")
	assert.Equal(t, "/health", c.path)
	assert.Equal(t, "2", c.header.Get(DataParallelRankHeader))
}
