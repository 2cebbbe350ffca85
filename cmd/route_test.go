package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-router/router"
)

func TestReadRequests(t *testing.T) {
	in := strings.NewReader(`{"headers":{"X-Session-ID":"a"},"body":{"prompt":"hi"}}

{"method":"POST","path":"/v1/chat/completions","body":{"messages":[]}}
`)

	reqs, err := readRequests(in)

	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "/v1/completions", reqs[0].Path)
	assert.Equal(t, "a", reqs[0].Header.Get("X-Session-ID"))
	assert.JSONEq(t, `{"prompt":"hi"}`, string(reqs[0].Body))
	assert.Equal(t, "/v1/chat/completions", reqs[1].Path)
}

func TestReadRequests_BadLine(t *testing.T) {
	_, err := readRequests(strings.NewReader("{\"body\":{}}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestDryRun_RoundRobinDistribution(t *testing.T) {
	cfg := router.DefaultRouterConfig()
	cfg.Policy = "round_robin"
	cfg.WorkerURLs = []string{"http://w0", "http://w1", "http://w2"}
	var reqs []*router.RoutingRequest
	for i := 0; i < 6; i++ {
		reqs = append(reqs, router.NewRoutingRequest("POST", "/v1/completions", nil, []byte(`{"prompt":"x"}`)))
	}

	summary, err := dryRun(context.Background(), cfg, reqs, nil)

	require.NoError(t, err)
	assert.Equal(t, 6, summary.TotalDecisions)
	assert.Equal(t, map[string]int{"http://w0": 2, "http://w1": 2, "http://w2": 2}, summary.TargetDistribution)
	assert.Zero(t, summary.FailedAttempts)
}

func TestDryRun_FailingWorkerIsRetried(t *testing.T) {
	cfg := router.DefaultRouterConfig()
	cfg.Policy = "round_robin"
	cfg.WorkerURLs = []string{"http://w0", "http://w1"}
	cfg.Retry.InitialBackoffMs = 1
	cfg.Retry.MaxBackoffMs = 1
	reqs := []*router.RoutingRequest{router.NewRoutingRequest("POST", "/v1/completions", nil, []byte(`{}`))}

	summary, err := dryRun(context.Background(), cfg, reqs, []string{"http://w0"})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalAttempts)
	assert.Equal(t, 1, summary.FailedAttempts)
	assert.Equal(t, 1, summary.Retries)
}
