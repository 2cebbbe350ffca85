package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-router/router"
	"github.com/inference-sim/inference-router/router/trace"
)

var (
	requestsPath string
	failWorkers  []string
)

// RequestLine is one request of a dry-run input file (JSON Lines).
type RequestLine struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// readRequests parses JSON Lines, skipping blank lines.
func readRequests(r io.Reader) ([]*router.RoutingRequest, error) {
	var out []*router.RoutingRequest
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rl RequestLine
		if err := json.Unmarshal([]byte(text), &rl); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rl.Method == "" {
			rl.Method = http.MethodPost
		}
		if rl.Path == "" {
			rl.Path = "/v1/completions"
		}
		header := http.Header{}
		for k, v := range rl.Headers {
			header.Set(k, v)
		}
		out = append(out, router.NewRoutingRequest(rl.Method, rl.Path, header, rl.Body))
	}
	return out, scanner.Err()
}

// dryRunDispatcher answers every attempt without network I/O. Workers whose
// URL is listed in failing answer 503, which exercises breakers and retries.
type dryRunDispatcher struct {
	failing map[string]bool
}

func (d dryRunDispatcher) Dispatch(_ context.Context, t router.Target, _ *router.RoutingRequest, _ *router.RequestContext) router.Outcome {
	for _, w := range []*router.Worker{t.Worker, t.Decode} {
		if w != nil && d.failing[w.URL()] {
			return router.Outcome{Status: http.StatusServiceUnavailable, Stage: w.Role()}
		}
	}
	stage := t.Worker.Role()
	if t.Decode != nil {
		stage = router.RoleDecode
	}
	return router.Outcome{Status: http.StatusOK, Stage: stage}
}

// routeCmd replays requests through the routing stack and prints where they went.
var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Dry-run requests through the router and summarize decisions",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		in := os.Stdin
		if requestsPath != "" && requestsPath != "-" {
			f, err := os.Open(requestsPath)
			if err != nil {
				logrus.Fatalf("Failed to open requests file: %v", err)
			}
			defer f.Close()
			in = f
		}
		reqs, err := readRequests(in)
		if err != nil {
			logrus.Fatalf("Failed to read requests: %v", err)
		}
		summary, err := dryRun(cmd.Context(), *cfg, reqs, failWorkers)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			logrus.Fatalf("Failed to encode summary: %v", err)
		}
		fmt.Println(string(out))
	},
}

// dryRun routes reqs with decision tracing on and returns the trace summary.
func dryRun(ctx context.Context, cfg router.RouterConfig, reqs []*router.RoutingRequest, failing []string) (*trace.TraceSummary, error) {
	cfg.Trace.Level = string(trace.TraceLevelDecisions)
	d := dryRunDispatcher{failing: map[string]bool{}}
	for _, u := range failing {
		d.failing[u] = true
	}
	r, err := router.New(cfg, d)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	failed := 0
	for _, req := range reqs {
		if _, err := r.Route(ctx, req); err != nil {
			failed++
			logrus.Debugf("request failed: %v", err)
		}
	}
	logrus.Infof("Routed %d requests, %d failed", len(reqs), failed)
	return trace.Summarize(r.Trace()), nil
}

func init() {
	routeCmd.Flags().StringVar(&requestsPath, "requests", "-", "JSON Lines file of requests ('-' for stdin)")
	routeCmd.Flags().StringSliceVar(&failWorkers, "fail-workers", nil, "Worker URLs that answer 503 during the dry run")
	addRouterFlags(routeCmd.Flags())
	rootCmd.AddCommand(routeCmd)
}
