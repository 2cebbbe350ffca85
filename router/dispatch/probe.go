package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/inference-sim/inference-router/router"
)

// HTTPProber returns a router.ProbeFunc that GETs endpoint on each worker.
// Any 2xx answer is healthy. Ranked workers are probed with their rank header.
func HTTPProber(client *http.Client, endpoint string) router.ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, w *router.Worker) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(w.URL(), endpoint), nil)
		if err != nil {
			return err
		}
		if w.ID().HasRank() {
			req.Header.Set(DataParallelRankHeader, strconv.Itoa(w.Rank()))
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%s%s returned %d", w.URL(), endpoint, resp.StatusCode)
		}
		return nil
	}
}
