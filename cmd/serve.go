package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-router/router"
	"github.com/inference-sim/inference-router/router/discovery"
	"github.com/inference-sim/inference-router/router/dispatch"
)

var (
	listenAddr      string
	shutdownTimeout time.Duration
)

// serveCmd runs the router as an HTTP reverse proxy.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router as an HTTP proxy",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx, *cfg, listenAddr); err != nil {
			logrus.Fatalf("Router stopped: %v", err)
		}
		logrus.Info("Router stopped.")
	},
}

// server is a running router with its HTTP surface.
type server struct {
	router     *router.Router
	registry   *prometheus.Registry
	heartbeats *discovery.Heartbeats
	files      *discovery.FileWatcher
}

func newServer(cfg router.RouterConfig) (*server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r, err := router.New(cfg, dispatch.NewHTTPDispatcher(nil, cfg.RequestTimeout()),
		router.WithMetrics(router.NewMetrics(reg)),
		router.WithProbe(dispatch.HTTPProber(&http.Client{}, cfg.HealthCheck.Endpoint)))
	if err != nil {
		return nil, err
	}
	s := &server{router: r, registry: reg}
	if ttl := cfg.Discovery.HeartbeatTTLSecs; ttl > 0 {
		s.heartbeats = discovery.NewHeartbeats(time.Duration(ttl)*time.Second, r)
	}
	if cfg.Discovery.File != "" {
		s.files = discovery.NewFileWatcher(cfg.Discovery.File, cfg.DPSize, r)
	}
	return s, nil
}

// handler serves the proxy plus the router's own endpoints.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/router/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/router/workers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.router.Workers())
	})
	if s.heartbeats != nil {
		mux.Handle("/router/register", s.heartbeats)
	}
	mux.Handle("/", newProxyHandler(s.router))
	return mux
}

func serve(ctx context.Context, cfg router.RouterConfig, addr string) error {
	s, err := newServer(cfg)
	if err != nil {
		return err
	}
	if wait := cfg.HealthCheck.WaitTimeoutSecs; wait > 0 {
		if err := s.router.WaitForHealthy(ctx, time.Duration(wait)*time.Second); err != nil {
			return err
		}
	}

	httpServer := &http.Server{Addr: addr, Handler: s.handler(), ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.router.Run(ctx) })
	if s.heartbeats != nil {
		g.Go(func() error { return s.heartbeats.Run(ctx) })
	}
	if s.files != nil {
		g.Go(func() error { return s.files.Run(ctx) })
	}
	g.Go(func() error {
		logrus.Infof("Listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for in-flight requests on shutdown")
	addRouterFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}
