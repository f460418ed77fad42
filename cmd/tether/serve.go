package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tether/v1/config"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/presets"
	"github.com/mirkobrombin/go-tether/v1/pushserver"
	"github.com/mirkobrombin/go-tether/v1/watchbus"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Push the documents file to connected sync clients",
	Long: `Serve the configured documents file over the push channel. Every
client receives the full collection on connect and again whenever the
file changes on disk. Cache invalidations on the shared watch bus are
streamed at /events.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := presets.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	srv := pushserver.New(pushserver.NewFileSource(cfg.Server.DocsFile))
	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/events", watchbus.SSEHandler(stack.Watch))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.WatchFile(gctx, cfg.Server.DocsFile) })
	g.Go(func() error {
		slog.Info("tether: push server listening", "addr", cfg.Server.Addr, "docs", cfg.Server.DocsFile)
		return listen(gctx, &http.Server{Addr: cfg.Server.Addr, Handler: mux})
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return listen(gctx, metricsServer(cfg.Metrics.Addr, nil)) })
	}
	return g.Wait()
}

// metricsServer exposes /metrics and, when bus is set, /events.
func metricsServer(addr string, bus watchbus.WatchBus) *http.Server {
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if bus != nil {
		mux.Handle("/events", watchbus.SSEHandler(bus))
	}
	return &http.Server{Addr: addr, Handler: mux}
}

// listen serves until ctx is done, then shuts srv down gracefully.
func listen(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
