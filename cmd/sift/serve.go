package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/steveyegge/sift/internal/metrics"
	"github.com/steveyegge/sift/internal/scheduler"
	"github.com/steveyegge/sift/internal/storage"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline on a schedule",
	Long: `Run the pipeline every schedule interval until interrupted.

The process holds the run lock for its whole lifetime. It serves Prometheus
metrics on /metrics and scheduler status on /healthz, and prunes old run
history when retention cleanup is enabled.

Stop with Ctrl+C or SIGTERM; an in-flight run finishes its current writes
before the process exits.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := serve(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve runs the schedulers and the HTTP endpoint until ctx is cancelled
func serve(ctx context.Context) error {
	lockPath, err := acquireLock()
	if err != nil {
		return err
	}
	defer releaseLock(lockPath)

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	buf, err := openBuffer(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = buf.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	clock := quartz.NewReal()
	p, err := newPipeline(store, buf, m, clock)
	if err != nil {
		return err
	}

	runs, err := scheduler.New("pipeline", cfg.Schedule, func(ctx context.Context) error {
		_, err := p.Run(ctx)
		return err
	}, clock)
	if err != nil {
		return err
	}

	var cleanup *scheduler.Scheduler
	if cfg.Retention.CleanupEnabled {
		cleanup, err = scheduler.New("retention", scheduler.Config{
			Interval:   cfg.Retention.Interval(),
			RunOnStart: true,
		}, func(ctx context.Context) error {
			return cleanupRuns(ctx, store, clock)
		}, clock)
		if err != nil {
			return err
		}
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s sift %s serving (every %v, store %s)\n", green("✓"), version, cfg.Schedule.Interval, cfg.Store.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runs.Start(gctx) })
	if cleanup != nil {
		g.Go(func() error { return cleanup.Start(gctx) })
	}
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newRouter(reg, runs, cleanup),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	fmt.Println("Shutting down...")
	return err
}

// cleanupRuns deletes run history older than the retention period
func cleanupRuns(ctx context.Context, store storage.Storage, clock quartz.Clock) error {
	cutoff := clock.Now().Add(-cfg.Retention.MaxAge())
	deleted, err := store.CleanupRuns(ctx, cutoff, cfg.Retention.CleanupBatchSize)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("pruned run history", "deleted", deleted, "cutoff", cutoff)
	}
	return nil
}

// healthResponse is the /healthz payload
type healthResponse struct {
	Version   string            `json:"version"`
	Pipeline  scheduler.Status  `json:"pipeline"`
	Retention *scheduler.Status `json:"retention,omitempty"`
}

// newRouter serves /metrics from reg and scheduler state on /healthz
func newRouter(reg *prometheus.Registry, runs, cleanup *scheduler.Scheduler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{Version: version, Pipeline: runs.Status()}
		if cleanup != nil {
			st := cleanup.Status()
			resp.Retention = &st
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Warn("failed to write health response", "error", err)
		}
	})
	return r
}
