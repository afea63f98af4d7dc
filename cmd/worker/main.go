// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/marketplace-automation/internal/config"
	"github.com/unclebandit/marketplace-automation/internal/handler"
	"github.com/unclebandit/marketplace-automation/internal/logger"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	dryRunMode := flag.Bool("dry-run", false, "run the pipeline in memory against a fixture, logging mail instead of sending it")
	fixturePath := flag.String("fixture", "", "fixture file for --dry-run (defaults to the built-in fixture)")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for /metrics and /healthz, empty to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// no logger yet
		os.Stderr.WriteString("worker: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		os.Stderr.WriteString("worker: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var w *worker
	if *dryRunMode {
		cfg.Queue.Driver = "memory"
		raw, err := readFixture(*fixturePath)
		if err != nil {
			log.Fatal("load fixture", zap.Error(err))
		}
		d, err := newDryRunWorker(ctx, cfg, raw, log)
		if err != nil {
			log.Fatal("build dry-run worker", zap.Error(err))
		}
		w = d.worker
		log.Info("dry run: mail is logged, not sent")
	} else {
		w, err = newWorker(ctx, cfg, log)
		if err != nil {
			log.Fatal("build worker", zap.Error(err))
		}
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("close worker", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           opsRouter(w),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("ops listener started", zap.String("addr", *metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("worker started", zap.String("queue_driver", cfg.Queue.Driver), zap.Bool("dry_run", *dryRunMode))
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}

// opsRouter serves the worker's health and metrics.
func opsRouter(w *worker) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/healthz", &handler.HealthHandler{Checks: w.checks, Timeout: 3 * time.Second})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
