package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/hueshift/internal/config"
	"github.com/dunamismax/hueshift/internal/logging"
	"github.com/dunamismax/hueshift/internal/pipeline"
	"github.com/dunamismax/hueshift/internal/storage"
	"github.com/dunamismax/hueshift/internal/store"
	"github.com/dunamismax/hueshift/internal/telemetry"
	"github.com/dunamismax/hueshift/internal/webhook"
	"github.com/dunamismax/hueshift/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Log, "hueshift-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("worker exited")
		os.Exit(1)
	}
}

// run processes queued jobs until ctx is cancelled or the metrics listener
// fails, then drains in-flight tasks and releases what it opened.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, "hueshift-worker", cfg.Tracing, os.Stdout, logger)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start %s image engine: %w", pipeline.Engine, err)
	}
	defer pipeline.Shutdown()

	jobStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s job store: %w", cfg.Database.Driver, err)
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.Warn().Err(err).Msg("job store close failed")
		}
	}()

	var objects pipeline.ObjectStore
	if cfg.Storage.Enabled {
		client, err := storage.NewClient(cfg.Storage)
		if err != nil {
			return fmt.Errorf("init storage client: %w", err)
		}
		objects = client
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("engine", pipeline.Engine).
		Bool("object_storage", objects != nil).
		Msg("starting worker")

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		objects,
		webhook.NewClient(cfg.Webhook, logger),
		jobStore,
		jobStore,
	)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listening")
		metricsErr <- metricsServer.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-metricsErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics shutdown failed")
	}
	return runErr
}
