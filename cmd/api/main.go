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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dunamismax/hueshift/internal/api"
	"github.com/dunamismax/hueshift/internal/auth"
	"github.com/dunamismax/hueshift/internal/config"
	"github.com/dunamismax/hueshift/internal/logging"
	"github.com/dunamismax/hueshift/internal/pipeline"
	"github.com/dunamismax/hueshift/internal/queue"
	"github.com/dunamismax/hueshift/internal/ratelimit"
	"github.com/dunamismax/hueshift/internal/storage"
	"github.com/dunamismax/hueshift/internal/store"
	"github.com/dunamismax/hueshift/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Log, "hueshift-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("api exited")
		os.Exit(1)
	}
}

// run serves the API until ctx is cancelled or the listener fails. Every
// resource it opens is released before it returns.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, "hueshift-api", cfg.Tracing, os.Stdout, logger)
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

	queueClient := queue.NewClient(cfg.Queue)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close failed")
		}
	}()

	opts := api.Options{
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		PresignTTL:            cfg.API.PresignTTL,
		MaxImageBytes:         cfg.API.MaxImageBytes,
		MaxImagePixels:        cfg.API.MaxImagePixels,
		LocalInputRoot:        cfg.API.LocalInputRoot,
	}

	if cfg.Storage.Enabled {
		objects, err := storage.NewClient(cfg.Storage)
		if err != nil {
			return fmt.Errorf("init storage client: %w", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := objects.EnsureBucket(bucketCtx); err != nil {
			logger.Warn().Err(err).Str("bucket", objects.Bucket()).Msg("ensure bucket failed")
		}
		cancel()
		opts.Storage = objects
	}

	if cfg.Auth.JWTSecret != "" {
		authenticator, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("init authenticator: %w", err)
		}
		opts.Authenticator = authenticator
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("redis client close failed")
			}
		}()
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		opts.RateLimiter = limiter
	}

	app, err := api.NewServer(logger, queueClient, jobStore, jobStore, opts)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.API.Addr).
			Str("store", cfg.Database.Driver).
			Str("engine", pipeline.Engine).
			Bool("auth", opts.Authenticator != nil).
			Bool("rate_limit", opts.RateLimiter != nil).
			Msg("listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
