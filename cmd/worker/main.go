// Package main is the entry point for the harvestplane worker agent.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"harvestplane/internal/auth"
	"harvestplane/internal/config"
	"harvestplane/internal/logger"
	"harvestplane/internal/observability"
	"harvestplane/internal/pool"
	"harvestplane/internal/provider"
	"harvestplane/internal/providers"
	"harvestplane/internal/ratelimit"
	"harvestplane/internal/store/postgres"
	"harvestplane/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New("worker").With("worker_id", cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pgStore.Close()

	sealer, err := auth.NewSealer(cfg.SecretKey)
	if err != nil {
		log.Fatalf("Failed to init secret sealer: %v", err)
	}

	shutdownTracer, err := observability.InitTracer(ctx, "harvestplane-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slogger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	descriptors, err := providers.Load()
	if err != nil {
		log.Fatalf("Failed to load provider catalog: %v", err)
	}
	registry, err := provider.NewRegistry(descriptors...)
	if err != nil {
		log.Fatalf("Invalid provider registry: %v", err)
	}

	credPool := pool.New(pgStore, pool.Config{
		SafetyMargin:    cfg.LeaseSafetyMargin,
		DefaultCooldown: cfg.CredentialCooldown,
		DeactivateAfter: cfg.DeactivateAfter,
	}, logger.New("pool"))

	// The sliding window lives in Postgres so every worker process
	// shares the same admission counters.
	limiter := ratelimit.New(pgStore, ratelimit.Config{
		Default: ratelimit.Limit{Ceiling: cfg.RateCeiling, Window: cfg.RateWindow},
	})

	reporter := worker.NewHTTPReporter(cfg.ControllerURL, cfg.InternalToken)

	agent := worker.New(pgStore, credPool, limiter, registry, reporter, sealer, worker.AgentConfig{
		ID:                   cfg.WorkerID,
		Concurrency:          cfg.WorkerConcurrency,
		PollInterval:         cfg.WorkerPollInterval,
		MaxBackoff:           cfg.WorkerMaxBackoff,
		HeartbeatInterval:    cfg.WorkerHeartbeatInterval,
		Providers:            cfg.WorkerProviders,
		ExpectedTaskDuration: cfg.ExpectedTaskDuration,
		RateLimitTimeout:     cfg.RateLimitTimeout,
		MaxAttempts:          cfg.WorkerMaxAttempts,
	}, slogger)

	slogger.Info("worker starting", "providers", cfg.WorkerProviders, "concurrency", cfg.WorkerConcurrency)

	// Run blocks until the context is cancelled and in-flight tasks
	// have drained.
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Worker agent failed: %v", err)
	}
	slogger.Info("worker exited properly")
}
