// Package main is the entry point for the harvestplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harvestplane/internal/auth"
	"harvestplane/internal/budget"
	"harvestplane/internal/config"
	"harvestplane/internal/controller"
	"harvestplane/internal/events"
	"harvestplane/internal/logger"
	"harvestplane/internal/orchestrator"
	"harvestplane/internal/observability"
	"harvestplane/internal/pool"
	"harvestplane/internal/provider"
	"harvestplane/internal/providers"
	"harvestplane/internal/store/postgres"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	// Load Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New("controller")

	// Setup Database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Postgres (the "Store")
	pgStore, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pgStore.Close()

	// Run migrations if requested
	if *migrateFlag {
		slogger.Info("running database migrations")
		if err := postgres.Migrate(pgStore.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		slogger.Info("migrations completed")
	}

	sealer, err := auth.NewSealer(cfg.SecretKey)
	if err != nil {
		log.Fatalf("Failed to init secret sealer: %v", err)
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "harvestplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slogger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("harvestplane-controller")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slogger.Error("failed to shutdown metrics", "error", err)
		}
	}()

	// Observable gauges (async) that query the DB only when scraped.
	meter := otel.Meter("harvestplane-controller")
	_, err = meter.Int64ObservableGauge("harvestplane.queue.depth",
		metric.WithDescription("Current number of tasks in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := pgStore.Count(ctx)
			if err != nil {
				return nil // Don't crash metrics scrape on DB error
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		slogger.Error("failed to register queue depth metric", "error", err)
	}
	_, err = meter.Int64ObservableGauge("harvestplane.budget.available",
		metric.WithDescription("Budget units not held by open reservations"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			pos, err := pgStore.Position(ctx)
			if err != nil {
				return nil
			}
			obs.Observe(pos.Available())
			return nil
		}),
	)
	if err != nil {
		slogger.Error("failed to register budget metric", "error", err)
	}

	// Wire the coordination core.
	budgetSvc := budget.New(pgStore, logger.New("budget"))
	publisher := events.NewPublisher(logger.New("events"))
	descriptors, err := providers.Load()
	if err != nil {
		log.Fatalf("Failed to load provider catalog: %v", err)
	}
	registry, err := provider.NewRegistry(descriptors...)
	if err != nil {
		log.Fatalf("Invalid provider registry: %v", err)
	}

	orch := orchestrator.New(pgStore, pgStore, pgStore, budgetSvc, registry, publisher, orchestrator.Config{
		PendingTimeout:       cfg.TaskPendingTimeout,
		RunningTimeout:       cfg.TaskRunningTimeout,
		SweepInterval:        cfg.SweepInterval,
		AllowEmptyCompletion: cfg.AllowEmptyCompletion,
	}, logger.New("orchestrator"))

	// Liveness sweep fails tasks stuck in pending or running.
	go orch.RunLivenessSweep(ctx)

	// Lease reclaim sweep fails tasks whose workers died holding a lease.
	credPool := pool.New(pgStore, pool.Config{
		SafetyMargin:    cfg.LeaseSafetyMargin,
		DefaultCooldown: cfg.CredentialCooldown,
		DeactivateAfter: cfg.DeactivateAfter,
	}, logger.New("pool"))
	go credPool.RunReclaimSweep(ctx, cfg.LeaseSweepInterval, orch.OnTaskReclaimed)

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(controller.Options{
		Addr:         addr,
		WorkerToken:  cfg.InternalToken,
		APIRateLimit: cfg.APIRateLimit,
		APIRateBurst: cfg.APIRateLimitBurst,
		// Matches the worker's visibility horizon so a live task never
		// becomes claimable between heartbeats.
		HeartbeatVisibility: cfg.ExpectedTaskDuration + 2*cfg.WorkerHeartbeatInterval,
	}, pgStore, orch, budgetSvc, publisher, sealer, metricsHandler)

	slogger.Info("controller starting", "addr", addr)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		slogger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	slogger.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	slogger.Info("server exited properly")
}
