// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// OTLP collector endpoint for traces
	OTELEndpoint string

	// Shared secret protecting the /internal worker endpoints
	InternalToken string

	// Key material sealing credential secrets at rest
	SecretKey string

	// URL of the controller (e.g. "http://localhost:7171"), used by
	// workers for lifecycle callbacks
	ControllerURL string

	// Worker-specific configuration
	WorkerID                string
	WorkerProviders         []string
	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerHeartbeatInterval time.Duration
	WorkerMaxAttempts       int

	// Credential pool tuning
	ExpectedTaskDuration time.Duration
	LeaseSafetyMargin    time.Duration
	CredentialCooldown   time.Duration
	DeactivateAfter      int
	LeaseSweepInterval   time.Duration

	// Rate limiter defaults (per provider+credential key)
	RateCeiling      int64
	RateWindow       time.Duration
	RateLimitTimeout time.Duration

	// Orchestrator liveness sweep
	TaskPendingTimeout   time.Duration
	TaskRunningTimeout   time.Duration
	SweepInterval        time.Duration
	AllowEmptyCompletion bool

	// Controller API rate limit, requests per second per client (0 = unlimited)
	APIRateLimit      float64
	APIRateLimitBurst int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if cfg.HTTPPort, err = envInt("PORT", 7171); err != nil {
		return nil, err
	}
	cfg.OTELEndpoint = envString("OTEL_ENDPOINT", "localhost:4317")
	cfg.InternalToken = os.Getenv("INTERNAL_TOKEN")
	cfg.SecretKey = os.Getenv("SECRET_KEY")
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	cfg.ControllerURL = envString("CONTROLLER_URL", "http://localhost:7171")

	cfg.WorkerID = envString("WORKER_ID", hostnameOr("worker"))
	if v := os.Getenv("WORKER_PROVIDERS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.WorkerProviders = append(cfg.WorkerProviders, p)
			}
		}
	}
	if cfg.WorkerConcurrency, err = envInt("WORKER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.WorkerPollInterval, err = envDuration("WORKER_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerMaxBackoff, err = envDuration("WORKER_MAX_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerHeartbeatInterval, err = envDuration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerMaxAttempts, err = envInt("WORKER_MAX_ATTEMPTS", 4); err != nil {
		return nil, err
	}

	if cfg.ExpectedTaskDuration, err = envDuration("EXPECTED_TASK_DURATION", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LeaseSafetyMargin, err = envDuration("LEASE_SAFETY_MARGIN", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CredentialCooldown, err = envDuration("CREDENTIAL_COOLDOWN", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DeactivateAfter, err = envInt("CREDENTIAL_DEACTIVATE_AFTER", 5); err != nil {
		return nil, err
	}
	if cfg.LeaseSweepInterval, err = envDuration("LEASE_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if cfg.RateCeiling, err = envInt64("RATE_CEILING", 10); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = envDuration("RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateLimitTimeout, err = envDuration("RATE_LIMIT_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	if cfg.TaskPendingTimeout, err = envDuration("TASK_PENDING_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TaskRunningTimeout, err = envDuration("TASK_RUNNING_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	cfg.AllowEmptyCompletion = os.Getenv("ALLOW_EMPTY_COMPLETION") == "true"

	if cfg.APIRateLimit, err = envFloat("API_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if cfg.APIRateLimitBurst, err = envInt("API_RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
