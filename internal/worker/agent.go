// Package worker contains the worker-specific logic for executing
// provider tasks: claim from the shared queue, lease a credential,
// clear the rate limiter, call the provider client.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"harvestplane/internal/auth"
	"harvestplane/internal/orchestrator"
	"harvestplane/internal/pool"
	"harvestplane/internal/provider"
	"harvestplane/internal/ratelimit"
	"harvestplane/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // maximum poll backoff when the queue is empty
	HeartbeatInterval time.Duration

	// Providers limits which providers this worker claims. Empty = all.
	Providers []string

	// ExpectedTaskDuration sizes credential lease TTLs and the queue
	// visibility window.
	ExpectedTaskDuration time.Duration

	// RateLimitTimeout bounds the wait for a rate-limiter permit.
	RateLimitTimeout time.Duration

	// MaxAttempts bounds retries of the provider call for retryable
	// error kinds.
	MaxAttempts int
}

func (c *AgentConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ExpectedTaskDuration <= 0 {
		c.ExpectedTaskDuration = 10 * time.Minute
	}
	if c.RateLimitTimeout <= 0 {
		c.RateLimitTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
}

// Reporter delivers task lifecycle callbacks to the controller.
type Reporter interface {
	// TaskStarted reports that a claimed task began executing. It
	// returns true when the task is already cancelled and must be dropped.
	TaskStarted(ctx context.Context, taskID uuid.UUID, credentialID uuid.UUID) (cancelled bool, err error)

	// TaskResult reports the task outcome.
	TaskResult(ctx context.Context, taskID uuid.UUID, result orchestrator.TaskResult) error

	// Heartbeat extends the task's queue visibility on the controller
	// and returns true when the task was cancelled upstream.
	Heartbeat(ctx context.Context, taskID uuid.UUID) (cancelled bool, err error)
}

// Agent is the worker agent running the pull-loop for provider tasks.
type Agent struct {
	queue    store.TaskQueue
	pool     *pool.Pool
	limiter  *ratelimit.Limiter
	registry *provider.Registry
	reporter Reporter
	sealer   *auth.Sealer
	config   AgentConfig
	log      *slog.Logger
	done     chan struct{}

	clientsMu sync.Mutex
	clients   map[string]provider.Client
}

// New creates a new worker agent.
func New(queue store.TaskQueue, p *pool.Pool, limiter *ratelimit.Limiter, registry *provider.Registry, reporter Reporter, sealer *auth.Sealer, config AgentConfig, log *slog.Logger) *Agent {
	config.applyDefaults()
	return &Agent{
		queue:    queue,
		pool:     p,
		limiter:  limiter,
		registry: registry,
		reporter: reporter,
		sealer:   sealer,
		config:   config,
		log:      log,
		done:     make(chan struct{}),
		clients:  make(map[string]provider.Client),
	}
}

// Run starts the main pull-loop. It blocks until the context is
// cancelled; in-flight tasks are allowed to finish (graceful drain).
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("worker agent starting", "id", a.config.ID, "concurrency", a.config.Concurrency)

	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("context cancelled, draining in-flight tasks")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			claims, err := a.queue.ClaimBatch(ctx, a.config.Providers, availableSlots, a.visibility())
			if err != nil {
				a.log.Error("claim batch failed", "error", err)
				continue
			}

			if len(claims) == 0 {
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}
			currentBackoff = a.config.PollInterval

			a.log.Debug("claimed tasks", "count", len(claims))
			for _, claim := range claims {
				sem <- struct{}{}
				wg.Add(1)
				go func(claim store.TaskClaim) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processClaim(ctx, claim)
				}(claim)
			}

			if len(claims) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) visibility() time.Duration {
	return a.config.ExpectedTaskDuration + 2*a.config.HeartbeatInterval
}

// client returns (building once) the provider client for name.
func (a *Agent) client(name string) (provider.Client, error) {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	if c, ok := a.clients[name]; ok {
		return c, nil
	}
	desc, err := a.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if desc.New == nil {
		return nil, fmt.Errorf("provider %q has no client constructor", name)
	}
	c, err := desc.New()
	if err != nil {
		return nil, fmt.Errorf("failed to build client for %q: %w", name, err)
	}
	a.clients[name] = c
	return c, nil
}

// processClaim executes one claimed task end to end. The credential
// lease is released on every exit path; an acquired-but-unreleased
// lease under an error path would be a correctness bug, so release
// hangs off a defer the moment the lease exists.
func (a *Agent) processClaim(ctx context.Context, claim store.TaskClaim) {
	var payload orchestrator.TaskPayload
	if err := json.Unmarshal(claim.Payload, &payload); err != nil {
		a.log.Error("invalid task payload", "task_id", claim.TaskID, "error", err)
		a.report(claim.TaskID, orchestrator.TaskResult{
			Success:   false,
			ErrorKind: provider.KindPermanent,
			Error:     fmt.Sprintf("invalid payload: %v", err),
		})
		return
	}

	tracer := otel.Tracer("harvestplane-worker")
	taskCtx, span := tracer.Start(ctx, "collect_task",
		trace.WithAttributes(
			attribute.String("task.id", payload.TaskID.String()),
			attribute.String("run.id", payload.RunID.String()),
			attribute.String("provider", payload.Provider),
			attribute.String("tier", string(payload.Tier)),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// Tasks drain independently of the poll context: SIGTERM stops
	// claiming, not work already claimed.
	taskCtx, cancelTask := context.WithCancel(context.WithoutCancel(taskCtx))
	defer cancelTask()

	client, err := a.client(payload.Provider)
	if err != nil {
		span.RecordError(err)
		a.report(payload.TaskID, orchestrator.TaskResult{
			Success: false, ErrorKind: provider.KindPermanent, Error: err.Error(),
		})
		return
	}

	lease, cred, err := a.pool.Acquire(taskCtx, payload.Provider, payload.Tier, payload.TaskID, a.config.ExpectedTaskDuration)
	if err != nil {
		if errors.Is(err, store.ErrNoCredentialAvailable) {
			// Expected outcome; retrying immediately would not help
			// since eligibility did not change.
			a.report(payload.TaskID, orchestrator.TaskResult{
				Success: false, ErrorKind: provider.KindPermanent,
				Error: store.ErrNoCredentialAvailable.Error(),
			})
			return
		}
		span.RecordError(err)
		a.report(payload.TaskID, orchestrator.TaskResult{
			Success: false, ErrorKind: provider.KindTransient, Error: err.Error(),
		})
		return
	}

	success := false
	defer func() {
		if err := a.pool.Release(context.WithoutCancel(taskCtx), lease, success); err != nil {
			a.log.Error("lease release failed", "task_id", payload.TaskID, "error", err)
		}
	}()

	// The stored secret is sealed; it is opened here, at call time, and
	// exists in plaintext only for the life of this task.
	secret, err := a.sealer.Open(cred.Secret)
	if err != nil {
		span.RecordError(err)
		a.report(payload.TaskID, orchestrator.TaskResult{
			Success: false, ErrorKind: provider.KindPermanent,
			Error: fmt.Sprintf("credential unusable: %v", err),
		})
		return
	}

	cancelled, err := a.reporter.TaskStarted(taskCtx, payload.TaskID, cred.ID)
	if err != nil {
		a.log.Error("started callback failed", "task_id", payload.TaskID, "error", err)
	}
	if cancelled {
		a.log.Info("task cancelled before start", "task_id", payload.TaskID)
		return
	}

	// Heartbeat keeps the queue claim and the lease alive, and aborts
	// the task promptly when its run is cancelled.
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(taskCtx))
	defer stopHeartbeat()
	go a.runHeartbeat(heartbeatCtx, payload.TaskID, lease, cancelTask)

	result := a.collect(taskCtx, client, payload, cred, secret)
	success = result.Success

	span.SetAttributes(
		attribute.Bool("task.success", result.Success),
		attribute.Int64("task.records", result.Records),
	)
	if !result.Success {
		span.RecordError(errors.New(result.Error))
		if kind := result.ErrorKind; kind == provider.KindRateLimited || kind == provider.KindPermanent {
			retryAfter := time.Duration(0)
			if kind == provider.KindRateLimited {
				retryAfter = result.RetryAfter
			}
			if err := a.pool.ReportError(context.WithoutCancel(taskCtx), lease, kind, retryAfter); err != nil {
				a.log.Error("credential error report failed", "task_id", payload.TaskID, "error", err)
			}
		}
	}

	a.report(payload.TaskID, result)
}

// collect calls the provider client with bounded retries. Retry policy
// is data-driven: the classified kind decides whether to retry, and a
// provider-suggested backoff overrides the exponential schedule.
func (a *Agent) collect(ctx context.Context, client provider.Client, payload orchestrator.TaskPayload, cred *store.Credential, secret string) orchestrator.TaskResult {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.Reset()

	var rateWait time.Duration
	var lastErr error
	var lastKind provider.ErrorKind
	var lastRetryAfter time.Duration

	for attempt := 1; attempt <= a.config.MaxAttempts; attempt++ {
		wait, err := a.limiter.Acquire(ctx, payload.Provider, cred.ID.String(), 1, a.config.RateLimitTimeout)
		rateWait += wait
		if err != nil {
			if ctx.Err() != nil {
				return cancelResult(ctx, rateWait)
			}
			// A saturated local window is not a provider throttle: the
			// credential did nothing wrong, so the kind stays transient
			// and no cooldown is reported against it.
			lastErr, lastKind = err, provider.KindTransient
		} else {
			records, err := client.Collect(ctx, provider.CollectParams{
				RunID:  payload.RunID.String(),
				TaskID: payload.TaskID.String(),
				Tier:   payload.Tier,
				Params: payload.Params,
			}, secret)
			if err == nil {
				return orchestrator.TaskResult{
					Success:    true,
					Records:    records,
					Cost:       payload.Cost,
					RateWaitMs: rateWait.Milliseconds(),
				}
			}
			if ctx.Err() != nil {
				return cancelResult(ctx, rateWait)
			}
			lastErr = err
			lastKind = provider.Classify(err)
			lastRetryAfter = provider.RetryAfterHint(err)
		}

		if !lastKind.Retryable() || attempt == a.config.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if lastRetryAfter > delay {
			delay = lastRetryAfter
		}
		a.log.Debug("retrying provider call",
			"task_id", payload.TaskID, "attempt", attempt, "kind", lastKind, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return cancelResult(ctx, rateWait)
		}
	}

	return orchestrator.TaskResult{
		Success:    false,
		ErrorKind:  lastKind,
		Error:      lastErr.Error(),
		RateWaitMs: rateWait.Milliseconds(),
		RetryAfter: lastRetryAfter,
	}
}

func cancelResult(ctx context.Context, rateWait time.Duration) orchestrator.TaskResult {
	msg := "task cancelled"
	if err := context.Cause(ctx); err != nil {
		msg = fmt.Sprintf("task cancelled: %v", err)
	}
	return orchestrator.TaskResult{
		Success:    false,
		ErrorKind:  provider.KindTimeout,
		Error:      msg,
		RateWaitMs: rateWait.Milliseconds(),
	}
}

// runHeartbeat keeps a claimed task alive while it executes: the
// controller heartbeat extends the queue visibility and reports
// upstream cancellation (run cancel or sweep), and the credential
// lease, owned by this worker, is extended locally.
func (a *Agent) runHeartbeat(ctx context.Context, taskID uuid.UUID, lease *store.Lease, cancelTask context.CancelFunc) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := a.reporter.Heartbeat(ctx, taskID)
			if err != nil {
				a.log.Warn("heartbeat failed", "task_id", taskID, "error", err)
			} else if cancelled {
				a.log.Info("task cancelled upstream, aborting", "task_id", taskID)
				cancelTask()
				return
			}
			if err := a.pool.Heartbeat(ctx, lease, a.visibility()); err != nil {
				a.log.Warn("lease heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// report delivers the result callback, retrying briefly: losing a
// result only costs time (the liveness sweep will fail the task), but
// delivery is cheap to retry.
func (a *Agent) report(taskID uuid.UUID, result orchestrator.TaskResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return a.reporter.TaskResult(ctx, taskID, result)
	}, bo)
	if err != nil {
		a.log.Error("result callback failed", "task_id", taskID, "error", err)
	}
}
