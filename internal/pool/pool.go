// Package pool leases quota-bound provider credentials to concurrent
// tasks, tracks usage against daily/monthly caps, and suspends
// credentials that start erroring.
package pool

import (
	"context"
	"log/slog"
	"time"

	"harvestplane/internal/provider"
	"harvestplane/internal/store"

	"github.com/google/uuid"
)

// Config tunes the pool's lease and circuit-breaker behavior.
type Config struct {
	// SafetyMargin is added to the expected task duration when computing
	// a lease TTL, so slightly slow tasks are not reclaimed mid-flight.
	SafetyMargin time.Duration

	// DefaultCooldown applies after a throttle response when the
	// provider suggested no backoff of its own.
	DefaultCooldown time.Duration

	// DeactivateAfter trips the circuit breaker: this many consecutive
	// errors deactivates the credential until manually reset. 0 disables.
	DeactivateAfter int
}

func (c *Config) applyDefaults() {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 2 * time.Minute
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = 5 * time.Minute
	}
	if c.DeactivateAfter == 0 {
		c.DeactivateAfter = 5
	}
}

// Pool is the credential pool service. It is safe for concurrent use;
// all cross-task coordination happens in the lease store's atomic
// check-and-update operations.
type Pool struct {
	creds  store.CredentialStore
	config Config
	log    *slog.Logger
}

// New creates a credential pool over the given lease store.
func New(creds store.CredentialStore, config Config, log *slog.Logger) *Pool {
	config.applyDefaults()
	return &Pool{creds: creds, config: config, log: log}
}

// Acquire leases the least-recently-used eligible credential for
// (provider, tier). The lease TTL is expectedDuration plus the safety
// margin. Returns store.ErrNoCredentialAvailable when no credential
// matches; callers treat that as a normal task failure, not a fault.
func (p *Pool) Acquire(ctx context.Context, providerName string, tier store.Tier, taskID uuid.UUID, expectedDuration time.Duration) (*store.Lease, *store.Credential, error) {
	ttl := expectedDuration + p.config.SafetyMargin
	lease, cred, err := p.creds.AcquireLease(ctx, providerName, tier, taskID, ttl)
	if err != nil {
		return nil, nil, err
	}
	p.log.Debug("credential leased",
		"provider", providerName, "tier", tier,
		"credential_id", cred.ID, "task_id", taskID, "expires_at", lease.ExpiresAt)
	return lease, cred, nil
}

// Release ends the lease and counts the use. success clears the
// credential's consecutive error streak.
func (p *Pool) Release(ctx context.Context, lease *store.Lease, success bool) error {
	return p.creds.ReleaseLease(ctx, lease.ID, success)
}

// Heartbeat extends a lease while its task is still alive.
func (p *Pool) Heartbeat(ctx context.Context, lease *store.Lease, extension time.Duration) error {
	return p.creds.ExtendLease(ctx, lease.ID, time.Now().Add(extension))
}

// ReportError records a failed provider call against the credential.
// Throttle responses put the credential into cooldown for the
// provider-suggested duration (or the configured default); every error
// kind counts toward the circuit breaker.
func (p *Pool) ReportError(ctx context.Context, lease *store.Lease, kind provider.ErrorKind, retryAfter time.Duration) error {
	var cooldownUntil *time.Time
	if kind == provider.KindRateLimited {
		d := retryAfter
		if d <= 0 {
			d = p.config.DefaultCooldown
		}
		t := time.Now().Add(d)
		cooldownUntil = &t
	}

	if err := p.creds.RecordError(ctx, lease.CredentialID, cooldownUntil, p.config.DeactivateAfter); err != nil {
		return err
	}
	p.log.Warn("credential error reported",
		"credential_id", lease.CredentialID, "kind", kind, "cooldown_until", cooldownUntil)
	return nil
}

// RunReclaimSweep periodically force-releases leases past their expiry,
// treating the owning task as dead. Each reclaimed task ID is handed to
// onReclaimed so the orchestrator can fail it for accounting purposes.
// Blocks until ctx is cancelled.
func (p *Pool) RunReclaimSweep(ctx context.Context, interval time.Duration, onReclaimed func(ctx context.Context, taskID uuid.UUID)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			taskIDs, err := p.creds.ReapExpiredLeases(ctx, time.Now())
			if err != nil {
				p.log.Error("lease reclaim sweep failed", "error", err)
				continue
			}
			for _, taskID := range taskIDs {
				p.log.Warn("reclaimed abandoned lease", "task_id", taskID)
				if onReclaimed != nil {
					onReclaimed(ctx, taskID)
				}
			}
		}
	}
}
