package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"harvestplane/internal/store"

	"github.com/google/uuid"
)

const credentialColumns = `
	id, provider, tier, secret, active, multi_lease,
	daily_quota, daily_used, daily_reset_at,
	monthly_quota, monthly_used, monthly_reset_at,
	last_used_at, last_error_at, consecutive_errors, cooldown_until,
	note, created_at`

// CreateCredential registers a new credential. Initial quota windows
// start at the next UTC day/month boundary.
func (s *Store) CreateCredential(ctx context.Context, cred *store.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (
			id, provider, tier, secret, active, multi_lease,
			daily_quota, daily_used, daily_reset_at,
			monthly_quota, monthly_used, monthly_reset_at,
			note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, 0, $10, $11, $12)
	`, cred.ID, cred.Provider, cred.Tier, cred.Secret, cred.Active, cred.MultiLease,
		cred.DailyQuota, cred.DailyResetAt, cred.MonthlyQuota, cred.MonthlyResetAt,
		cred.Note, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetCredential returns a credential by its ID.
func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (*store.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// ListCredentials returns all credentials, most recently created first.
func (s *Store) ListCredentials(ctx context.Context) ([]*store.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*store.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// AcquireLease selects the least-recently-used eligible credential and
// leases it in a single transaction. Quota eligibility is evaluated
// with read-time boundary reset: a counter whose reset timestamp has
// passed counts as zero, so daily/monthly windows roll over without a
// cron job and survive process restarts.
func (s *Store) AcquireLease(ctx context.Context, provider string, tier store.Tier, taskID uuid.UUID, ttl time.Duration) (*store.Lease, *store.Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := s.clock().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials c
		WHERE c.provider = $1
		  AND c.tier = $2
		  AND c.active
		  AND (c.cooldown_until IS NULL OR c.cooldown_until <= $3)
		  AND (c.multi_lease OR NOT EXISTS (
			SELECT 1 FROM credential_leases l
			WHERE l.credential_id = c.id AND l.expires_at > $3
		  ))
		  AND (c.daily_quota IS NULL OR
			(CASE WHEN c.daily_reset_at <= $3 THEN 0 ELSE c.daily_used END) < c.daily_quota)
		  AND (c.monthly_quota IS NULL OR
			(CASE WHEN c.monthly_reset_at <= $3 THEN 0 ELSE c.monthly_used END) < c.monthly_quota)
		ORDER BY c.last_used_at ASC NULLS FIRST
		FOR UPDATE OF c SKIP LOCKED
		LIMIT 1
	`, provider, tier, now)

	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNoCredentialAvailable
		}
		return nil, nil, fmt.Errorf("lease candidate query failed: %w", err)
	}

	// Roll quota windows whose boundary has passed, while we hold the row lock.
	_, err = tx.ExecContext(ctx, `
		UPDATE credentials
		SET daily_used = 0, daily_reset_at = $2
		WHERE id = $1 AND daily_reset_at <= $3
	`, cred.ID, nextDailyReset(now), now)
	if err != nil {
		return nil, nil, fmt.Errorf("daily window roll failed: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE credentials
		SET monthly_used = 0, monthly_reset_at = $2
		WHERE id = $1 AND monthly_reset_at <= $3
	`, cred.ID, nextMonthlyReset(now), now)
	if err != nil {
		return nil, nil, fmt.Errorf("monthly window roll failed: %w", err)
	}

	lease := &store.Lease{
		ID:           uuid.New(),
		CredentialID: cred.ID,
		TaskID:       taskID,
		AcquiredAt:   now,
	}
	lease.ExpiresAt = lease.AcquiredAt.Add(ttl)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credential_leases (id, credential_id, task_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, lease.ID, lease.CredentialID, lease.TaskID, lease.AcquiredAt, lease.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return lease, cred, nil
}

// ReleaseLease ends a lease and bumps the credential usage counters.
func (s *Store) ReleaseLease(ctx context.Context, leaseID uuid.UUID, success bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var credentialID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`DELETE FROM credential_leases WHERE id = $1 RETURNING credential_id`, leaseID,
	).Scan(&credentialID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already released or reclaimed by the sweep.
			return nil
		}
		return fmt.Errorf("failed to delete lease: %w", err)
	}

	query := `
		UPDATE credentials
		SET daily_used = daily_used + 1, monthly_used = monthly_used + 1, last_used_at = NOW()
		WHERE id = $1`
	if success {
		query = `
		UPDATE credentials
		SET daily_used = daily_used + 1, monthly_used = monthly_used + 1,
			last_used_at = NOW(), consecutive_errors = 0
		WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, query, credentialID); err != nil {
		return fmt.Errorf("failed to update usage counters: %w", err)
	}

	return tx.Commit()
}

// RecordError bumps the consecutive error counter, applies an optional
// cooldown, and trips the circuit breaker at deactivateAfter errors.
func (s *Store) RecordError(ctx context.Context, credentialID uuid.UUID, cooldownUntil *time.Time, deactivateAfter int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET consecutive_errors = consecutive_errors + 1,
			last_error_at = NOW(),
			cooldown_until = COALESCE($2, cooldown_until),
			active = active AND NOT ($3 > 0 AND consecutive_errors + 1 >= $3)
		WHERE id = $1
	`, credentialID, cooldownUntil, deactivateAfter)
	if err != nil {
		return fmt.Errorf("failed to record credential error: %w", err)
	}
	return nil
}

// ResetErrors clears the error counter and cooldown (manual breaker reset).
func (s *Store) ResetErrors(ctx context.Context, credentialID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET consecutive_errors = 0, cooldown_until = NULL, active = TRUE
		WHERE id = $1
	`, credentialID)
	if err != nil {
		return fmt.Errorf("failed to reset credential errors: %w", err)
	}
	return nil
}

// SetActive flips the credential's active flag. Credentials are
// soft-deactivated rather than deleted, preserving audit history.
func (s *Store) SetActive(ctx context.Context, credentialID uuid.UUID, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET active = $2 WHERE id = $1`, credentialID, active)
	if err != nil {
		return fmt.Errorf("failed to set credential active=%v: %w", active, err)
	}
	return nil
}

// ExtendLease pushes a lease expiry forward (worker heartbeat).
func (s *Store) ExtendLease(ctx context.Context, leaseID uuid.UUID, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credential_leases SET expires_at = $2 WHERE id = $1`, leaseID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return nil
}

// ReapExpiredLeases force-releases leases past their expiry and returns
// the task IDs that owned them. Reclaimed leases do not count as usage;
// the owning task is presumed dead.
func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM credential_leases WHERE expires_at <= $1 RETURNING task_id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	defer rows.Close()

	var taskIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		taskIDs = append(taskIDs, id)
	}
	return taskIDs, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*store.Credential, error) {
	var c store.Credential
	err := row.Scan(
		&c.ID, &c.Provider, &c.Tier, &c.Secret, &c.Active, &c.MultiLease,
		&c.DailyQuota, &c.DailyUsed, &c.DailyResetAt,
		&c.MonthlyQuota, &c.MonthlyUsed, &c.MonthlyResetAt,
		&c.LastUsedAt, &c.LastErrorAt, &c.ConsecutiveErrors, &c.CooldownUntil,
		&c.Note, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// nextDailyReset is midnight UTC after now.
func nextDailyReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// nextMonthlyReset is the first of the month after now, UTC.
func nextMonthlyReset(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
