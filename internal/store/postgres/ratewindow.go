package postgres

import (
	"context"
	"fmt"
	"time"
)

// TryAcquire admits cost units under (ceiling, window) for key.
//
// The sliding window is approximated by one counter row per second
// bucket. The key row in rate_keys is locked first, so the read-count/
// write-bucket pair is one indivisible step across every process
// sharing the database: two workers racing for the last slot cannot
// both be admitted.
func (s *Store) TryAcquire(ctx context.Context, key string, cost, ceiling int64, window time.Duration) (bool, time.Duration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	now := time.Now()
	bucket := now.Unix()
	windowSecs := int64(window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	oldest := bucket - windowSecs + 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key); err != nil {
		return false, 0, fmt.Errorf("failed to ensure rate key: %w", err)
	}
	// Serialize all admissions for this key.
	if _, err := tx.ExecContext(ctx,
		`SELECT key FROM rate_keys WHERE key = $1 FOR UPDATE`, key); err != nil {
		return false, 0, fmt.Errorf("failed to lock rate key: %w", err)
	}

	var used int64
	var oldestBucket *int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0), MIN(bucket)
		FROM rate_buckets
		WHERE key = $1 AND bucket >= $2
	`, key, oldest).Scan(&used, &oldestBucket)
	if err != nil {
		return false, 0, fmt.Errorf("failed to count rate window: %w", err)
	}

	if used+cost > ceiling {
		// Wait until the oldest counted bucket ages out of the window.
		retryAfter := time.Second
		if oldestBucket != nil {
			ageOut := time.Unix(*oldestBucket+windowSecs, 0)
			if d := ageOut.Sub(now); d > retryAfter {
				retryAfter = d
			}
		}
		return false, retryAfter, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_buckets (key, bucket, count) VALUES ($1, $2, $3)
		ON CONFLICT (key, bucket) DO UPDATE SET count = rate_buckets.count + $3
	`, key, bucket, cost); err != nil {
		return false, 0, fmt.Errorf("failed to record admission: %w", err)
	}
	// Aged-out buckets are dead weight; prune them while we hold the lock.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_buckets WHERE key = $1 AND bucket < $2`, key, oldest); err != nil {
		return false, 0, fmt.Errorf("failed to prune rate buckets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}
