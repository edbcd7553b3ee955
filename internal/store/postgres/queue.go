package postgres

import (
	"context"
	"fmt"
	"time"

	"harvestplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ClaimBatch claims up to 'limit' visible tasks atomically using
// SELECT ... FOR UPDATE SKIP LOCKED, then pushes their visibility
// timeout forward so no other worker re-claims them while in flight.
// Returns nil slice if no tasks are available.
func (s *Store) ClaimBatch(ctx context.Context, providers []string, limit int, visibility time.Duration) ([]store.TaskClaim, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	args := []interface{}{limit}
	whereClause := "WHERE visible_after <= NOW()"
	if len(providers) > 0 {
		whereClause += " AND provider = ANY($2)"
		args = append(args, pq.Array(providers))
	}

	selectQuery := fmt.Sprintf(`
		SELECT id, task_id, payload
		FROM task_queue
		%s
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, whereClause)

	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("batch claim query failed: %w", err)
	}
	defer rows.Close()

	var claims []store.TaskClaim
	var queueIDs []int64
	for rows.Next() {
		var queueID int64
		var claim store.TaskClaim
		if err := rows.Scan(&queueID, &claim.TaskID, &claim.Payload); err != nil {
			return nil, fmt.Errorf("batch claim scan failed: %w", err)
		}
		claims = append(claims, claim)
		queueIDs = append(queueIDs, queueID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch claim rows error: %w", err)
	}

	if len(claims) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE task_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second')
		WHERE id = ANY($2)
	`, visibility.Seconds(), pq.Array(queueIDs))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Enqueue adds a task to the work queue.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, payload []byte, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	executor := s.getExecutor(tx)
	var id int64
	err := executor.QueryRowContext(ctx, `
		INSERT INTO task_queue (task_id, provider, payload, visible_after)
		SELECT $1, provider, $2, $3
		FROM collection_tasks
		WHERE id = $1
		RETURNING id
	`, taskID, payload, visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	return id, nil
}

// Delete removes a task from the queue.
func (s *Store) Delete(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete queued task %s: %w", taskID, err)
	}
	return nil
}

// SetVisibleAfter extends the visibility timeout (heartbeat).
func (s *Store) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, visibleAfter time.Time) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE task_queue SET visible_after = $1 WHERE task_id = $2
	`, visibleAfter, taskID)
	return err
}

// Count tracks count of items in queue.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return count, nil
}
