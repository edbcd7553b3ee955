package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"harvestplane/internal/store"

	"github.com/google/uuid"
)

const taskColumns = `
	id, run_id, provider, tier, requested_tier, status, credential_id,
	records, cost, rate_wait_ms, attempt, error_message,
	created_at, started_at, completed_at`

// CreateRun inserts a new collection run.
func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.CollectionRun) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal run params: %w", err)
	}

	executor := s.getExecutor(tx)
	_, err = executor.ExecContext(ctx, `
		INSERT INTO collection_runs (id, mode, tier, status, estimated_cost, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.Mode, run.Tier, run.Status, run.EstimatedCost, params, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun returns a run by its ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.CollectionRun, error) {
	var run store.CollectionRun
	var params []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mode, tier, status, estimated_cost, settled_cost, params,
			created_at, started_at, completed_at
		FROM collection_runs WHERE id = $1
	`, id).Scan(&run.ID, &run.Mode, &run.Tier, &run.Status, &run.EstimatedCost,
		&run.SettledCost, &params, &run.CreatedAt, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run params: %w", err)
	}
	return &run, nil
}

// SetRunStatus moves a run to the given status, stamping started_at on
// entry to running and completed_at on entry to a terminal status.
func (s *Store) SetRunStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.RunStatus) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE collection_runs
		SET status = $2,
			started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN COALESCE(completed_at, NOW()) ELSE completed_at END
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	return nil
}

// SetRunSettled records the final settled cost of a run.
func (s *Store) SetRunSettled(ctx context.Context, tx store.DBTransaction, id uuid.UUID, settledCost int64) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx,
		`UPDATE collection_runs SET settled_cost = $2 WHERE id = $1`, id, settledCost)
	if err != nil {
		return fmt.Errorf("failed to set run settled cost: %w", err)
	}
	return nil
}

// CreateTask inserts a new collection task.
func (s *Store) CreateTask(ctx context.Context, tx store.DBTransaction, task *store.CollectionTask) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		INSERT INTO collection_tasks (id, run_id, provider, tier, requested_tier, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.RunID, task.Provider, task.Tier, task.RequestedTier, task.Status, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask returns a task by its ID.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*store.CollectionTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM collection_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks of a run, in creation order.
func (s *Store) ListTasks(ctx context.Context, runID uuid.UUID) ([]*store.CollectionTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM collection_tasks WHERE run_id = $1 ORDER BY created_at ASC, provider ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*store.CollectionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkTaskRunning records the start of execution. The WHERE clause
// enforces monotonic transitions: a task that already left pending is
// not touched and the call reports false.
func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID, credentialID *uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_tasks
		SET status = $2, credential_id = COALESCE($3, credential_id),
			started_at = $4, attempt = attempt + 1, status_changed_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, store.TaskStatusRunning, credentialID, at, store.TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark task running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishTask moves a task to a terminal status with its outcome.
// Terminal states are final: an already-terminal task is left alone.
func (s *Store) FinishTask(ctx context.Context, id uuid.UUID, status store.TaskStatus, records, cost, rateWaitMs int64, errMsg *string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("FinishTask called with non-terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_tasks
		SET status = $2, records = $3, cost = $4, rate_wait_ms = $5,
			error_message = $6, completed_at = $7, status_changed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
	`, id, status, records, cost, rateWaitMs, errMsg, at)
	if err != nil {
		return false, fmt.Errorf("failed to finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRunsInStatus returns run IDs currently in the given status, oldest first.
func (s *Store) ListRunsInStatus(ctx context.Context, status store.RunStatus) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM collection_runs WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStuckTasks returns non-terminal tasks whose last status change
// predates the matching cutoff: pending tasks are likely dispatch
// faults, running tasks likely hung provider calls or dead workers.
func (s *Store) ListStuckTasks(ctx context.Context, pendingBefore, runningBefore time.Time) ([]*store.CollectionTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM collection_tasks
		WHERE (status = 'pending' AND status_changed_at <= $1)
		   OR (status = 'running' AND status_changed_at <= $2)
		ORDER BY created_at ASC
	`, pendingBefore, runningBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*store.CollectionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*store.CollectionTask, error) {
	var t store.CollectionTask
	err := row.Scan(
		&t.ID, &t.RunID, &t.Provider, &t.Tier, &t.RequestedTier, &t.Status, &t.CredentialID,
		&t.Records, &t.Cost, &t.RateWaitMs, &t.Attempt, &t.ErrorMessage,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
