package postgres

import (
	"context"
	"fmt"

	"harvestplane/internal/store"

	"github.com/google/uuid"
)

// Allocate credits the balance (external top-up).
func (s *Store) Allocate(ctx context.Context, amount int64, note string) error {
	if amount <= 0 {
		return fmt.Errorf("allocation amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE budget_account SET balance = balance + $1 WHERE id = 1`, amount); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_ledger (entry_type, amount, note) VALUES ($1, $2, $3)
	`, store.LedgerAllocate, amount, note); err != nil {
		return fmt.Errorf("failed to append allocate entry: %w", err)
	}

	return tx.Commit()
}

// Reserve holds amount against the available balance for a run. The
// conditional UPDATE is the atomic check-and-commit: two racing
// reservations cannot both pass a balance that only covers one.
func (s *Store) Reserve(ctx context.Context, runID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reservation amount must not be negative, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE budget_account
		SET reserved = reserved + $1
		WHERE id = 1 AND balance - reserved >= $1
	`, amount)
	if err != nil {
		return fmt.Errorf("failed to reserve budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrInsufficientBudget
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_ledger (entry_type, amount, run_id) VALUES ($1, $2, $3)
	`, store.LedgerReserve, amount, runID); err != nil {
		return fmt.Errorf("failed to append reserve entry: %w", err)
	}

	return tx.Commit()
}

// Settle converts a run's reservation into consumption of actual,
// releasing the remainder back to the balance. discrepancy > 0 records
// that the providers reported more spend than was reserved; settlement
// stays capped at the reservation.
func (s *Store) Settle(ctx context.Context, runID uuid.UUID, reserved, actual int64, discrepancy int64) error {
	if actual < 0 || actual > reserved {
		return fmt.Errorf("settlement %d outside [0, %d]", actual, reserved)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Consume actual from the balance, release the whole reservation.
	res, err := tx.ExecContext(ctx, `
		UPDATE budget_account
		SET balance = balance - $1, reserved = reserved - $2
		WHERE id = 1 AND reserved >= $2 AND balance >= $1
	`, actual, reserved)
	if err != nil {
		return fmt.Errorf("failed to settle budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("settlement of %d against reservation %d does not fit the account", actual, reserved)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_ledger (entry_type, amount, run_id) VALUES ($1, $2, $3)
	`, store.LedgerSettle, actual, runID); err != nil {
		return fmt.Errorf("failed to append settle entry: %w", err)
	}
	if refund := reserved - actual; refund > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_ledger (entry_type, amount, run_id) VALUES ($1, $2, $3)
		`, store.LedgerRefund, refund, runID); err != nil {
			return fmt.Errorf("failed to append refund entry: %w", err)
		}
	}
	if discrepancy > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_ledger (entry_type, amount, run_id, note)
			VALUES ($1, $2, $3, 'actual cost exceeded reservation; settlement capped')
		`, store.LedgerDiscrepancy, discrepancy, runID); err != nil {
			return fmt.Errorf("failed to append discrepancy entry: %w", err)
		}
	}

	return tx.Commit()
}

// Refund releases a run's reservation in full (cancellation or total failure).
func (s *Store) Refund(ctx context.Context, runID uuid.UUID, reserved int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE budget_account
		SET reserved = reserved - $1
		WHERE id = 1 AND reserved >= $1
	`, reserved)
	if err != nil {
		return fmt.Errorf("failed to refund budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("refund of %d exceeds open reservations", reserved)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_ledger (entry_type, amount, run_id) VALUES ($1, $2, $3)
	`, store.LedgerRefund, reserved, runID); err != nil {
		return fmt.Errorf("failed to append refund entry: %w", err)
	}

	return tx.Commit()
}

// Position returns the current balance and open reservations.
func (s *Store) Position(ctx context.Context) (store.BudgetPosition, error) {
	var p store.BudgetPosition
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, reserved FROM budget_account WHERE id = 1`).Scan(&p.Balance, &p.Reserved)
	if err != nil {
		return store.BudgetPosition{}, fmt.Errorf("failed to read budget position: %w", err)
	}
	return p, nil
}

// Ledger returns the most recent ledger entries, newest first.
func (s *Store) Ledger(ctx context.Context, limit int) ([]*store.BudgetLedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_type, amount, run_id, task_id, note, created_at
		FROM budget_ledger ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	defer rows.Close()

	var entries []*store.BudgetLedgerEntry
	for rows.Next() {
		var e store.BudgetLedgerEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Amount, &e.RunID, &e.TaskID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
