// Package budget implements the reservation/settlement/refund ledger
// consulted before dispatch and after run completion.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"harvestplane/internal/store"

	"github.com/google/uuid"
)

// Service wraps the budget store with the reservation lifecycle rules.
// The store guarantees atomicity; the service owns the policy: no
// dispatch without a reservation, settlement capped at the reservation,
// refunds on cancellation or total failure.
type Service struct {
	budget store.BudgetStore
	log    *slog.Logger
}

// New creates a budget service.
func New(b store.BudgetStore, log *slog.Logger) *Service {
	return &Service{budget: b, log: log}
}

// Reserve holds estimate against the available balance before a run is
// dispatched. Returns store.ErrInsufficientBudget when it does not fit;
// the caller must not dispatch the run in that case.
func (s *Service) Reserve(ctx context.Context, runID uuid.UUID, estimate int64) error {
	if err := s.budget.Reserve(ctx, runID, estimate); err != nil {
		return err
	}
	s.log.Info("budget reserved", "run_id", runID, "amount", estimate)
	return nil
}

// Settle converts a run's reservation into final consumption. When the
// actual cost ran under the estimate the difference is refunded; when
// it ran over, settlement is capped at the reservation and the
// discrepancy is flagged in the ledger — providers are not allowed to
// overspend silently.
func (s *Service) Settle(ctx context.Context, runID uuid.UUID, reserved, actual int64) error {
	capped := actual
	var discrepancy int64
	if capped > reserved {
		discrepancy = capped - reserved
		capped = reserved
	}

	if err := s.budget.Settle(ctx, runID, reserved, capped, discrepancy); err != nil {
		return fmt.Errorf("settle run %s: %w", runID, err)
	}
	if discrepancy > 0 {
		s.log.Warn("settlement capped at reservation",
			"run_id", runID, "reserved", reserved, "actual", actual, "discrepancy", discrepancy)
	} else {
		s.log.Info("budget settled", "run_id", runID, "reserved", reserved, "actual", capped)
	}
	return nil
}

// Refund reverses an unconsumed reservation in full.
func (s *Service) Refund(ctx context.Context, runID uuid.UUID, reserved int64) error {
	if err := s.budget.Refund(ctx, runID, reserved); err != nil {
		return fmt.Errorf("refund run %s: %w", runID, err)
	}
	s.log.Info("budget refunded", "run_id", runID, "amount", reserved)
	return nil
}

// Position returns the current balance and open reservations.
func (s *Service) Position(ctx context.Context) (store.BudgetPosition, error) {
	return s.budget.Position(ctx)
}

// Ledger returns the most recent ledger entries, newest first.
func (s *Service) Ledger(ctx context.Context, limit int) ([]*store.BudgetLedgerEntry, error) {
	return s.budget.Ledger(ctx, limit)
}

// TopUp credits the balance from the external allocation surface.
func (s *Service) TopUp(ctx context.Context, amount int64, note string) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", amount)
	}
	return s.budget.Allocate(ctx, amount, note)
}
