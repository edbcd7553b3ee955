// Package store contains the database layer for harvestplane.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the cost/quality level at which a provider may be accessed.
type Tier string

const (
	TierFree    Tier = "free"
	TierMedium  Tier = "medium"
	TierPremium Tier = "premium"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierMedium, TierPremium:
		return true
	}
	return false
}

// Credential identifies one account at one provider and one tier.
// The Secret payload is opaque to the core; it is handed to the
// provider client at call time and never leaves the process otherwise.
type Credential struct {
	ID         uuid.UUID
	Provider   string
	Tier       Tier
	Secret     string
	Active     bool
	MultiLease bool

	// nil quota means unlimited.
	DailyQuota     *int64
	DailyUsed      int64
	DailyResetAt   time.Time
	MonthlyQuota   *int64
	MonthlyUsed    int64
	MonthlyResetAt time.Time

	LastUsedAt        *time.Time
	LastErrorAt       *time.Time
	ConsecutiveErrors int
	CooldownUntil     *time.Time
	Note              string
	CreatedAt         time.Time
}

// Lease binds a credential to one in-flight task.
// A lease past ExpiresAt is abandoned and gets reclaimed by the pool sweep.
type Lease struct {
	ID           uuid.UUID
	CredentialID uuid.UUID
	TaskID       uuid.UUID
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// RunMode distinguishes one-shot batch collection from live collection.
type RunMode string

const (
	RunModeBatch RunMode = "batch"
	RunModeLive  RunMode = "live"
)

// RunStatus is the state of a collection run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus is the state of one provider task within a run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CollectionRun is one research collection request.
type CollectionRun struct {
	ID            uuid.UUID
	Mode          RunMode
	Tier          Tier
	Status        RunStatus
	EstimatedCost int64
	SettledCost   *int64
	Params        map[string]string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// CollectionTask is one provider's unit of work within a run.
// RequestedTier is set when the resolved tier was downgraded because the
// provider does not support it; the fallback is recorded, never silent.
type CollectionTask struct {
	ID            uuid.UUID
	RunID         uuid.UUID
	Provider      string
	Tier          Tier
	RequestedTier *Tier
	Status        TaskStatus
	CredentialID  *uuid.UUID
	Records       int64
	Cost          int64
	RateWaitMs    int64
	Attempt       int
	ErrorMessage  *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// LedgerEntryType is the business reason for a budget ledger entry.
type LedgerEntryType string

const (
	LedgerAllocate    LedgerEntryType = "allocate"
	LedgerReserve     LedgerEntryType = "reserve"
	LedgerSettle      LedgerEntryType = "settle"
	LedgerRefund      LedgerEntryType = "refund"
	LedgerDiscrepancy LedgerEntryType = "discrepancy"
)

// BudgetLedgerEntry is an append-only record of a budget operation.
type BudgetLedgerEntry struct {
	ID        int64
	Type      LedgerEntryType
	Amount    int64
	RunID     *uuid.UUID
	TaskID    *uuid.UUID
	Note      string
	CreatedAt time.Time
}

// BudgetPosition is the current state of the budget account.
type BudgetPosition struct {
	Balance  int64
	Reserved int64
}

// Available is the balance not held by open reservations.
func (p BudgetPosition) Available() int64 {
	return p.Balance - p.Reserved
}

// TaskClaim is a dequeued task from the work queue.
type TaskClaim struct {
	TaskID  uuid.UUID
	Payload []byte
}
