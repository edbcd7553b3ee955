package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// CredentialStore is the lease store backing the credential pool.
// AcquireLease and ReleaseLease are the only mutations performed by
// concurrent tasks; implementations must make them atomic
// check-and-update operations.
type CredentialStore interface {
	// CreateCredential registers a new credential.
	CreateCredential(ctx context.Context, cred *Credential) error

	// GetCredential returns a credential by its ID.
	GetCredential(ctx context.Context, id uuid.UUID) (*Credential, error)

	// ListCredentials returns all credentials, most recently created first.
	ListCredentials(ctx context.Context) ([]*Credential, error)

	// AcquireLease atomically selects the least-recently-used eligible
	// credential for (provider, tier) and creates a lease on it.
	// Eligibility: active, matching provider and tier, not in cooldown,
	// under quota (with read-time boundary reset), and not currently
	// leased unless the credential allows multiple leases.
	// Returns ErrNoCredentialAvailable when nothing matches.
	AcquireLease(ctx context.Context, provider string, tier Tier, taskID uuid.UUID, ttl time.Duration) (*Lease, *Credential, error)

	// ReleaseLease ends a lease, bumps the credential usage counters and
	// the last-used timestamp. success additionally clears the
	// consecutive error counter (the credential proved healthy).
	ReleaseLease(ctx context.Context, leaseID uuid.UUID, success bool) error

	// RecordError increments the credential's consecutive error counter,
	// optionally applies a cooldown, and deactivates the credential when
	// the counter reaches deactivateAfter (0 disables the breaker).
	RecordError(ctx context.Context, credentialID uuid.UUID, cooldownUntil *time.Time, deactivateAfter int) error

	// ResetErrors clears the error counter and cooldown (manual breaker reset).
	ResetErrors(ctx context.Context, credentialID uuid.UUID) error

	// SetActive flips the credential's active flag.
	SetActive(ctx context.Context, credentialID uuid.UUID, active bool) error

	// ExtendLease pushes a lease expiry forward (worker heartbeat).
	ExtendLease(ctx context.Context, leaseID uuid.UUID, expiresAt time.Time) error

	// ReapExpiredLeases force-releases leases past their expiry and
	// returns the task IDs that owned them.
	ReapExpiredLeases(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// RunStore persists collection runs and their tasks. Run and task rows
// are mutated only by the orchestrator goroutine owning the run.
type RunStore interface {
	CreateRun(ctx context.Context, tx DBTransaction, run *CollectionRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*CollectionRun, error)
	SetRunStatus(ctx context.Context, tx DBTransaction, id uuid.UUID, status RunStatus) error
	SetRunSettled(ctx context.Context, tx DBTransaction, id uuid.UUID, settledCost int64) error

	CreateTask(ctx context.Context, tx DBTransaction, task *CollectionTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*CollectionTask, error)
	ListTasks(ctx context.Context, runID uuid.UUID) ([]*CollectionTask, error)

	// MarkTaskRunning records the start of execution. It is a no-op
	// returning false if the task already left pending (monotonic states).
	MarkTaskRunning(ctx context.Context, id uuid.UUID, credentialID *uuid.UUID, at time.Time) (bool, error)

	// FinishTask moves a task to a terminal status with its outcome.
	// It returns false if the task was already terminal.
	FinishTask(ctx context.Context, id uuid.UUID, status TaskStatus, records, cost, rateWaitMs int64, errMsg *string, at time.Time) (bool, error)

	// ListRunsInStatus returns run IDs currently in the given status,
	// oldest first. Used by the liveness sweep.
	ListRunsInStatus(ctx context.Context, status RunStatus) ([]uuid.UUID, error)

	// ListStuckTasks returns non-terminal tasks that entered their
	// current status before the given cutoffs.
	ListStuckTasks(ctx context.Context, pendingBefore, runningBefore time.Time) ([]*CollectionTask, error)
}

// TaskQueue is the claim queue feeding the worker pool.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type TaskQueue interface {
	// Enqueue adds a task to the queue.
	Enqueue(ctx context.Context, tx DBTransaction, taskID uuid.UUID, payload []byte, visibleAfter time.Time) (int64, error)

	// ClaimBatch claims up to 'limit' visible tasks atomically.
	// Returns nil slice if the queue is empty.
	ClaimBatch(ctx context.Context, providers []string, limit int, visibility time.Duration) ([]TaskClaim, error)

	// Delete removes a task from the queue (done, failed permanently, or cancelled).
	Delete(ctx context.Context, tx DBTransaction, taskID uuid.UUID) error

	// SetVisibleAfter extends the visibility timeout (heartbeat).
	SetVisibleAfter(ctx context.Context, tx DBTransaction, taskID uuid.UUID, visibleAfter time.Time) error

	// Count tracks count of items in queue.
	Count(ctx context.Context) (int64, error)
}

// BudgetStore is the reservation/settlement/refund ledger. Every
// operation is a single atomic check-and-commit; the balance can never
// go negative and open reservations never exceed the balance.
type BudgetStore interface {
	// Allocate credits the balance (external top-up).
	Allocate(ctx context.Context, amount int64, note string) error

	// Reserve holds amount against the available balance for a run.
	// Returns ErrInsufficientBudget when available < amount.
	Reserve(ctx context.Context, runID uuid.UUID, amount int64) error

	// Settle converts a run's reservation into consumption of actual,
	// refunding the remainder. actual is capped at the reservation by
	// the caller; the store records a discrepancy entry when asked.
	Settle(ctx context.Context, runID uuid.UUID, reserved, actual int64, discrepancy int64) error

	// Refund releases a run's reservation in full.
	Refund(ctx context.Context, runID uuid.UUID, reserved int64) error

	// Position returns the current balance and open reservations.
	Position(ctx context.Context) (BudgetPosition, error)

	// Ledger returns the most recent ledger entries, newest first.
	Ledger(ctx context.Context, limit int) ([]*BudgetLedgerEntry, error)
}

// RateWindowStore holds the shared sliding-window counters for the rate
// limiter. TryAcquire must be atomic across all processes sharing the
// backing storage.
type RateWindowStore interface {
	// TryAcquire admits cost units under (ceiling, window) for key.
	// When denied it returns admitted=false and a wait hint: the time
	// until the oldest counted bucket ages out of the window.
	TryAcquire(ctx context.Context, key string, cost, ceiling int64, window time.Duration) (admitted bool, retryAfter time.Duration, err error)
}
