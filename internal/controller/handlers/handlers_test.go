package handlers

import (
	"context"
	"database/sql"
	"harvestplane/internal/auth"
	"harvestplane/internal/orchestrator"
	"harvestplane/internal/store"
	"harvestplane/pkg/api"
	"time"

	"github.com/google/uuid"
)

// Mock transaction
type mockTx struct{}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (m *mockTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (m *mockTx) Commit() error { return nil }

func (m *mockTx) Rollback() error { return nil }

// Mock Store
type mockStore struct {
	beginTxErr error
	pingErr    error

	// Credential Hooks
	createCredentialErr error
	listCredentialsResp []*store.Credential
	listCredentialsErr  error
	setActiveErr        error
	resetErrorsErr      error

	// Queue Hooks
	setVisibleErr error

	// Spies (to verify arguments passed by handlers)
	capturedCredential   *store.Credential
	capturedActive       bool
	capturedVisibleAfter time.Time
}

func (m *mockStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if m.beginTxErr != nil {
		return nil, m.beginTxErr
	}
	return &mockTx{}, nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) CreateCredential(ctx context.Context, cred *store.Credential) error {
	m.capturedCredential = cred
	return m.createCredentialErr
}

func (m *mockStore) GetCredential(ctx context.Context, id uuid.UUID) (*store.Credential, error) {
	return nil, store.ErrNotFound
}

func (m *mockStore) ListCredentials(ctx context.Context) ([]*store.Credential, error) {
	return m.listCredentialsResp, m.listCredentialsErr
}

func (m *mockStore) AcquireLease(ctx context.Context, provider string, tier store.Tier, taskID uuid.UUID, ttl time.Duration) (*store.Lease, *store.Credential, error) {
	return nil, nil, store.ErrNoCredentialAvailable
}

func (m *mockStore) ReleaseLease(ctx context.Context, leaseID uuid.UUID, success bool) error {
	return nil
}

func (m *mockStore) RecordError(ctx context.Context, credentialID uuid.UUID, cooldownUntil *time.Time, deactivateAfter int) error {
	return nil
}

func (m *mockStore) ResetErrors(ctx context.Context, credentialID uuid.UUID) error {
	return m.resetErrorsErr
}

func (m *mockStore) SetActive(ctx context.Context, credentialID uuid.UUID, active bool) error {
	m.capturedActive = active
	return m.setActiveErr
}

func (m *mockStore) ExtendLease(ctx context.Context, leaseID uuid.UUID, expiresAt time.Time) error {
	return nil
}

func (m *mockStore) ReapExpiredLeases(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (m *mockStore) Enqueue(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, payload []byte, visibleAfter time.Time) (int64, error) {
	return 1, nil
}

func (m *mockStore) ClaimBatch(ctx context.Context, providers []string, limit int, visibility time.Duration) ([]store.TaskClaim, error) {
	return nil, nil
}

func (m *mockStore) Delete(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID) error {
	return nil
}

func (m *mockStore) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, visibleAfter time.Time) error {
	m.capturedVisibleAfter = visibleAfter
	return m.setVisibleErr
}

func (m *mockStore) Count(ctx context.Context) (int64, error) {
	return 0, nil
}

// Mock RunService
type mockRunService struct {
	launchResp *store.CollectionRun
	launchErr  error

	statusRun   *store.CollectionRun
	statusTasks []*store.CollectionTask
	statusErr   error

	cancelResp *store.CollectionRun
	cancelErr  error

	startedCancelled bool
	startedErr       error

	resultErr      error
	capturedResult orchestrator.TaskResult

	heartbeatCancelled bool
	heartbeatErr       error
}

func (m *mockRunService) Launch(ctx context.Context, req api.LaunchRunRequest) (*store.CollectionRun, error) {
	return m.launchResp, m.launchErr
}

func (m *mockRunService) Status(ctx context.Context, runID uuid.UUID) (*store.CollectionRun, []*store.CollectionTask, error) {
	return m.statusRun, m.statusTasks, m.statusErr
}

func (m *mockRunService) Cancel(ctx context.Context, runID uuid.UUID) (*store.CollectionRun, error) {
	return m.cancelResp, m.cancelErr
}

func (m *mockRunService) OnTaskStarted(ctx context.Context, taskID uuid.UUID, credentialID *uuid.UUID) (bool, error) {
	return m.startedCancelled, m.startedErr
}

func (m *mockRunService) OnTaskResult(ctx context.Context, taskID uuid.UUID, result orchestrator.TaskResult) error {
	m.capturedResult = result
	return m.resultErr
}

func (m *mockRunService) IsTaskCancelled(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return m.heartbeatCancelled, m.heartbeatErr
}

// Mock BudgetService
type mockBudgetService struct {
	position    store.BudgetPosition
	positionErr error
	topUpErr    error
	ledgerResp  []*store.BudgetLedgerEntry
	ledgerErr   error

	capturedTopUp int64
}

func (m *mockBudgetService) Position(ctx context.Context) (store.BudgetPosition, error) {
	return m.position, m.positionErr
}

func (m *mockBudgetService) TopUp(ctx context.Context, amount int64, note string) error {
	m.capturedTopUp = amount
	return m.topUpErr
}

func (m *mockBudgetService) Ledger(ctx context.Context, limit int) ([]*store.BudgetLedgerEntry, error) {
	return m.ledgerResp, m.ledgerErr
}

// Mock EventSource
type mockEventSource struct {
	ch chan api.RunEvent
}

func (m *mockEventSource) Subscribe(runID uuid.UUID) (<-chan api.RunEvent, func()) {
	if m.ch == nil {
		m.ch = make(chan api.RunEvent, 8)
	}
	return m.ch, func() {}
}

func testHandlers(s *mockStore, runs *mockRunService, budget *mockBudgetService) *Handlers {
	sealer, _ := auth.NewSealer("test-key")
	return New(s, runs, budget, &mockEventSource{}, sealer, 11*time.Minute)
}
