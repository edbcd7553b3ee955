package postgres

import (
	"context"
	"testing"
	"time"

	"harvestplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func taskRow(id, runID uuid.UUID, provider string, status store.TaskStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "run_id", "provider", "tier", "requested_tier", "status", "credential_id",
		"records", "cost", "rate_wait_ms", "attempt", "error_message",
		"created_at", "started_at", "completed_at",
	}).AddRow(
		id, runID, provider, store.TierMedium, store.TierMedium, status, nil,
		int64(0), int64(50), int64(0), 0, nil,
		time.Now(), nil, nil,
	)
}

func TestCreateRun(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	run := &store.CollectionRun{
		ID:            uuid.New(),
		Mode:          store.RunModeBatch,
		Tier:          store.TierMedium,
		Status:        store.RunStatusPending,
		EstimatedCost: 90,
		Params:        map[string]string{"region": "eu"},
		CreatedAt:     time.Now(),
	}

	mock.ExpectExec(`INSERT INTO collection_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateRun(context.Background(), nil, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetRun_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT id, mode, tier, status, estimated_cost, settled_cost, params`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "mode", "tier", "status", "estimated_cost", "settled_cost", "params",
			"created_at", "started_at", "completed_at",
		}).AddRow(runID, store.RunModeBatch, store.TierMedium, store.RunStatusRunning,
			int64(90), nil, []byte(`{"region":"eu"}`), now, now, nil))

	run, err := s.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != store.RunStatusRunning || run.EstimatedCost != 90 {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.Params["region"] != "eu" {
		t.Errorf("expected params to round-trip, got %v", run.Params)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT id, mode, tier, status`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetRun(context.Background(), uuid.New()); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkTaskRunning_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	taskID := uuid.New()
	credID := uuid.New()

	mock.ExpectExec(`UPDATE collection_tasks`).
		WithArgs(taskID, store.TaskStatusRunning, &credID, sqlmock.AnyArg(), store.TaskStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.MarkTaskRunning(context.Background(), taskID, &credID, time.Now())
	if err != nil {
		t.Fatalf("MarkTaskRunning failed: %v", err)
	}
	if !ok {
		t.Error("expected transition to be applied")
	}
}

func TestMarkTaskRunning_AlreadyLeftPending(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE collection_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.MarkTaskRunning(context.Background(), uuid.New(), nil, time.Now())
	if err != nil {
		t.Fatalf("MarkTaskRunning failed: %v", err)
	}
	if ok {
		t.Error("expected no-op for a task no longer pending")
	}
}

func TestFinishTask_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	taskID := uuid.New()

	mock.ExpectExec(`UPDATE collection_tasks`).
		WithArgs(taskID, store.TaskStatusCompleted, int64(1200), int64(50), int64(250), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.FinishTask(context.Background(), taskID, store.TaskStatusCompleted, 1200, 50, 250, nil, time.Now())
	if err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}
	if !ok {
		t.Error("expected terminal transition to be applied")
	}
}

func TestFinishTask_AlreadyTerminal(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE collection_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.FinishTask(context.Background(), uuid.New(), store.TaskStatusFailed, 0, 0, 0, nil, time.Now())
	if err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}
	if ok {
		t.Error("expected no-op for an already terminal task")
	}
}

func TestFinishTask_RejectsNonTerminalStatus(t *testing.T) {
	s, _ := newMockStore(t)
	defer s.db.Close()

	if _, err := s.FinishTask(context.Background(), uuid.New(), store.TaskStatusRunning, 0, 0, 0, nil, time.Now()); err == nil {
		t.Error("expected error for a non-terminal target status")
	}
}

func TestListTasks(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	taskID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM collection_tasks WHERE run_id`).
		WithArgs(runID).
		WillReturnRows(taskRow(taskID, runID, "alpha", store.TaskStatusPending))

	tasks, err := s.ListTasks(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != taskID || tasks[0].Provider != "alpha" {
		t.Errorf("unexpected tasks: %+v", tasks)
	}
}

func TestListStuckTasks(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	taskID := uuid.New()
	pendingCutoff := time.Now().Add(-5 * time.Minute)
	runningCutoff := time.Now().Add(-30 * time.Minute)

	mock.ExpectQuery(`FROM collection_tasks\s+WHERE \(status = 'pending'`).
		WithArgs(pendingCutoff, runningCutoff).
		WillReturnRows(taskRow(taskID, runID, "beta", store.TaskStatusRunning))

	tasks, err := s.ListStuckTasks(context.Background(), pendingCutoff, runningCutoff)
	if err != nil {
		t.Fatalf("ListStuckTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != taskID {
		t.Errorf("unexpected stuck tasks: %+v", tasks)
	}
}

func TestSetRunStatus(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()

	mock.ExpectExec(`UPDATE collection_runs\s+SET status`).
		WithArgs(runID, store.RunStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetRunStatus(context.Background(), nil, runID, store.RunStatusCompleted); err != nil {
		t.Fatalf("SetRunStatus failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
