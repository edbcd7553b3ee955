package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestEnqueue_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	taskID := uuid.New()
	payload := []byte(`{"provider":"alpha"}`)
	visibleAfter := time.Now()

	mock.ExpectQuery(`INSERT INTO task_queue`).
		WithArgs(taskID, payload, visibleAfter).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.Enqueue(context.Background(), nil, taskID, payload, visibleAfter)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != 42 {
		t.Errorf("expected queue id 42, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnqueue_TaskNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	// The INSERT ... SELECT finds no task row to copy the provider from.
	mock.ExpectQuery(`INSERT INTO task_queue`).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.Enqueue(context.Background(), nil, uuid.New(), []byte(`{}`), time.Now()); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestClaimBatch_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	taskA := uuid.New()
	taskB := uuid.New()
	payloadA := []byte(`{"task":"a"}`)
	payloadB := []byte(`{"task":"b"}`)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, task_id, payload\s+FROM task_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "payload"}).
			AddRow(int64(1), taskA, payloadA).
			AddRow(int64(2), taskB, payloadB))
	mock.ExpectExec(`UPDATE task_queue\s+SET visible_after`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	claims, err := s.ClaimBatch(context.Background(), []string{"alpha", "beta"}, 3, 14*time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}
	if claims[0].TaskID != taskA || string(claims[0].Payload) != `{"task":"a"}` {
		t.Errorf("unexpected first claim: %+v", claims[0])
	}
	if claims[1].TaskID != taskB {
		t.Errorf("unexpected second claim: %+v", claims[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimBatch_Empty(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, task_id, payload\s+FROM task_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "payload"}))
	mock.ExpectRollback()

	claims, err := s.ClaimBatch(context.Background(), nil, 5, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if claims != nil {
		t.Errorf("expected nil claims for an empty queue, got %v", claims)
	}
}

func TestDelete(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	taskID := uuid.New()
	mock.ExpectExec(`DELETE FROM task_queue WHERE task_id`).
		WithArgs(taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Delete(context.Background(), nil, taskID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSetVisibleAfter(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	taskID := uuid.New()
	visibleAfter := time.Now().Add(11 * time.Minute)

	mock.ExpectExec(`UPDATE task_queue SET visible_after`).
		WithArgs(visibleAfter, taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetVisibleAfter(context.Background(), nil, taskID, visibleAfter); err != nil {
		t.Fatalf("SetVisibleAfter failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCount(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM task_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 queued tasks, got %d", n)
	}
}
