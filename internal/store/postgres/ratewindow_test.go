package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestTryAcquire_Admitted(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	key := "alpha/cred-1"

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rate_keys`).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT key FROM rate_keys WHERE key = \$1 FOR UPDATE`).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 4 of 10 slots used in the last minute.
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(count\), 0\), MIN\(bucket\)\s+FROM rate_buckets`).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "min"}).AddRow(int64(4), int64(time.Now().Unix()-30)))
	mock.ExpectExec(`INSERT INTO rate_buckets`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM rate_buckets`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	admitted, retryAfter, err := s.TryAcquire(context.Background(), key, 1, 10, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !admitted {
		t.Error("expected admission under the ceiling")
	}
	if retryAfter != 0 {
		t.Errorf("expected no retry hint on admission, got %v", retryAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTryAcquire_WindowFull(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	key := "alpha/cred-1"
	oldest := time.Now().Unix() - 20 // ages out ~40s from now in a 60s window

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rate_keys`).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT key FROM rate_keys`).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(count\), 0\), MIN\(bucket\)\s+FROM rate_buckets`).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "min"}).AddRow(int64(10), oldest))
	// No bucket write on rejection; the window state must not change.
	mock.ExpectCommit()

	admitted, retryAfter, err := s.TryAcquire(context.Background(), key, 1, 10, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if admitted {
		t.Error("expected rejection at the ceiling")
	}
	if retryAfter < 30*time.Second || retryAfter > 50*time.Second {
		t.Errorf("expected retry hint near the oldest bucket age-out, got %v", retryAfter)
	}
}

func TestTryAcquire_EmptyWindowRejectionHint(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	key := "beta/cred-2"

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rate_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT key FROM rate_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(count\), 0\), MIN\(bucket\)`).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "min"}).AddRow(int64(0), nil))
	mock.ExpectCommit()

	// Cost larger than the ceiling can never be admitted; the hint
	// falls back to one second.
	admitted, retryAfter, err := s.TryAcquire(context.Background(), key, 5, 3, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if admitted {
		t.Error("expected rejection for cost above ceiling")
	}
	if retryAfter != time.Second {
		t.Errorf("expected 1s fallback hint, got %v", retryAfter)
	}
}
