package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("expected empty request id on fresh context, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-12345")
	if got := RequestIDFromContext(ctx); got != "req-12345" {
		t.Errorf("expected req-12345, got %q", got)
	}
}

func TestFromContext_AttachesRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithRequestID(context.Background(), "req-67890")
	FromContext(ctx, base).Info("launching run")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["request_id"] != "req-67890" {
		t.Errorf("expected request_id in log entry, got %v", entry)
	}
}

func TestFromContext_NoRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	FromContext(context.Background(), base).Info("sweep tick")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if _, ok := entry["request_id"]; ok {
		t.Errorf("expected no request_id without one in context, got %v", entry)
	}
}

func TestNew_LevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	log := New("controller")

	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info suppressed at warn level")
	}
	if !log.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn enabled at warn level")
	}
}

func TestNew_DefaultsToInfo(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := New("worker")

	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug suppressed by default")
	}
	if !log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info enabled by default")
	}
}
