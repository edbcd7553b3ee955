package handlers

import (
	"bytes"
	"encoding/json"
	"harvestplane/pkg/api"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestInternalTaskStarted_ReportsCancelled(t *testing.T) {
	runs := &mockRunService{startedCancelled: true}
	h := testHandlers(&mockStore{}, runs, &mockBudgetService{})

	taskID := uuid.New()
	body, _ := json.Marshal(api.TaskStartedRequest{CredentialID: uuid.New().String()})
	req := httptest.NewRequest(http.MethodPost, "/internal/tasks/"+taskID.String()+"/started", bytes.NewReader(body))
	req.SetPathValue("id", taskID.String())
	rr := httptest.NewRecorder()

	h.InternalTaskStarted(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	var resp api.HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !resp.Cancelled {
		t.Error("expected cancelled=true")
	}
}

func TestInternalTaskResult(t *testing.T) {
	runs := &mockRunService{}
	h := testHandlers(&mockStore{}, runs, &mockBudgetService{})

	taskID := uuid.New()
	body, _ := json.Marshal(api.TaskResultRequest{
		Success: true,
		Records: 120,
		Cost:    10,
	})
	req := httptest.NewRequest(http.MethodPost, "/internal/tasks/"+taskID.String()+"/result", bytes.NewReader(body))
	req.SetPathValue("id", taskID.String())
	rr := httptest.NewRecorder()

	h.InternalTaskResult(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	if !runs.capturedResult.Success || runs.capturedResult.Records != 120 {
		t.Errorf("result did not reach the orchestrator: %+v", runs.capturedResult)
	}
}

func TestInternalTaskResult_InvalidID(t *testing.T) {
	h := testHandlers(&mockStore{}, &mockRunService{}, &mockBudgetService{})

	req := httptest.NewRequest(http.MethodPost, "/internal/tasks/nope/result", bytes.NewReader([]byte("{}")))
	req.SetPathValue("id", "nope")
	rr := httptest.NewRecorder()

	h.InternalTaskResult(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestInternalHeartbeat_ExtendsVisibility(t *testing.T) {
	ms := &mockStore{}
	h := testHandlers(ms, &mockRunService{}, &mockBudgetService{})

	taskID := uuid.New()
	req := httptest.NewRequest(http.MethodPut, "/internal/tasks/"+taskID.String()+"/heartbeat", nil)
	req.SetPathValue("id", taskID.String())
	rr := httptest.NewRecorder()

	h.InternalHeartbeat(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	if ms.capturedVisibleAfter.IsZero() {
		t.Error("heartbeat should extend queue visibility")
	}
	// testHandlers configures an 11 minute visibility window; the
	// extension must honour it rather than some built-in constant.
	horizon := time.Until(ms.capturedVisibleAfter)
	if horizon < 10*time.Minute || horizon > 12*time.Minute {
		t.Errorf("expected visibility extension of ~11m, got %v", horizon)
	}
}

func TestInternalHeartbeat_CancelledSkipsExtension(t *testing.T) {
	ms := &mockStore{}
	runs := &mockRunService{heartbeatCancelled: true}
	h := testHandlers(ms, runs, &mockBudgetService{})

	taskID := uuid.New()
	req := httptest.NewRequest(http.MethodPut, "/internal/tasks/"+taskID.String()+"/heartbeat", nil)
	req.SetPathValue("id", taskID.String())
	rr := httptest.NewRecorder()

	h.InternalHeartbeat(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	var resp api.HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !resp.Cancelled {
		t.Error("expected cancelled=true")
	}
	if !ms.capturedVisibleAfter.IsZero() {
		t.Error("cancelled task should not get a visibility extension")
	}
}
