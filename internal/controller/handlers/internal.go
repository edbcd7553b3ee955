package handlers

import (
	"encoding/json"
	"errors"
	"harvestplane/internal/orchestrator"
	"harvestplane/internal/provider"
	"harvestplane/internal/store"
	"harvestplane/pkg/api"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------
// Internal Worker Endpoints
// These are authenticated with the worker token, not the public surface.
// ---------------------------------------------------------

// InternalTaskStarted handles POST /internal/tasks/{id}/started.
// The worker calls this after claiming a task and leasing a credential.
// A cancelled:true response tells the worker to drop the claim without
// calling the provider.
func (h *Handlers) InternalTaskStarted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	var req api.TaskStartedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid body", http.StatusBadRequest)
		return
	}

	var credID *uuid.UUID
	if req.CredentialID != "" {
		id, err := uuid.Parse(req.CredentialID)
		if err != nil {
			h.httpError(w, "Invalid credential id", http.StatusBadRequest)
			return
		}
		credID = &id
	}

	cancelled, err := h.runs.OnTaskStarted(ctx, taskID, credID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Task not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to mark task started", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.HeartbeatResponse{Cancelled: cancelled})
}

// InternalTaskResult handles POST /internal/tasks/{id}/result.
// The worker calls this when the collection finishes or fails for good.
func (h *Handlers) InternalTaskResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	var req api.TaskResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid body", http.StatusBadRequest)
		return
	}

	result := orchestrator.TaskResult{
		Success:    req.Success,
		Records:    req.Records,
		Cost:       req.Cost,
		ErrorKind:  provider.ErrorKind(req.ErrorKind),
		Error:      req.Error,
		RateWaitMs: req.RateWaitMs,
	}

	if err := h.runs.OnTaskResult(ctx, taskID, result); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Task not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to record task result", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// InternalHeartbeat handles PUT /internal/tasks/{id}/heartbeat.
// Extends the queue visibility window and reports whether the task was
// cancelled upstream, so the worker can abort the provider call.
func (h *Handlers) InternalHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return
	}

	cancelled, err := h.runs.IsTaskCancelled(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Task not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to check task state", http.StatusInternalServerError)
		return
	}

	if !cancelled {
		newVisibility := time.Now().Add(h.heartbeatVisibility)
		if err := h.store.SetVisibleAfter(ctx, nil, taskID, newVisibility); err != nil {
			h.httpError(w, "Failed to update heartbeat", http.StatusInternalServerError)
			return
		}
	}

	h.respondJson(w, http.StatusOK, api.HeartbeatResponse{Cancelled: cancelled})
}
