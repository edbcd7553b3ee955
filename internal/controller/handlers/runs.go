package handlers

import (
	"encoding/json"
	"errors"
	"harvestplane/internal/store"
	"harvestplane/pkg/api"
	"net/http"

	"github.com/google/uuid"
)

// LaunchRun handles POST /api/v1/runs.
// It reserves the estimated cost and dispatches one task per provider;
// the response returns immediately while collection runs asynchronously.
func (h *Handlers) LaunchRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.LaunchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Providers) == 0 {
		h.httpError(w, "At least one provider is required", http.StatusBadRequest)
		return
	}

	run, err := h.runs.Launch(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBudget) {
			h.httpError(w, "Insufficient budget for the estimated run cost", http.StatusPaymentRequired)
			return
		}
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.LaunchRunResponse{
		RunID:         run.ID.String(),
		EstimatedCost: run.EstimatedCost,
	})
}

// GetRun handles GET /api/v1/runs/{id}.
// Returns the run together with every task's current state.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, tasks, err := h.runs.Status(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, runStatusResponse(run, tasks))
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
// Cancelling a terminal run is a no-op returning the current state.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, err := h.runs.Cancel(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to cancel run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.CancelRunResponse{
		RunID:  run.ID.String(),
		Status: string(run.Status),
	})
}

func runStatusResponse(run *store.CollectionRun, tasks []*store.CollectionTask) api.RunStatusResponse {
	resp := api.RunStatusResponse{
		ID:            run.ID.String(),
		Mode:          string(run.Mode),
		Tier:          string(run.Tier),
		Status:        string(run.Status),
		EstimatedCost: run.EstimatedCost,
		SettledCost:   run.SettledCost,
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		Tasks:         make([]api.TaskStatusResponse, 0, len(tasks)),
	}
	for _, task := range tasks {
		t := api.TaskStatusResponse{
			ID:          task.ID.String(),
			Provider:    task.Provider,
			Tier:        string(task.Tier),
			Status:      string(task.Status),
			Records:     task.Records,
			Cost:        task.Cost,
			RateWaitMs:  task.RateWaitMs,
			StartedAt:   task.StartedAt,
			CompletedAt: task.CompletedAt,
			Error:       task.ErrorMessage,
		}
		if task.RequestedTier != nil {
			t.RequestedTier = string(*task.RequestedTier)
		}
		resp.TotalRecords += task.Records
		resp.Tasks = append(resp.Tasks, t)
	}
	return resp
}
