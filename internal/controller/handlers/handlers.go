// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"harvestplane/internal/auth"
	"harvestplane/internal/orchestrator"
	"harvestplane/internal/store"
	"harvestplane/pkg/api"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// StoreFactory combines the store interfaces needed for the controller to function.
type StoreFactory interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	store.CredentialStore
	store.TaskQueue
}

// RunService is the orchestration surface the handlers dispatch into.
type RunService interface {
	Launch(ctx context.Context, req api.LaunchRunRequest) (*store.CollectionRun, error)
	Status(ctx context.Context, runID uuid.UUID) (*store.CollectionRun, []*store.CollectionTask, error)
	Cancel(ctx context.Context, runID uuid.UUID) (*store.CollectionRun, error)
	OnTaskStarted(ctx context.Context, taskID uuid.UUID, credentialID *uuid.UUID) (bool, error)
	OnTaskResult(ctx context.Context, taskID uuid.UUID, result orchestrator.TaskResult) error
	IsTaskCancelled(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// BudgetService is the budget surface exposed over the API.
type BudgetService interface {
	Position(ctx context.Context) (store.BudgetPosition, error)
	TopUp(ctx context.Context, amount int64, note string) error
	Ledger(ctx context.Context, limit int) ([]*store.BudgetLedgerEntry, error)
}

// EventSource provides per-run event subscriptions for the stream endpoint.
type EventSource interface {
	Subscribe(runID uuid.UUID) (<-chan api.RunEvent, func())
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store  StoreFactory
	runs   RunService
	budget BudgetService
	events EventSource
	sealer *auth.Sealer

	// heartbeatVisibility is how far a worker heartbeat pushes out the
	// task's queue visibility.
	heartbeatVisibility time.Duration
}

// New creates a new Handlers instance with the given dependencies.
func New(s StoreFactory, runs RunService, budget BudgetService, events EventSource, sealer *auth.Sealer, heartbeatVisibility time.Duration) *Handlers {
	if heartbeatVisibility <= 0 {
		heartbeatVisibility = 5 * time.Minute
	}
	return &Handlers{
		store:               s,
		runs:                runs,
		budget:              budget,
		events:              events,
		sealer:              sealer,
		heartbeatVisibility: heartbeatVisibility,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
