// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"harvestplane/internal/auth"
	"harvestplane/internal/controller/handlers"
	"harvestplane/internal/controller/middleware"
	"net/http"
	"time"
)

// Options configures the controller server.
type Options struct {
	Addr string

	// WorkerToken authenticates the /internal surface. Empty disables
	// the check (local development).
	WorkerToken string

	// APIRateLimit throttles public API clients per remote address.
	// Zero means unlimited.
	APIRateLimit float64
	APIRateBurst int

	// HeartbeatVisibility is how far a worker heartbeat pushes out a
	// task's queue visibility. Zero picks a conservative default.
	HeartbeatVisibility time.Duration
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(opts Options, store handlers.StoreFactory, runs handlers.RunService, budget handlers.BudgetService, events handlers.EventSource, sealer *auth.Sealer, metricsHandler http.Handler) *Server {
	h := handlers.New(store, runs, budget, events, sealer, opts.HeartbeatVisibility)
	rateMW := middleware.RateLimitMiddleware(opts.APIRateLimit, opts.APIRateBurst)
	internalMW := middleware.RequireInternalAuth(opts.WorkerToken)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	// Public API
	mux.Handle("POST /api/v1/runs", rateMW(http.HandlerFunc(h.LaunchRun)))
	mux.Handle("GET /api/v1/runs/{id}", rateMW(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", rateMW(http.HandlerFunc(h.CancelRun)))
	mux.Handle("GET /api/v1/runs/{id}/events", rateMW(http.HandlerFunc(h.StreamRunEvents)))

	mux.Handle("POST /api/v1/credentials", rateMW(http.HandlerFunc(h.CreateCredential)))
	mux.Handle("GET /api/v1/credentials", rateMW(http.HandlerFunc(h.ListCredentials)))
	mux.Handle("POST /api/v1/credentials/{id}/activate", rateMW(h.SetCredentialActive(true)))
	mux.Handle("POST /api/v1/credentials/{id}/deactivate", rateMW(h.SetCredentialActive(false)))
	mux.Handle("POST /api/v1/credentials/{id}/reset-errors", rateMW(http.HandlerFunc(h.ResetCredentialErrors)))

	mux.Handle("GET /api/v1/budget", rateMW(http.HandlerFunc(h.GetBudget)))
	mux.Handle("POST /api/v1/budget/topup", rateMW(http.HandlerFunc(h.TopUpBudget)))
	mux.Handle("GET /api/v1/budget/ledger", rateMW(http.HandlerFunc(h.GetBudgetLedger)))

	// Internal endpoints
	// These are called by the Worker Agent.
	// These should run on a separate port or strict network rules.
	mux.Handle("POST /internal/tasks/{id}/started", internalMW(http.HandlerFunc(h.InternalTaskStarted)))
	mux.Handle("POST /internal/tasks/{id}/result", internalMW(http.HandlerFunc(h.InternalTaskResult)))
	mux.Handle("PUT /internal/tasks/{id}/heartbeat", internalMW(http.HandlerFunc(h.InternalHeartbeat)))

	return &Server{
		httpServer: &http.Server{
			Addr:        opts.Addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// No WriteTimeout: the event stream endpoint holds its
			// connection open for the life of a run.
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
