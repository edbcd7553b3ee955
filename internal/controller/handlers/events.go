package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"harvestplane/internal/store"
	"net/http"

	"github.com/google/uuid"
)

// StreamRunEvents handles GET /api/v1/runs/{id}/events.
// Streams run and task state transitions as server-sent events until the
// client disconnects or the run reaches a terminal state.
func (h *Handlers) StreamRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.httpError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot so no transition falls in the gap.
	events, cancel := h.events.Subscribe(runID)
	defer cancel()

	run, _, err := h.runs.Status(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Terminal runs emit no further events; send the final state and close.
	if run.Status.Terminal() {
		fmt.Fprintf(w, "event: run\ndata: {\"run_id\":%q,\"status\":%q}\n\n", run.ID.String(), run.Status)
		flusher.Flush()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()

			if ev.Type == "run" && store.RunStatus(ev.Status).Terminal() {
				return
			}
		}
	}
}
