package handlers

import (
	"encoding/json"
	"harvestplane/pkg/api"
	"net/http"
	"strconv"
)

// GetBudget handles GET /api/v1/budget.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	pos, err := h.budget.Position(r.Context())
	if err != nil {
		h.httpError(w, "Failed to load budget position", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.BudgetResponse{
		Balance:   pos.Balance,
		Reserved:  pos.Reserved,
		Available: pos.Available(),
	})
}

// TopUpBudget handles POST /api/v1/budget/topup.
func (h *Handlers) TopUpBudget(w http.ResponseWriter, r *http.Request) {
	var req api.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		h.httpError(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	if err := h.budget.TopUp(r.Context(), req.Amount, req.Note); err != nil {
		h.httpError(w, "Failed to top up budget", http.StatusInternalServerError)
		return
	}

	pos, err := h.budget.Position(r.Context())
	if err != nil {
		h.httpError(w, "Failed to load budget position", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, api.BudgetResponse{
		Balance:   pos.Balance,
		Reserved:  pos.Reserved,
		Available: pos.Available(),
	})
}

// GetBudgetLedger handles GET /api/v1/budget/ledger.
// Returns the most recent ledger entries, newest first.
func (h *Handlers) GetBudgetLedger(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.budget.Ledger(r.Context(), limit)
	if err != nil {
		h.httpError(w, "Failed to load ledger", http.StatusInternalServerError)
		return
	}

	resp := make([]api.LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		entry := api.LedgerEntryResponse{
			ID:        e.ID,
			Type:      string(e.Type),
			Amount:    e.Amount,
			Note:      e.Note,
			CreatedAt: e.CreatedAt,
		}
		if e.RunID != nil {
			entry.RunID = e.RunID.String()
		}
		resp = append(resp, entry)
	}
	h.respondJson(w, http.StatusOK, resp)
}
