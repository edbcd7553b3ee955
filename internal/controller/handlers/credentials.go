package handlers

import (
	"encoding/json"
	"errors"
	"harvestplane/internal/auth"
	"harvestplane/internal/store"
	"harvestplane/pkg/api"
	"net/http"
	"time"

	"github.com/google/uuid"
)

func validTier(t string) bool {
	return store.Tier(t).Valid()
}

// CreateCredential handles POST /api/v1/credentials.
// The secret is sealed before it touches the database and is never
// returned by any endpoint.
func (h *Handlers) CreateCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.Secret == "" {
		h.httpError(w, "Provider and Secret are required", http.StatusBadRequest)
		return
	}
	if !validTier(req.Tier) {
		h.httpError(w, "Tier must be one of free, medium, premium", http.StatusBadRequest)
		return
	}

	sealed, err := h.sealer.Seal(req.Secret)
	if err != nil {
		h.httpError(w, "Failed to seal secret", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	cred := &store.Credential{
		ID:             uuid.New(),
		Provider:       req.Provider,
		Tier:           store.Tier(req.Tier),
		Secret:         sealed,
		Active:         true,
		MultiLease:     req.MultiLease,
		DailyQuota:     req.DailyQuota,
		DailyResetAt:   now,
		MonthlyQuota:   req.MonthlyQuota,
		MonthlyResetAt: now,
		Note:           req.Note,
		CreatedAt:      now,
	}

	if err := h.store.CreateCredential(ctx, cred); err != nil {
		h.httpError(w, "Failed to create credential", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreateCredentialResponse{ID: cred.ID.String()})
}

// ListCredentials handles GET /api/v1/credentials.
// The response carries usage and health state per credential, no secrets.
func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.ListCredentials(r.Context())
	if err != nil {
		h.httpError(w, "Failed to list credentials", http.StatusInternalServerError)
		return
	}

	resp := api.ListCredentialsResponse{Credentials: make([]api.CredentialResponse, 0, len(creds))}
	for _, c := range creds {
		resp.Credentials = append(resp.Credentials, credentialResponse(c))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// SetCredentialActive handles POST /api/v1/credentials/{id}/activate
// and POST /api/v1/credentials/{id}/deactivate.
func (h *Handlers) SetCredentialActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			h.httpError(w, "Invalid credential id", http.StatusBadRequest)
			return
		}
		if err := h.store.SetActive(r.Context(), credID, active); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				h.httpError(w, "Credential not found", http.StatusNotFound)
				return
			}
			h.httpError(w, "Failed to update credential", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ResetCredentialErrors handles POST /api/v1/credentials/{id}/reset-errors.
// Clears the consecutive error counter and any cooldown (manual breaker reset).
func (h *Handlers) ResetCredentialErrors(w http.ResponseWriter, r *http.Request) {
	credID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid credential id", http.StatusBadRequest)
		return
	}
	if err := h.store.ResetErrors(r.Context(), credID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Credential not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to reset credential errors", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func credentialResponse(c *store.Credential) api.CredentialResponse {
	note := c.Note
	if note == "" {
		note = "fingerprint " + auth.Fingerprint(c.Secret)
	}
	return api.CredentialResponse{
		ID:                c.ID.String(),
		Provider:          c.Provider,
		Tier:              string(c.Tier),
		Active:            c.Active,
		MultiLease:        c.MultiLease,
		DailyQuota:        c.DailyQuota,
		DailyUsed:         c.DailyUsed,
		MonthlyQuota:      c.MonthlyQuota,
		MonthlyUsed:       c.MonthlyUsed,
		ConsecutiveErrors: c.ConsecutiveErrors,
		CooldownUntil:     c.CooldownUntil,
		LastUsedAt:        c.LastUsedAt,
		Note:              note,
	}
}
