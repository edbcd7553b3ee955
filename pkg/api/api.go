// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, Controller and Worker.
package api

import "time"

// ProviderSpec selects one provider for a run, optionally pinning a tier.
type ProviderSpec struct {
	Name string `json:"name"`
	// TierOverride wins over the run-level default tier when set.
	TierOverride string `json:"tier_override,omitempty"`
}

// LaunchRunRequest is the request body for launching a collection run.
type LaunchRunRequest struct {
	Mode      string            `json:"mode,omitempty"` // "batch" (default) or "live"
	Tier      string            `json:"tier,omitempty"` // run-level default tier
	Providers []ProviderSpec    `json:"providers"`
	Params    map[string]string `json:"params,omitempty"`
}

// LaunchRunResponse is returned immediately; collection proceeds asynchronously.
type LaunchRunResponse struct {
	RunID         string `json:"run_id"`
	EstimatedCost int64  `json:"estimated_cost"`
}

// TaskStatusResponse represents one provider task in status responses.
type TaskStatusResponse struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Tier          string     `json:"tier"`
	RequestedTier string     `json:"requested_tier,omitempty"` // set when the tier was downgraded
	Status        string     `json:"status"`
	Records       int64      `json:"records"`
	Cost          int64      `json:"cost"`
	RateWaitMs    int64      `json:"rate_wait_ms,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         *string    `json:"error,omitempty"`
}

// RunStatusResponse is the aggregate view of a run and its tasks.
type RunStatusResponse struct {
	ID            string               `json:"id"`
	Mode          string               `json:"mode"`
	Tier          string               `json:"tier"`
	Status        string               `json:"status"`
	TotalRecords  int64                `json:"total_records"`
	EstimatedCost int64                `json:"estimated_cost"`
	SettledCost   *int64               `json:"settled_cost,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Tasks         []TaskStatusResponse `json:"tasks"`
}

// CancelRunResponse confirms a cancellation request.
type CancelRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunEvent is one entry in the run event stream.
type RunEvent struct {
	Type     string    `json:"type"` // "run" or "task"
	RunID    string    `json:"run_id"`
	TaskID   string    `json:"task_id,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Status   string    `json:"status"`
	Records  int64     `json:"records,omitempty"`
	At       time.Time `json:"at"`
}

// CreateCredentialRequest adds a credential to the pool.
// Secret is write-only: no API response ever includes it.
type CreateCredentialRequest struct {
	Provider     string `json:"provider"`
	Tier         string `json:"tier"`
	Secret       string `json:"secret"`
	MultiLease   bool   `json:"multi_lease,omitempty"`
	DailyQuota   *int64 `json:"daily_quota,omitempty"`
	MonthlyQuota *int64 `json:"monthly_quota,omitempty"`
	Note         string `json:"note,omitempty"`
}

// CreateCredentialResponse is returned after registering a credential.
type CreateCredentialResponse struct {
	ID string `json:"credential_id"`
}

// CredentialResponse is the admin view of one credential. No secret.
type CredentialResponse struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	Tier              string     `json:"tier"`
	Active            bool       `json:"active"`
	MultiLease        bool       `json:"multi_lease"`
	DailyQuota        *int64     `json:"daily_quota,omitempty"`
	DailyUsed         int64      `json:"daily_used"`
	MonthlyQuota      *int64     `json:"monthly_quota,omitempty"`
	MonthlyUsed       int64      `json:"monthly_used"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	Note              string     `json:"note,omitempty"`
}

// ListCredentialsResponse is the response body for listing credentials.
type ListCredentialsResponse struct {
	Credentials []CredentialResponse `json:"credentials"`
}

// BudgetResponse reports the current budget position.
type BudgetResponse struct {
	Balance   int64 `json:"balance"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// LedgerEntryResponse is one budget ledger record.
type LedgerEntryResponse struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	RunID     string    `json:"run_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TopUpRequest credits the budget balance.
type TopUpRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note,omitempty"`
}

// TaskStartedRequest is posted by the Worker when a claimed task begins.
type TaskStartedRequest struct {
	CredentialID string `json:"credential_id,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`
}

// TaskResultRequest is posted by the Worker when a task finishes.
type TaskResultRequest struct {
	Success    bool   `json:"success"`
	Records    int64  `json:"records"`
	Cost       int64  `json:"cost"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	RateWaitMs int64  `json:"rate_wait_ms,omitempty"`
}

// HeartbeatResponse tells the Worker whether the task should keep running.
type HeartbeatResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
