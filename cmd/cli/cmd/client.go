package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"harvestplane/pkg/api"
	"io"
	"net/http"
	"time"
)

// RunClient handles API calls to the harvestplane controller.
type RunClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRunClient creates a new client with the given base URL.
func NewRunClient(baseURL string) *RunClient {
	return &RunClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *RunClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// LaunchRun sends POST /api/v1/runs to start a collection run.
func (c *RunClient) LaunchRun(req api.LaunchRunRequest) (*api.LaunchRunResponse, error) {
	var result api.LaunchRunResponse
	if err := c.do(http.MethodPost, "/api/v1/runs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRun sends GET /api/v1/runs/{id} to retrieve run details.
func (c *RunClient) GetRun(runID string) (*api.RunStatusResponse, error) {
	var result api.RunStatusResponse
	if err := c.do(http.MethodGet, "/api/v1/runs/"+runID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelRun sends POST /api/v1/runs/{id}/cancel.
func (c *RunClient) CancelRun(runID string) (*api.CancelRunResponse, error) {
	var result api.CancelRunResponse
	if err := c.do(http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateCredential sends POST /api/v1/credentials.
func (c *RunClient) CreateCredential(req api.CreateCredentialRequest) (*api.CreateCredentialResponse, error) {
	var result api.CreateCredentialResponse
	if err := c.do(http.MethodPost, "/api/v1/credentials", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListCredentials sends GET /api/v1/credentials.
func (c *RunClient) ListCredentials() (*api.ListCredentialsResponse, error) {
	var result api.ListCredentialsResponse
	if err := c.do(http.MethodGet, "/api/v1/credentials", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetCredentialActive sends the activate/deactivate endpoint for a credential.
func (c *RunClient) SetCredentialActive(credentialID string, active bool) error {
	action := "deactivate"
	if active {
		action = "activate"
	}
	return c.do(http.MethodPost, "/api/v1/credentials/"+credentialID+"/"+action, nil, nil)
}

// ResetCredentialErrors sends POST /api/v1/credentials/{id}/reset-errors.
func (c *RunClient) ResetCredentialErrors(credentialID string) error {
	return c.do(http.MethodPost, "/api/v1/credentials/"+credentialID+"/reset-errors", nil, nil)
}

// GetBudget sends GET /api/v1/budget.
func (c *RunClient) GetBudget() (*api.BudgetResponse, error) {
	var result api.BudgetResponse
	if err := c.do(http.MethodGet, "/api/v1/budget", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TopUpBudget sends POST /api/v1/budget/topup.
func (c *RunClient) TopUpBudget(amount int64, note string) (*api.BudgetResponse, error) {
	var result api.BudgetResponse
	if err := c.do(http.MethodPost, "/api/v1/budget/topup", api.TopUpRequest{Amount: amount, Note: note}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLedger sends GET /api/v1/budget/ledger.
func (c *RunClient) GetLedger(limit int) ([]api.LedgerEntryResponse, error) {
	var result []api.LedgerEntryResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/v1/budget/ledger?limit=%d", limit), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}
