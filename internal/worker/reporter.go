package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"harvestplane/internal/orchestrator"
	"harvestplane/pkg/api"

	"github.com/google/uuid"
)

// HTTPReporter delivers task lifecycle callbacks to the controller over
// the internal API surface.
type HTTPReporter struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPReporter creates a reporter for the controller at baseURL.
// token authenticates against the internal endpoints; empty is allowed
// when the controller runs without a worker token.
func NewHTTPReporter(baseURL, token string) *HTTPReporter {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &HTTPReporter{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// TaskStarted reports that a claimed task began executing.
func (r *HTTPReporter) TaskStarted(ctx context.Context, taskID uuid.UUID, credentialID uuid.UUID) (bool, error) {
	url := fmt.Sprintf("%s/internal/tasks/%s/started", r.baseURL, taskID)
	body := api.TaskStartedRequest{CredentialID: credentialID.String()}

	var resp api.HeartbeatResponse
	if err := r.post(ctx, http.MethodPost, url, body, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// TaskResult reports the task outcome.
func (r *HTTPReporter) TaskResult(ctx context.Context, taskID uuid.UUID, result orchestrator.TaskResult) error {
	url := fmt.Sprintf("%s/internal/tasks/%s/result", r.baseURL, taskID)
	body := api.TaskResultRequest{
		Success:    result.Success,
		Records:    result.Records,
		Cost:       result.Cost,
		ErrorKind:  string(result.ErrorKind),
		Error:      result.Error,
		RateWaitMs: result.RateWaitMs,
	}
	return r.post(ctx, http.MethodPost, url, body, nil)
}

// Heartbeat extends the task's queue visibility through the controller
// and reports whether the task was cancelled upstream.
func (r *HTTPReporter) Heartbeat(ctx context.Context, taskID uuid.UUID) (bool, error) {
	url := fmt.Sprintf("%s/internal/tasks/%s/heartbeat", r.baseURL, taskID)

	var resp api.HeartbeatResponse
	if err := r.post(ctx, http.MethodPut, url, nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (r *HTTPReporter) post(ctx context.Context, method, url string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
