package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"harvestplane/internal/provider"
)

// HTTPClient is the generic collect client: every configured provider
// exposes the same small surface, POST {base}/collect with the run
// parameters, authenticated by the leased credential's secret.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a collect client for the provider at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

type collectRequest struct {
	RunID  string            `json:"run_id"`
	TaskID string            `json:"task_id"`
	Tier   string            `json:"tier"`
	Params map[string]string `json:"params,omitempty"`
}

type collectResponse struct {
	Records int64 `json:"records"`
}

// Collect performs one collection call. HTTP failures are classified so
// retry policy can act on the kind: 429 is rate_limited with the
// Retry-After hint, 408 and 5xx are transient, other 4xx are permanent.
func (c *HTTPClient) Collect(ctx context.Context, params provider.CollectParams, secret string) (int64, error) {
	body, err := json.Marshal(collectRequest{
		RunID:  params.RunID,
		TaskID: params.TaskID,
		Tier:   string(params.Tier),
		Params: params.Params,
	})
	if err != nil {
		return 0, provider.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/collect", bytes.NewReader(body))
	if err != nil {
		return 0, provider.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, provider.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out collectResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, provider.Transient(fmt.Errorf("malformed collect response: %w", err))
		}
		return out.Records, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, provider.RateLimited(statusError(resp), retryAfter(resp))

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return 0, provider.Transient(statusError(resp))

	default:
		return 0, provider.Permanent(statusError(resp))
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if len(body) == 0 {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, body)
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
