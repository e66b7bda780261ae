// Package media drives a prediction-style generative media API: create a
// remote job, poll it to a terminal state and extract the output URL.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genstudio/internal/infra"
)

// Remote statuses reported by the provider.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// IsTerminalStatus reports whether the remote job stopped changing.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("media: api key is required")

// RemoteJob is the provider's view of a prediction.
type RemoteJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
	Logs   string `json:"logs"`
}

// ErrorText flattens the provider's error field.
func (j RemoteJob) ErrorText() string {
	switch v := j.Error.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

// Client is the create/poll/cancel surface the Runner needs.
type Client interface {
	Create(ctx context.Context, model string, input map[string]any) (RemoteJob, error)
	Get(ctx context.Context, id string) (RemoteJob, error)
	Cancel(ctx context.Context, id string) error
}

// HTTPError is a non-2xx answer from the provider API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("media: status %d: %s", e.StatusCode, e.Body)
}

// Options configures the HTTP client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// HTTPClient talks to POST /predictions, GET /predictions/{id} and
// POST /predictions/{id}/cancel.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

func NewHTTPClient(opts Options) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	return &HTTPClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
	}
}

// HasCredentials reports whether the client can perform remote calls.
func (c *HTTPClient) HasCredentials() bool {
	return c.apiKey != ""
}

type createRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

func (c *HTTPClient) Create(ctx context.Context, model string, input map[string]any) (RemoteJob, error) {
	body, err := json.Marshal(createRequest{Version: model, Input: input})
	if err != nil {
		return RemoteJob{}, fmt.Errorf("media: encode request: %w", err)
	}
	job, err := c.do(ctx, http.MethodPost, "/predictions", body)
	if err != nil {
		return RemoteJob{}, err
	}
	c.logger.Debug().Str("model", model).Str("provider_job_id", job.ID).Str("status", job.Status).Msg("media: created prediction")
	return job, nil
}

func (c *HTTPClient) Get(ctx context.Context, id string) (RemoteJob, error) {
	return c.do(ctx, http.MethodGet, "/predictions/"+url.PathEscape(id), nil)
}

func (c *HTTPClient) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/predictions/"+url.PathEscape(id)+"/cancel", nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (RemoteJob, error) {
	if !c.HasCredentials() {
		return RemoteJob{}, ErrMissingAPIKey
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return RemoteJob{}, fmt.Errorf("media: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RemoteJob{}, fmt.Errorf("media: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return RemoteJob{}, fmt.Errorf("media: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return RemoteJob{}, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var job RemoteJob
	if len(raw) == 0 {
		return job, nil
	}
	if err := json.Unmarshal(raw, &job); err != nil {
		return RemoteJob{}, fmt.Errorf("media: decode response: %w", err)
	}
	return job, nil
}

var _ Client = (*HTTPClient)(nil)
