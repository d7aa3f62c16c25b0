// Package api implements the HTTP operations against the generation
// backend's REST surface: prompt submission, queue status, history lookup,
// artifact download, interrupt, and the liveness probe.
//
// Every operation except InterruptExecution and HealthCheck runs inside the
// shared circuit breaker with a retry budget underneath. Operation classes
// are keyed per operation name, so a flaky read-only poll trips only its
// own class and cannot starve submissions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pixelforge/conductor/internal/core/domain"
	"github.com/pixelforge/conductor/internal/infra/comfy/metrics"
	"github.com/pixelforge/conductor/internal/infra/comfy/resilience"
)

const healthCheckTimeout = 5 * time.Second

// Client wraps the backend's REST endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	authToken  string
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthToken sets a bearer token sent on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// New creates a backend API client. The breaker is shared with the rest of
// the orchestration client so its state is observable in one place.
func New(baseURL string, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breaker,
		retry:   retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// SubmitPrompt posts a validated workflow to the backend and returns the
// issued job handle alongside the raw response body.
//
// Per-node validation errors in an otherwise successful response are an
// InvalidWorkflow failure: validation is a property of the payload, not
// transient transport state, so the error is never retried.
func (c *Client) SubmitPrompt(ctx context.Context, workflow map[string]any, clientID string) (*domain.JobHandle, json.RawMessage, error) {
	if len(workflow) == 0 {
		return nil, nil, resilience.Newf(resilience.KindInvalidWorkflow, false, "empty workflow")
	}

	body, err := json.Marshal(submitRequest{Prompt: workflow, ClientID: clientID})
	if err != nil {
		return nil, nil, resilience.Wrap(resilience.KindInvalidWorkflow, false, err, "marshal workflow")
	}

	type submitResult struct {
		resp submitResponse
		raw  json.RawMessage
	}

	result, err := resilience.Execute(ctx, c.breaker, "submitPrompt", func(ctx context.Context) (submitResult, error) {
		return resilience.Do(ctx, "submitPrompt", c.retry, func(ctx context.Context) (submitResult, error) {
			raw, err := c.doRequest(ctx, "submitPrompt", http.MethodPost, "/prompt", body)
			if err != nil {
				return submitResult{}, err
			}

			var resp submitResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return submitResult{}, resilience.Wrap(resilience.KindUnknown, true, err, "parse submit response")
			}
			if len(resp.NodeErrors) > 0 {
				e := resilience.Newf(resilience.KindInvalidWorkflow, false,
					"workflow validation failed for %d node(s)", len(resp.NodeErrors))
				e.PromptID = resp.PromptID
				return submitResult{}, e
			}
			return submitResult{resp: resp, raw: raw}, nil
		})
	})
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return nil, nil, err
	}

	metrics.SubmissionsTotal.WithLabelValues("ok").Inc()
	handle := &domain.JobHandle{
		PromptID: result.resp.PromptID,
		ClientID: clientID,
		Number:   result.resp.Number,
	}
	return handle, result.raw, nil
}

type queueResponse struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// GetQueueStatus polls the backend queue.
func (c *Client) GetQueueStatus(ctx context.Context) (*domain.QueueStatus, error) {
	resp, err := resilience.Execute(ctx, c.breaker, "getQueueStatus", func(ctx context.Context) (queueResponse, error) {
		return resilience.Do(ctx, "getQueueStatus", c.retry, func(ctx context.Context) (queueResponse, error) {
			raw, err := c.doRequest(ctx, "getQueueStatus", http.MethodGet, "/queue", nil)
			if err != nil {
				return queueResponse{}, err
			}
			var qr queueResponse
			if err := json.Unmarshal(raw, &qr); err != nil {
				return queueResponse{}, resilience.Wrap(resilience.KindUnknown, true, err, "parse queue response")
			}
			return qr, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &domain.QueueStatus{Running: len(resp.Running), Pending: len(resp.Pending)}, nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []domain.Artifact `json:"images"`
	} `json:"outputs"`
	Status domain.HistoryStatus `json:"status"`
}

// GetPromptHistory looks up a finished prompt in the backend history. A 404
// or an entry missing from the response returns (nil, nil): the job has not
// materialized in history yet, which is the designed fallback path for
// reconciling jobs whose terminal channel event was missed.
func (c *Client) GetPromptHistory(ctx context.Context, promptID string) (*domain.HistoryResult, error) {
	raw, err := resilience.Execute(ctx, c.breaker, "getPromptHistory", func(ctx context.Context) (json.RawMessage, error) {
		return resilience.Do(ctx, "getPromptHistory", c.retry, func(ctx context.Context) (json.RawMessage, error) {
			return c.doRequest(ctx, "getPromptHistory", http.MethodGet, "/history/"+url.PathEscape(promptID), nil)
		})
	})
	if err != nil {
		var ce *resilience.Error
		if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var entries map[string]historyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, resilience.Wrap(resilience.KindUnknown, false, err, "parse history response")
	}
	entry, ok := entries[promptID]
	if !ok {
		return nil, nil
	}

	result := &domain.HistoryResult{
		PromptID: promptID,
		Status:   entry.Status,
		Outputs:  make(map[string][]domain.Artifact, len(entry.Outputs)),
	}
	for node, out := range entry.Outputs {
		result.Outputs[node] = out.Images
	}
	return result, nil
}

// DownloadImage fetches a completed artifact by its composite key.
func (c *Client) DownloadImage(ctx context.Context, artifact domain.Artifact) ([]byte, error) {
	if artifact.Filename == "" {
		return nil, resilience.Newf(resilience.KindInvalidWorkflow, false, "artifact filename is required")
	}

	query := url.Values{}
	query.Set("filename", artifact.Filename)
	query.Set("subfolder", artifact.Subfolder)
	query.Set("type", artifact.Type)

	return resilience.Execute(ctx, c.breaker, "downloadImage", func(ctx context.Context) ([]byte, error) {
		return resilience.Do(ctx, "downloadImage", c.retry, func(ctx context.Context) ([]byte, error) {
			return c.doRequest(ctx, "downloadImage", http.MethodGet, "/view?"+query.Encode(), nil)
		})
	})
}

// InterruptExecution sends a best-effort cancel signal to the backend.
// Failures are logged but never retried: interrupting a job that already
// finished should not be retried indefinitely.
func (c *Client) InterruptExecution(ctx context.Context) error {
	_, err := c.doRequest(ctx, "interruptExecution", http.MethodPost, "/interrupt", nil)
	if err != nil {
		slog.Warn("Interrupt request failed", "error", err)
		return err
	}
	return nil
}

// HealthCheck probes backend liveness under a short timeout. It is never
// retried and returns false instead of an error on any failure.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	_, err := c.doRequest(ctx, "healthCheck", http.MethodGet, "/system_stats", nil)
	return err == nil
}

// doRequest performs one HTTP round trip and classifies non-2xx responses.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body []byte) (json.RawMessage, error) {
	start := time.Now()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindUnknown, false, err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindUnknown, true, err, "read response")
	}

	metrics.RequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := resilience.ClassifyStatus(resp.StatusCode, string(respBody))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				classified.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, classified
	}

	return respBody, nil
}
