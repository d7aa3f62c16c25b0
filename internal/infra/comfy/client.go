package comfy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/pixelforge/conductor/internal/core/domain"
	"github.com/pixelforge/conductor/internal/infra/comfy/api"
	"github.com/pixelforge/conductor/internal/infra/comfy/resilience"
	"github.com/pixelforge/conductor/internal/infra/comfy/stream"
)

// Config holds everything needed to construct a Client.
type Config struct {
	// BaseURL is the backend's HTTP endpoint, e.g. http://127.0.0.1:8188.
	BaseURL string `yaml:"base_url"`

	// AuthToken, when set, is sent as a bearer token on HTTP requests.
	AuthToken string `yaml:"auth_token"`

	Retry   resilience.RetryConfig   `yaml:"retry"`
	Breaker resilience.BreakerConfig `yaml:"breaker"`
	Pool    stream.PoolConfig        `yaml:"pool"`
}

// ConnectionStats is the observable state of the client.
type ConnectionStats struct {
	Pool           stream.PoolStats
	ActiveJobs     int
	CircuitBreaker map[string]resilience.ClassState
}

type sessionDispatcher struct {
	dispatcher *stream.Dispatcher
	unlisten   func()
}

// Client is the generation-job orchestration client. It submits jobs over
// HTTP behind a circuit breaker and retry budget, and streams normalized
// progress events from pooled websocket channels.
//
// Construct one Client at startup and share it; call Shutdown once at
// process teardown. The client holds no state that survives the process.
type Client struct {
	api     *api.Client
	pool    *stream.Pool
	breaker *resilience.CircuitBreaker

	mu          sync.Mutex
	dispatchers map[string]*sessionDispatcher // session key -> dispatcher
	jobs        map[string]string             // prompt ID -> session key
}

// Option configures the Client.
type Option func(*options)

type options struct {
	dialer     stream.Dialer
	httpClient *http.Client
}

// WithDialer replaces the websocket dialer, primarily for tests.
func WithDialer(d stream.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHTTPClient replaces the HTTP client used for REST operations.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// New constructs a Client from config. Zero-valued retry, breaker, and pool
// settings fall back to defaults; the websocket URL is derived from BaseURL
// when not set explicitly.
func New(cfg Config, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Retry == (resilience.RetryConfig{}) {
		cfg.Retry = resilience.DefaultRetryConfig
	}
	if cfg.Pool.URL == "" {
		cfg.Pool.URL = websocketURL(cfg.BaseURL)
	}

	breaker := resilience.NewCircuitBreaker(cfg.Breaker)

	apiOpts := []api.Option{}
	if cfg.AuthToken != "" {
		apiOpts = append(apiOpts, api.WithAuthToken(cfg.AuthToken))
	}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(o.httpClient))
	}

	poolOpts := []stream.PoolOption{}
	if o.dialer != nil {
		poolOpts = append(poolOpts, stream.WithDialer(o.dialer))
	}

	pool := stream.NewPool(cfg.Pool, poolOpts...)
	pool.OnError(func(sessionKey string, err error) {
		slog.Error("Channel failure", "session", sessionKey, "error", err)
	})

	return &Client{
		api:         api.New(strings.TrimRight(cfg.BaseURL, "/"), cfg.Retry, breaker, apiOpts...),
		pool:        pool,
		breaker:     breaker,
		dispatchers: make(map[string]*sessionDispatcher),
		jobs:        make(map[string]string),
	}
}

// SubmitPrompt validates and posts a workflow, returning the issued job
// handle and the backend's raw response.
func (c *Client) SubmitPrompt(ctx context.Context, workflow map[string]any, clientID string) (*domain.JobHandle, json.RawMessage, error) {
	return c.api.SubmitPrompt(ctx, workflow, clientID)
}

// ConnectForUpdates leases the session channel for clientID and streams
// progress events for jobID to onProgress until a terminal event.
// Reconnecting an already-subscribed job replaces the subscription.
func (c *Client) ConnectForUpdates(ctx context.Context, jobID, clientID string, onProgress stream.ProgressFunc) error {
	// The replaced subscription's lease must be released, not leaked.
	c.DisconnectFromUpdates(jobID)

	lease, err := c.pool.Get(ctx, clientID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sd, ok := c.dispatchers[clientID]
	if !ok {
		d := stream.NewDispatcher()
		sd = &sessionDispatcher{dispatcher: d, unlisten: lease.Listen(d.HandleFrame)}
		c.dispatchers[clientID] = sd
	}

	release := func() {
		c.pool.Release(lease.ID)
		c.mu.Lock()
		delete(c.jobs, jobID)
		if cur, ok := c.dispatchers[clientID]; ok && cur == sd && sd.dispatcher.Active() == 0 {
			sd.unlisten()
			delete(c.dispatchers, clientID)
		}
		c.mu.Unlock()
	}

	sd.dispatcher.Watch(jobID, onProgress, release)
	c.jobs[jobID] = clientID
	return nil
}

// DisconnectFromUpdates drops the progress subscription for jobID and
// releases its channel lease. Safe to call for unknown or already
// disconnected jobs.
func (c *Client) DisconnectFromUpdates(jobID string) {
	c.mu.Lock()
	clientID, ok := c.jobs[jobID]
	var sd *sessionDispatcher
	if ok {
		sd = c.dispatchers[clientID]
	}
	c.mu.Unlock()

	if sd != nil {
		sd.dispatcher.Unwatch(jobID)
	}
}

// GetQueueStatus polls the backend queue.
func (c *Client) GetQueueStatus(ctx context.Context) (*domain.QueueStatus, error) {
	return c.api.GetQueueStatus(ctx)
}

// GetPromptHistory looks up a finished prompt; (nil, nil) means the job has
// not materialized in history yet.
func (c *Client) GetPromptHistory(ctx context.Context, promptID string) (*domain.HistoryResult, error) {
	return c.api.GetPromptHistory(ctx, promptID)
}

// DownloadImage fetches a completed artifact's bytes.
func (c *Client) DownloadImage(ctx context.Context, artifact domain.Artifact) ([]byte, error) {
	return c.api.DownloadImage(ctx, artifact)
}

// InterruptExecution sends a best-effort cancel signal to the backend. It
// does not stop the local progress stream; call DisconnectFromUpdates to
// release the lease.
func (c *Client) InterruptExecution(ctx context.Context) error {
	return c.api.InterruptExecution(ctx)
}

// HealthCheck probes backend liveness; false on any failure.
func (c *Client) HealthCheck(ctx context.Context) bool {
	return c.api.HealthCheck(ctx)
}

// GetConnectionStats returns pool, job, and breaker state for
// observability.
func (c *Client) GetConnectionStats() ConnectionStats {
	c.mu.Lock()
	activeJobs := len(c.jobs)
	c.mu.Unlock()

	return ConnectionStats{
		Pool:           c.pool.Stats(),
		ActiveJobs:     activeJobs,
		CircuitBreaker: c.breaker.Snapshot(),
	}
}

// Shutdown closes every pooled channel and drops all subscriptions.
func (c *Client) Shutdown() {
	c.pool.Shutdown()

	c.mu.Lock()
	for _, sd := range c.dispatchers {
		sd.unlisten()
	}
	c.dispatchers = make(map[string]*sessionDispatcher)
	c.jobs = make(map[string]string)
	c.mu.Unlock()
}

// websocketURL derives the progress endpoint from the backend's HTTP URL.
func websocketURL(baseURL string) string {
	ws := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws"
}
