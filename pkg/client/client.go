// Package client is the Go SDK for the tickd diagnostics API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// List jobs
//	jobs, err := c.Jobs(ctx)
//
//	// Slow a periodic job down; applies at its next rearm
//	job, err := c.SetPeriod(ctx, "blink", 500)
//
//	// Stop and restart a job
//	_, err = c.StopJob(ctx, "blink")
//	_, err = c.StartJob(ctx, "blink")
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the tickd server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tickd: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 (unknown job) from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server: the job is
// already armed, or it has no period to change.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has http.api_key set.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 10 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the tickd API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the tickd server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://gateway.local:8080", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Response types ───────────────────────────────────────────────────────────

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status   string `json:"status"`
	Device   string `json:"device"`
	BootID   string `json:"boot_id"`
	Bases    int    `json:"bases"`
	Jobs     int    `json:"jobs"`
	Dropped  uint64 `json:"dropped"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// TimeBase is the state of one time base.
type TimeBase struct {
	Unit    string  `json:"unit"`
	Epoch   string  `json:"epoch"`
	Manual  bool    `json:"manual"`
	Now     uint32  `json:"now"`
	Queued  int     `json:"queued"`
	Next    *uint32 `json:"next,omitempty"`
	Ticks   uint64  `json:"ticks"`
	Expired uint64  `json:"expired"`
	Missed  uint64  `json:"missed"`
}

// Events is the state of the event dispatcher.
type Events struct {
	Len        int    `json:"len"`
	Cap        int    `json:"cap"`
	HighWater  int    `json:"high_water"`
	Posted     uint64 `json:"posted"`
	Dropped    uint64 `json:"dropped"`
	Dispatched uint64 `json:"dispatched"`
}

// Job is the state of one configured job.
type Job struct {
	Name     string `json:"name"`
	Base     string `json:"base"`
	Kind     string `json:"kind"`
	Armed    bool   `json:"armed"`
	Stopped  bool   `json:"stopped"`
	Expires  uint32 `json:"expires"`
	Period   uint32 `json:"period,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Value    uint16 `json:"value"`
	Fires    uint64 `json:"fires"`
	Overruns uint64 `json:"overruns"`
}

// Snapshot is the whole daemon state.
type Snapshot struct {
	Device string     `json:"device"`
	BootID string     `json:"boot_id"`
	Bases  []TimeBase `json:"bases"`
	Events Events     `json:"events"`
	Jobs   []Job      `json:"jobs"`
}

// ─── State ────────────────────────────────────────────────────────────────────

// Health returns server health and identity.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot returns the state of every base, the dispatcher and every job.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var resp Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/snapshot", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TimeBases returns the state of every time base.
func (c *Client) TimeBases(ctx context.Context) ([]TimeBase, error) {
	var resp []TimeBase
	if err := c.do(ctx, http.MethodGet, "/api/timebases", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Events returns the dispatcher counters.
func (c *Client) Events(ctx context.Context) (*Events, error) {
	var resp Events
	if err := c.do(ctx, http.MethodGet, "/api/events", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

// Jobs returns every configured job ordered by name.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Job returns the named job.
func (c *Client) Job(ctx context.Context, name string) (*Job, error) {
	var resp Job
	if err := c.do(ctx, http.MethodGet, jobPath(name, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetPeriod changes the period of a periodic job. The new period applies at
// the job's next rearm.
func (c *Client) SetPeriod(ctx context.Context, name string, period uint32) (*Job, error) {
	var resp Job
	body := periodPayload{Period: period}
	if err := c.do(ctx, http.MethodPut, jobPath(name, "/period"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopJob disarms a job. It stays stopped across daemon restarts.
func (c *Client) StopJob(ctx context.Context, name string) (*Job, error) {
	var resp Job
	if err := c.do(ctx, http.MethodPost, jobPath(name, "/stop"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartJob arms a stopped job.
func (c *Client) StartJob(ctx context.Context, name string) (*Job, error) {
	var resp Job
	if err := c.do(ctx, http.MethodPost, jobPath(name, "/start"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func jobPath(name, suffix string) string {
	return "/api/jobs/" + url.PathEscape(name) + suffix
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tickd: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("tickd: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tickd: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("tickd: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("tickd: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type periodPayload struct {
	Period uint32 `json:"period"`
}
