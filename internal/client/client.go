// Package client is an HTTP client for the jakeops API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/jakeops/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is optional. If nil, a client with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Streams and waited runs are bounded only by their context.
	Timeout time.Duration
}

// Client talks to one jakeops server. All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no timeout; long-lived calls rely on ctx.
	stream *http.Client
}

// New creates a Client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jakeops: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	stream := *httpClient
	stream.Timeout = 0
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		stream:  &stream,
	}, nil
}

// ListOptions filters ListDeliveries. Empty fields match everything.
type ListOptions struct {
	Phase      model.Phase
	RunStatus  model.RunStatus
	Repository string
}

// ListDeliveries returns deliveries, newest first.
func (c *Client) ListDeliveries(ctx context.Context, opts ListOptions) ([]model.Delivery, error) {
	params := url.Values{}
	if opts.Phase != "" {
		params.Set("phase", string(opts.Phase))
	}
	if opts.RunStatus != "" {
		params.Set("run_status", string(opts.RunStatus))
	}
	if opts.Repository != "" {
		params.Set("repository", opts.Repository)
	}
	path := "/api/deliveries"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out []model.Delivery
	if err := c.do(ctx, c.client, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDelivery returns one delivery.
func (c *Client) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	var d model.Delivery
	err := c.do(ctx, c.client, http.MethodGet, deliveryPath(id), nil, &d)
	return d, err
}

// CreateDelivery creates a delivery, or returns the existing one with the
// same repository and trigger.
func (c *Client) CreateDelivery(ctx context.Context, in model.NewDelivery) (model.Delivery, error) {
	var d model.Delivery
	err := c.do(ctx, c.client, http.MethodPost, "/api/deliveries", in, &d)
	return d, err
}

// Approve accepts a succeeded gate phase.
func (c *Client) Approve(ctx context.Context, id string) (model.Delivery, error) {
	return c.transition(ctx, id, "approve", nil)
}

// Reject sends a delivery back one phase.
func (c *Client) Reject(ctx context.Context, id, reason string) (model.Delivery, error) {
	return c.transition(ctx, id, "reject", model.RejectRequest{Reason: reason})
}

// Retry resets a failed phase to pending.
func (c *Client) Retry(ctx context.Context, id string) (model.Delivery, error) {
	return c.transition(ctx, id, "retry", nil)
}

// Advance moves a succeeded non-gate phase forward.
func (c *Client) Advance(ctx context.Context, id string) (model.Delivery, error) {
	return c.transition(ctx, id, "advance", nil)
}

// Cancel stops a delivery and any agent running for it.
func (c *Client) Cancel(ctx context.Context, id string) (model.Delivery, error) {
	return c.transition(ctx, id, "cancel", nil)
}

// Close finishes a delivery.
func (c *Client) Close(ctx context.Context, id string) (model.Delivery, error) {
	return c.transition(ctx, id, "close", nil)
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (model.Delivery, error) {
	if body == nil {
		body = struct{}{}
	}
	var d model.Delivery
	err := c.do(ctx, c.client, http.MethodPost, deliveryPath(id)+"/"+action, body, &d)
	return d, err
}

// RunPhase starts an agent phase. With wait set, it blocks until the run
// ends and returns its outcome; otherwise it returns once the run started.
func (c *Client) RunPhase(ctx context.Context, id string, phase model.Phase, wait bool) (model.PhaseResult, error) {
	path := deliveryPath(id) + "/run/" + url.PathEscape(string(phase))
	hc := c.client
	if wait {
		path += "?wait=true"
		hc = c.stream
	}
	var res model.PhaseResult
	err := c.do(ctx, hc, http.MethodPost, path, struct{}{}, &res)
	return res, err
}

// Kill stops the agent running for id. It reports whether one was running.
func (c *Client) Kill(ctx context.Context, id string) (bool, error) {
	var out struct {
		Killed bool `json:"killed"`
	}
	err := c.do(ctx, c.client, http.MethodPost, deliveryPath(id)+"/kill", struct{}{}, &out)
	return out.Killed, err
}

// Transcript returns the transcript of one run.
func (c *Client) Transcript(ctx context.Context, id, runID string) (model.Transcript, error) {
	var t model.Transcript
	err := c.do(ctx, c.client, http.MethodGet, deliveryPath(id)+"/runs/"+url.PathEscape(runID)+"/transcript", nil, &t)
	return t, err
}

// Sync runs one issue sync pass on the server.
func (c *Client) Sync(ctx context.Context) (model.SyncResult, error) {
	var res model.SyncResult
	err := c.do(ctx, c.client, http.MethodPost, "/api/sync", struct{}{}, &res)
	return res, err
}

// Workers lists the server's background workers.
func (c *Client) Workers(ctx context.Context) ([]model.WorkerStatus, error) {
	var out []model.WorkerStatus
	err := c.do(ctx, c.client, http.MethodGet, "/api/workers", nil, &out)
	return out, err
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (model.HealthResponse, error) {
	var h model.HealthResponse
	err := c.do(ctx, c.client, http.MethodGet, "/health", nil, &h)
	return h, err
}

func deliveryPath(id string) string {
	return "/api/deliveries/" + url.PathEscape(id)
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, dest any) error {
	var rd io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jakeops: marshal request body: %w", err)
		}
		rd = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("jakeops: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("jakeops: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("jakeops: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("jakeops: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("jakeops: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
