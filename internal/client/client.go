// Package client talks to the cohort service: it submits threshold specs,
// polls jobs until they finish and writes finished artifacts to disk.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cohortlab/internal/job"
	"cohortlab/pkg/backoff"
)

// maxTransientRetries bounds how often an idempotent request is repeated after
// a transport failure or a gateway-level status.
const maxTransientRetries = 3

// StatusError is a response the client cannot act on.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryBackoff tunes the delay between transient retries.
func WithRetryBackoff(cfg backoff.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a cohort service API client. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   backoff.Config
	logger  *slog.Logger
}

// New creates a client for the service at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid service URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid service URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid service URL %q: missing host", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.With("component", "client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Template fetches the default threshold spec document, unmodified.
func (c *Client) Template(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/template", nil)
	if err != nil {
		return nil, err
	}
	if resp.code != http.StatusOK {
		return nil, resp.statusError()
	}
	return resp.body, nil
}

// Submit uploads spec as a new job of the given kind. originalRef is the
// client-side name of the document, recorded with the job.
func (c *Client) Submit(ctx context.Context, kind job.Kind, originalRef string, spec []byte) (*job.SubmitResponse, error) {
	body, err := json.Marshal(job.SubmitRequest{
		ComputeKind:  int(kind),
		InputSpecRef: originalRef,
		Spec:         json.RawMessage(spec),
	})
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/jobs", body)
	if err != nil {
		return nil, err
	}
	if resp.code != http.StatusAccepted {
		return nil, resp.statusError()
	}

	var out job.SubmitResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode submission response: %w", err)
	}
	return &out, nil
}

// Jobs lists every job known to the service.
func (c *Client) Jobs(ctx context.Context) (*job.ListResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs", nil)
	if err != nil {
		return nil, err
	}
	if resp.code != http.StatusOK {
		return nil, resp.statusError()
	}

	var out job.ListResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return &out, nil
}

// Job fetches the ledger view of one job.
func (c *Client) Job(ctx context.Context, jobID string) (*job.View, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	if resp.code != http.StatusOK {
		return nil, resp.statusError()
	}

	var out job.View
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &out, nil
}

// Reset clears every job, input and result on the service.
func (c *Client) Reset(ctx context.Context) (*job.ResetResponse, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/reset", nil)
	if err != nil {
		return nil, err
	}
	if resp.code != http.StatusOK {
		return nil, resp.statusError()
	}

	var out job.ResetResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode reset response: %w", err)
	}
	return &out, nil
}

type response struct {
	code int
	body []byte
}

// message extracts the human-readable part of a non-artifact response body.
func (r *response) message() string {
	var body struct {
		Error  string `json:"error"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(r.body, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Status != "" {
			return body.Status
		}
	}
	return strings.TrimSpace(string(r.body))
}

func (r *response) statusError() error {
	return &StatusError{Code: r.code, Message: r.message()}
}

// do sends one request. GET and DELETE are repeated on transport failures and
// transient statuses; a submission is sent exactly once.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*response, error) {
	idempotent := method == http.MethodGet || method == http.MethodDelete

	for attempt := 0; ; attempt++ {
		resp, err := c.once(ctx, method, path, body)
		if err == nil && !transientStatus(resp.code) {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !idempotent || attempt >= maxTransientRetries {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		wait := backoff.Exponential(attempt+1, &c.retry)
		if err != nil {
			c.logger.Warn("Request failed, retrying", "method", method, "path", path, "attempt", attempt+1, "backoff", wait, "error", err)
		} else {
			c.logger.Warn("Transient response, retrying", "method", method, "path", path, "attempt", attempt+1, "backoff", wait, "status", resp.code)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return &response{code: resp.StatusCode, body: data}, nil
}

// transientStatus reports statuses that say nothing about the request itself.
func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return code < 200 || (code >= 300 && code < 400)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
