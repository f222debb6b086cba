package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes bounds the repair response body.
const maxResponseBytes = 8 << 20

var (
	// ErrFixFailed is returned when the service declines to fix the code or
	// answers without replacement code.
	ErrFixFailed = errors.New("repair service could not fix the code")
	// ErrNotConfigured is returned when no service URL is set.
	ErrNotConfigured = errors.New("repair service is not configured")
)

// StatusError reports a non-2xx answer from the repair service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("repair service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("repair service returned status %d: %s", e.StatusCode, e.Body)
}

// Repairer asks for a corrected version of failing chart code.
type Repairer interface {
	Repair(ctx context.Context, code, errorMessage string) (string, error)
}

// Request is the body sent to the repair service.
type Request struct {
	Code         string `json:"d3_code"`
	ErrorMessage string `json:"error_message"`
}

// Response is the repair service answer. Exactly one of the fields is
// expected to be set.
type Response struct {
	Fixed     string `json:"fixed_complete_code,omitempty"`
	FixFailed bool   `json:"fix_failed,omitempty"`
}

// Client calls the repair service over HTTP.
type Client struct {
	logger     *zap.Logger
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// Option defines a functional option for Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithHeaders adds static headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(cl *Client) {
		for k, v := range headers {
			cl.headers[k] = v
		}
	}
}

// WithTimeout sets the request timeout. Zero keeps the transport default.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.httpClient = &http.Client{Transport: cl.httpClient.Transport, Timeout: d}
		}
	}
}

// New creates a new Client for the service at url
func New(logger *zap.Logger, url string, opts ...Option) *Client {
	c := &Client{
		logger:     logger,
		url:        url,
		headers:    map[string]string{},
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repair sends code and the error it produced and returns the replacement
// code exactly as received. Markdown fences are left for the caller.
func (c *Client) Repair(ctx context.Context, code, errorMessage string) (string, error) {
	if c.url == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(Request{Code: code, ErrorMessage: errorMessage})
	if err != nil {
		return "", fmt.Errorf("failed to encode repair request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create repair request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("repair request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read repair response: %w", err)
	}

	c.logger.Debug("Repair service answered",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 200)}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode repair response: %w", err)
	}
	if out.FixFailed || strings.TrimSpace(out.Fixed) == "" {
		return "", ErrFixFailed
	}
	return out.Fixed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
