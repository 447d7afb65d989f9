// Package client provides the HTTP transport for the forecasting service.
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
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/raphaelgruber/omnisync/internal/metrics"
)

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = 2 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

// Client performs authenticated request/response calls against the service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   identity.Provider
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request timings into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a new client for the service at baseURL.
// If baseURL is empty, uses OMNISYNC_API_URL or defaults to localhost:8000.
// ident may be nil for unauthenticated use.
func New(baseURL string, ident identity.Provider, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("OMNISYNC_API_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/api",
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		identity:   ident,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the absolute URL for an endpoint path.
func (c *Client) URL(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Do sends a request and decodes the JSON response into out, which is then
// validated against its struct tags. body is JSON-encoded when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, query), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.send(req, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp.Body, path, out)
}

// send executes req, attaching the bearer credential, and converts non-success
// responses into a TransportError. The caller owns the returned body.
func (c *Client) send(req *http.Request, path string) (*http.Response, error) {
	if c.identity != nil {
		if token := c.identity.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordTiming(metrics.OpRequest, time.Since(start), err)
		c.logger.Error("api request failed", "method", req.Method, "path", path, "error", err)
		return nil, &TransportError{Method: req.Method, Path: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		terr := &TransportError{
			Method:     req.Method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp),
		}
		c.metrics.RecordTiming(metrics.OpRequest, time.Since(start), terr)
		c.logger.Warn("api error", "method", req.Method, "path", path, "status", resp.StatusCode, "error", terr.Message)
		return nil, terr
	}

	duration := time.Since(start)
	c.metrics.RecordTiming(metrics.OpRequest, duration, nil)
	attrs := []any{"method", req.Method, "path", path, "duration_ms", duration.Milliseconds()}
	if duration > slowRequestThreshold {
		c.logger.Warn("slow request", attrs...)
	} else {
		c.logger.Debug("request completed", attrs...)
	}
	return resp, nil
}

// errorMessage prefers the server's `detail` field and falls back to the status text.
func errorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(body) > 0 {
		var payload struct {
			Detail json.RawMessage `json:"detail"`
		}
		if json.Unmarshal(body, &payload) == nil && len(payload.Detail) > 0 && string(payload.Detail) != "null" {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil {
				if s != "" {
					return s
				}
			} else {
				return string(payload.Detail)
			}
		}
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

func decode(r io.Reader, path string, out any) error {
	if out == nil {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return &SchemaError{Path: path, Err: fmt.Errorf("decode: %w", err)}
	}
	if err := validate.Struct(out); err != nil {
		return &SchemaError{Path: path, Err: err}
	}
	return nil
}
