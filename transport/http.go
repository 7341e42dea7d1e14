// CLAUDE:SUMMARY HTTP implementation of stream.Transport — JSON requests, content-type gated decoding, bounded reads, optional circuit breaker.
// Package transport implements stream.Transport over HTTP.
//
//	t, err := transport.New("https://store.example.org/api/v0",
//		transport.WithTimeout(30*time.Second),
//		transport.WithBreaker(connectivity.NewCircuitBreaker()))
package transport

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

	"github.com/hazyhaar/streamreg/connectivity"
	"github.com/hazyhaar/streamreg/horosafe"
	"github.com/hazyhaar/streamreg/idgen"
	"github.com/hazyhaar/streamreg/kit"
	"github.com/hazyhaar/streamreg/stream"
)

// HTTP sends store requests to a base URL.
type HTTP struct {
	base    *url.URL
	client  *http.Client
	breaker *connectivity.CircuitBreaker
	maxBody int64
	newID   idgen.Generator
	logger  *slog.Logger
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) { h.client = c }
}

// WithTimeout sets the per-request timeout of the default client.
// Callers can still bound a call with their context.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) { h.client.Timeout = d }
}

// WithBreaker fails calls fast while the store keeps failing. Network
// errors and 5xx responses count as failures.
func WithBreaker(cb *connectivity.CircuitBreaker) Option {
	return func(h *HTTP) { h.breaker = cb }
}

// WithMaxBody caps response bodies. Default: horosafe.MaxResponseBody.
func WithMaxBody(n int64) Option {
	return func(h *HTTP) { h.maxBody = n }
}

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) { h.logger = l }
}

// New returns a transport for the store at baseURL.
func New(baseURL string, opts ...Option) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transport: base url has no host: %q", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	h := &HTTP{
		base:    u,
		client:  &http.Client{Timeout: 30 * time.Second},
		maxBody: horosafe.MaxResponseBody,
		newID:   idgen.Prefixed("req_", idgen.Default),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Request implements stream.Transport. The returned error is set only
// when no response was obtained.
func (h *HTTP) Request(ctx context.Context, method, endpoint string, body any) (*stream.Response, error) {
	if h.breaker != nil && !h.breaker.Allow() {
		return nil, &connectivity.ErrCircuitOpen{Service: h.base.Host}
	}
	resp, err := h.do(ctx, method, endpoint, body)
	if h.breaker != nil {
		if err == nil && resp.Status >= 500 {
			h.breaker.Record(fmt.Errorf("status %d", resp.Status))
		} else {
			h.breaker.Record(err)
		}
	}
	return resp, err
}

func (h *HTTP) do(ctx context.Context, method, endpoint string, body any) (*stream.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base.String()+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	reqID := kit.GetRequestID(ctx)
	if reqID == "" {
		reqID = h.newID()
	}
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, h.maxBody)
	if err != nil {
		return nil, fmt.Errorf("transport: read %s %s: %w", method, endpoint, err)
	}

	out := &stream.Response{Status: resp.StatusCode}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(data) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			h.logger.WarnContext(ctx, "transport: undecodable JSON body",
				"method", method, "endpoint", endpoint, "status", resp.StatusCode, "error", err)
		} else {
			out.Body = parsed
		}
	}

	h.logger.DebugContext(ctx, "transport: request done",
		"method", method, "endpoint", endpoint, "status", resp.StatusCode,
		"bytes", len(data), "request_id", reqID, "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}
