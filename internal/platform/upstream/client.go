// Package upstream is the single chokepoint for calls from the gateway to the
// prior-authorization service. It attaches the caller's bearer credential,
// bounds every attempt with a timeout, retries transient failures and hands
// the upstream response back unchanged.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 1
	DefaultBackoff = 200 * time.Millisecond

	// maxResponseBytes bounds how much of an upstream body is buffered.
	maxResponseBytes = 32 << 20
	debugBodyBytes   = 1024
)

// transientStatuses are retried; every other status is final.
var transientStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// IsTransient reports whether an upstream status is worth retrying.
func IsTransient(status int) bool {
	return transientStatuses[status]
}

// hopHeaders are connection-scoped and never copied from an upstream
// response. Content-Length is recomputed on write and Set-Cookie would let
// the upstream plant cookies on the gateway's origin.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Set-Cookie",
}

// Request describes one logical upstream call. A logical call may be sent
// more than once when it is retryable.
type Request struct {
	Method string
	// Path is joined to the base URL; it must not be absolute.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Token is the inbound session credential. Empty means no Authorization
	// header is sent.
	Token string
	// Timeout overrides the client's per-attempt timeout when positive.
	Timeout time.Duration
	// Idempotent marks a write as safe to repeat.
	Idempotent bool
}

func (r *Request) retryable() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return r.Idempotent
}

// Response is an upstream answer, buffered so it can be inspected and then
// relayed byte for byte.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ContentType returns the upstream media type, defaulting to JSON.
func (r *Response) ContentType() string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}

// Client forwards requests to the upstream service.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	backoff    time.Duration
	logger     zerolog.Logger
	debug      bool
	wait       func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets how many extra attempts a retryable request gets.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff sets the delay before the first retry. Each later retry
// doubles it.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDebug logs every exchange, including a prefix of the response body.
func WithDebug(on bool) Option {
	return func(c *Client) { c.debug = on }
}

// NewClient creates a Client for the given absolute base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream base url %q must be absolute http(s)", baseURL)
	}
	c := &Client{
		base:       u,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		retries:    DefaultRetries,
		backoff:    DefaultBackoff,
		logger:     zerolog.Nop(),
		wait:       sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the resolved upstream base.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Forward sends req upstream. A response whose status is not transient is
// returned as is, whatever the status. When every attempt fails transiently
// the error is a *GatewayError. Cancellation of ctx returns ctx.Err().
func (c *Client) Forward(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	attempts := 1
	if req.retryable() && c.retries > 0 {
		attempts += c.retries
	}

	gerr := &GatewayError{Method: req.Method, Path: req.Path}
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			if err := c.wait(ctx, c.backoff<<(n-2)); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req, target, n)
		gerr.Attempts = n
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			gerr.Cause, gerr.LastStatus = err, 0
			continue
		}
		if !IsTransient(resp.StatusCode) {
			return resp, nil
		}
		gerr.Cause = fmt.Errorf("transient upstream status %d", resp.StatusCode)
		gerr.LastStatus = resp.StatusCode
	}

	c.logger.Warn().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("attempts", gerr.Attempts).
		Int("last_status", gerr.LastStatus).
		Err(gerr.Cause).
		Msg("upstream attempts exhausted")
	return nil, gerr
}

func (c *Client) attempt(ctx context.Context, req Request, target string, n int) (*Response, error) {
	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	} else {
		httpReq.Header.Del("Authorization")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logAttempt(req, n, 0, time.Since(start), nil, err)
		return nil, classify(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		c.logAttempt(req, n, httpResp.StatusCode, time.Since(start), nil, err)
		return nil, classify(err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     endToEnd(httpResp.Header),
		Body:       data,
	}
	c.logAttempt(req, n, resp.StatusCode, time.Since(start), data, nil)
	return resp, nil
}

func (c *Client) logAttempt(req Request, n, status int, latency time.Duration, body []byte, err error) {
	if !c.debug {
		return
	}
	ev := c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("attempt", n).
		Int("status", status).
		Dur("latency", latency)
	if err != nil {
		ev = ev.Err(err)
	}
	if len(body) > debugBodyBytes {
		body = body[:debugBodyBytes]
	}
	if len(body) > 0 {
		ev = ev.Bytes("body", body)
	}
	ev.Msg("upstream exchange")
}

// resolve joins path onto the base URL, rejecting anything that would point
// the request at a different host. Callers escape dynamic segments with
// url.PathEscape before building path.
func (c *Client) resolve(path string, query url.Values) (string, error) {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return "", fmt.Errorf("upstream path %q must be relative to the base", path)
	}
	ref, err := url.Parse(path)
	if err != nil || ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("upstream path %q must be relative to the base", path)
	}
	u := *c.base
	u.Path = c.base.Path + ref.Path
	u.RawPath = ""
	if ref.RawPath != "" {
		u.RawPath = c.base.EscapedPath() + ref.RawPath
	}
	u.RawQuery = ref.RawQuery
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// classify marks timeouts so GatewayError.Timeout can tell them apart.
func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", errAttemptTimeout, err)
	}
	return err
}

func endToEnd(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
