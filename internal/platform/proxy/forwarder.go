// Package proxy relays requests to backend services with bounded retries.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/emr-gateway/internal/platform/auth"
	"github.com/ehr/emr-gateway/internal/platform/metrics"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 1
	DefaultBackoff = 100 * time.Millisecond
)

// Target identifies where a request is relayed.
type Target struct {
	// Name labels the backend in logs and metrics.
	Name   string
	Base   string
	Suffix string
}

// URL joins Base and Suffix and attaches rawQuery.
func (t Target) URL(rawQuery string) (string, error) {
	raw := strings.TrimRight(t.Base, "/")
	if t.Suffix != "" {
		raw += "/" + strings.TrimLeft(t.Suffix, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("build upstream url: %w", err)
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

// Request is an outbound request with its body buffered so it can be resent.
type Request struct {
	Method   string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// NewRequest prepares r for relaying: headers are sanitized, the principal's
// identity is injected and X-Forwarded-* are set.
func NewRequest(r *http.Request, body []byte, p *auth.Principal) *Request {
	h := SanitizeHeaders(r.Header, p)
	setForwarded(h, r)
	return &Request{
		Method:   r.Method,
		RawQuery: r.URL.RawQuery,
		Header:   h,
		Body:     body,
	}
}

// Response is a backend response relayed verbatim, minus hop-by-hop headers.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UpstreamError reports that every attempt failed at the transport level.
type UpstreamError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unreachable after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient overrides the client used for backend calls. Redirect
// following is disabled on a copy of it.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.timeout = d }
}

// WithRetries sets how many times a transport failure is retried.
func WithRetries(n int) Option {
	return func(f *Forwarder) { f.retries = n }
}

// WithBackoff sets the base delay; attempt i waits i*base first.
func WithBackoff(base time.Duration) Option {
	return func(f *Forwarder) { f.backoff = base }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(f *Forwarder) { f.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// Forwarder relays requests and retries transport failures with a linear
// backoff. HTTP responses of any status are returned as-is.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) error
}

func NewForwarder(opts ...Option) *Forwarder {
	f := &Forwarder{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		logger:  zerolog.Nop(),
		sleep:   sleepContext,
	}
	for _, o := range opts {
		o(f)
	}
	if f.retries < 0 {
		f.retries = 0
	}

	c := *f.client
	c.Timeout = f.timeout
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	f.client = &c
	return f
}

// Client returns the configured client, which never follows redirects.
func (f *Forwarder) Client() *http.Client {
	return f.client
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Forward sends req to target. A dispatched attempt is detached from the
// caller's cancellation and bounded by the configured timeout; cancellation
// only stops further retries.
func (f *Forwarder) Forward(ctx context.Context, target Target, req *Request) (*Response, error) {
	u, err := target.URL(req.RawQuery)
	if err != nil {
		return nil, &UpstreamError{Backend: target.Name, Attempts: 0, Err: err}
	}
	callCtx := context.WithoutCancel(ctx)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, time.Duration(attempt)*f.backoff); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		resp, err := f.do(callCtx, u, req)
		if err == nil {
			f.metrics.ObserveUpstream(target.Name, "response")
			return resp, nil
		}

		lastErr = err
		f.metrics.ObserveUpstream(target.Name, "transport_error")
		f.logger.Warn().Err(err).
			Str("backend", target.Name).
			Str("method", req.Method).
			Str("url", u).
			Int("attempt", attempt+1).
			Msg("upstream attempt failed")
	}

	return nil, &UpstreamError{Backend: target.Name, Attempts: attempts, Err: lastErr}
}

func (f *Forwarder) do(ctx context.Context, u string, req *Request) (*Response, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = http.Header{}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	h := resp.Header.Clone()
	stripHopByHop(h)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     h,
		Body:       payload,
	}, nil
}

// IsUpstreamError reports whether err came from exhausted retries.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// gatewayOwned reports whether a header set by the gateway itself outranks
// the backend's copy: CORS and the rate limiter's headers.
func gatewayOwned(key string) bool {
	key = http.CanonicalHeaderKey(key)
	switch key {
	case "X-Ratelimit-Limit", "X-Ratelimit-Remaining", "Retry-After":
		return true
	}
	return strings.HasPrefix(key, "Access-Control-")
}

// WriteResponse copies resp to the echo response. Headers the gateway already
// set for CORS or rate limiting take precedence over the backend's.
func WriteResponse(c echo.Context, resp *Response) error {
	h := c.Response().Header()
	for k, vs := range resp.Header {
		if gatewayOwned(k) && h.Get(k) != "" {
			continue
		}
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 || c.Request().Method == http.MethodHead {
		return nil
	}
	_, err := c.Response().Write(resp.Body)
	return err
}
