// Package aggregate fans out GET requests to several backends and merges the
// results into one document. A failing section never fails the whole.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/emr-gateway/internal/platform/metrics"
)

// Section is one backend call contributing a named field to the result.
type Section struct {
	Name  string
	Base  string
	Path  string
	Query url.Values
}

func (s Section) url() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.Base, "/") + "/" + strings.TrimLeft(s.Path, "/"))
	if err != nil {
		return "", err
	}
	if len(s.Query) > 0 {
		u.RawQuery = s.Query.Encode()
	}
	return u.String(), nil
}

// ErrorResult is the value placed under a section's name when it fails.
type ErrorResult struct {
	Error string `json:"error"`
}

type Option func(*Aggregator)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

type Aggregator struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New returns an Aggregator that bounds every section call by timeout.
func New(client *http.Client, timeout time.Duration, opts ...Option) *Aggregator {
	if client == nil {
		client = http.DefaultClient
	}
	a := &Aggregator{
		client:  client,
		timeout: timeout,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type result struct {
	name  string
	value any
}

// Gather calls every section concurrently and waits for all of them. Each
// value is either the backend's JSON document or an ErrorResult.
func (a *Aggregator) Gather(ctx context.Context, header http.Header, sections []Section) map[string]any {
	results := make(chan result, len(sections))
	var wg sync.WaitGroup

	for _, s := range sections {
		wg.Add(1)
		go func(s Section) {
			defer wg.Done()
			value, err := a.fetch(ctx, header, s)
			if err != nil {
				a.logger.Warn().Err(err).Str("section", s.Name).Msg("summary section failed")
				a.metrics.ObserveSection(s.Name, false)
				results <- result{name: s.Name, value: ErrorResult{Error: err.Error()}}
				return
			}
			a.metrics.ObserveSection(s.Name, true)
			results <- result{name: s.Name, value: value}
		}(s)
	}

	wg.Wait()
	close(results)

	out := make(map[string]any, len(sections))
	for r := range results {
		out[r.name] = r.value
	}
	return out
}

func (a *Aggregator) fetch(ctx context.Context, header http.Header, s Section) (json.RawMessage, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	u, err := s.url()
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
		// Left unset so the transport negotiates gzip and decodes it.
		req.Header.Del("Accept-Encoding")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%d %s for url: %s", resp.StatusCode, http.StatusText(resp.StatusCode), u)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid JSON from %s", u)
	}
	return json.RawMessage(body), nil
}
