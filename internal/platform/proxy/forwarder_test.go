package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/emr-gateway/internal/platform/auth"
)

type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     http.RoundTripper
}

func (t *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.calls++
	fail := t.calls <= t.failures
	t.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return t.next.RoundTrip(r)
}

func (t *flakyTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func recordSleeps(f *Forwarder) *[]time.Duration {
	var sleeps []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return &sleeps
}

func TestForward_RetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := &flakyTransport{failures: 2, next: http.DefaultTransport}
	f := NewForwarder(
		WithHTTPClient(&http.Client{Transport: tr}),
		WithRetries(2),
		WithBackoff(50*time.Millisecond),
	)
	sleeps := recordSleeps(f)

	resp, err := f.Forward(context.Background(), Target{Name: "patients", Base: srv.URL}, &Request{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected response %d %q", resp.StatusCode, resp.Body)
	}
	if tr.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", tr.Calls())
	}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, *sleeps)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], (*sleeps)[i])
		}
	}
}

func TestForward_ExhaustedRetries(t *testing.T) {
	tr := &flakyTransport{failures: 100, next: http.DefaultTransport}
	f := NewForwarder(WithHTTPClient(&http.Client{Transport: tr}), WithRetries(1))
	recordSleeps(f)

	_, err := f.Forward(context.Background(), Target{Name: "records", Base: "http://records.invalid"}, &Request{Method: http.MethodGet})
	if err == nil {
		t.Fatal("expected an error")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %T", err)
	}
	if ue.Attempts != 2 || ue.Backend != "records" {
		t.Errorf("unexpected error fields: %+v", ue)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected last transport error in message, got %q", err.Error())
	}
	if !IsUpstreamError(err) {
		t.Error("IsUpstreamError should report true")
	}
	if tr.Calls() != 2 {
		t.Errorf("expected 2 attempts, got %d", tr.Calls())
	}
}

func TestForward_CancelledContextStopsRetries(t *testing.T) {
	tr := &flakyTransport{failures: 100, next: http.DefaultTransport}
	f := NewForwarder(WithHTTPClient(&http.Client{Transport: tr}), WithRetries(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Forward(ctx, Target{Name: "records", Base: "http://records.invalid"}, &Request{Method: http.MethodGet})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tr.Calls() != 1 {
		t.Errorf("expected a single attempt, got %d", tr.Calls())
	}
}

func TestForward_ServerErrorsAreNotRetried(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	f := NewForwarder(WithRetries(3))
	recordSleeps(f)

	resp, err := f.Forward(context.Background(), Target{Name: "scheduling", Base: srv.URL}, &Request{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || string(resp.Body) != "down" {
		t.Errorf("expected verbatim 503, got %d %q", resp.StatusCode, resp.Body)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected 1 hit, got %d", hits)
	}
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			t.Error("redirect was followed")
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	f := NewForwarder()
	resp, err := f.Forward(context.Background(), Target{Name: "auth", Base: srv.URL, Suffix: "login"}, &Request{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected 302, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("expected Location header, got %q", resp.Header.Get("Location"))
	}
}

func TestForward_RelaysMethodPathQueryAndBody(t *testing.T) {
	type seen struct {
		method, path, query, body string
		header                    http.Header
		host                      string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.Path, r.URL.RawQuery, string(b), r.Header.Clone(), r.Host}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Backend", "records")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	in := httptest.NewRequest(http.MethodPost, "http://gateway.example/records?patientId=p1", strings.NewReader(`{"a":1}`))
	in.RemoteAddr = "203.0.113.9:5555"
	in.Header.Set("Content-Type", "application/json")
	in.Header.Set("Connection", "keep-alive, X-Secret")
	in.Header.Set("X-Secret", "hidden")
	in.Header.Set("Proxy-Authorization", "Basic Zm9v")
	in.Header.Set("X-User-Id", "spoofed")
	in.Header.Set("X-Custom", "kept")

	p := auth.NewPrincipal("user-42", []string{"MEDICO"}, []string{"records:read", "records:write"})
	req := NewRequest(in, []byte(`{"a":1}`), p)

	f := NewForwarder()
	resp, err := f.Forward(context.Background(), Target{Name: "records", Base: srv.URL + "/", Suffix: "records"}, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop response header was relayed")
	}
	if resp.Header.Get("X-Backend") != "records" {
		t.Error("end-to-end response header was dropped")
	}

	s := <-got
	if s.method != http.MethodPost || s.path != "/records" || s.query != "patientId=p1" || s.body != `{"a":1}` {
		t.Errorf("request not relayed verbatim: %+v", s)
	}
	if s.host == "gateway.example" {
		t.Error("inbound Host leaked to backend")
	}
	for _, h := range []string{"X-Secret", "Proxy-Authorization"} {
		if s.header.Get(h) != "" {
			t.Errorf("header %s should have been stripped", h)
		}
	}
	if s.header.Get("X-Custom") != "kept" {
		t.Error("end-to-end header was dropped")
	}
	if s.header.Get(HeaderUserID) != "user-42" {
		t.Errorf("expected injected user id, got %q", s.header.Get(HeaderUserID))
	}
	if s.header.Get(HeaderUserRoles) != "MEDICO" {
		t.Errorf("unexpected roles header %q", s.header.Get(HeaderUserRoles))
	}
	if s.header.Get(HeaderUserScopes) != "records:read,records:write" {
		t.Errorf("unexpected scopes header %q", s.header.Get(HeaderUserScopes))
	}
	if s.header.Get("X-Forwarded-For") != "203.0.113.9" {
		t.Errorf("unexpected X-Forwarded-For %q", s.header.Get("X-Forwarded-For"))
	}
	if s.header.Get("X-Forwarded-Host") != "gateway.example" {
		t.Errorf("unexpected X-Forwarded-Host %q", s.header.Get("X-Forwarded-Host"))
	}
}

func TestSanitizeHeaders_AnonymousDropsIdentity(t *testing.T) {
	in := http.Header{}
	in.Set("X-User-Id", "spoofed")
	in.Set("X-User-Roles", "ADMIN")
	in.Set("X-User-Scopes", "patients:write")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Content-Length", "10")
	in.Set("Accept", "application/json")

	out := SanitizeHeaders(in, nil)
	for _, h := range []string{"X-User-Id", "X-User-Roles", "X-User-Scopes", "Transfer-Encoding", "Content-Length"} {
		if _, ok := out[http.CanonicalHeaderKey(h)]; ok {
			t.Errorf("header %s should be absent", h)
		}
	}
	if out.Get("Accept") != "application/json" {
		t.Error("Accept should be kept")
	}
	if in.Get("X-User-Id") != "spoofed" {
		t.Error("input header map must not be modified")
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		query  string
		want   string
	}{
		{"base only", Target{Base: "http://p:7002/"}, "", "http://p:7002"},
		{"suffix", Target{Base: "http://p:7002/", Suffix: "patients/1"}, "", "http://p:7002/patients/1"},
		{"query", Target{Base: "http://r:7003", Suffix: "/records"}, "limit=10", "http://r:7003/records?limit=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.target.URL(tt.query)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestWriteResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/patients/1", nil), rec)
	c.Response().Header().Set("Access-Control-Allow-Origin", "https://app.example")

	resp := &Response{
		StatusCode: http.StatusTeapot,
		Header: http.Header{
			"Content-Type":                {"application/json"},
			"Access-Control-Allow-Origin": {"*"},
		},
		Body: []byte(`{"id":"1"}`),
	}
	if err := WriteResponse(c, resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rec.Code)
	}
	if rec.Body.String() != `{"id":"1"}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("gateway CORS header overridden: %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestWriteResponse_GatewayRateLimitHeadersWin(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/records", nil), rec)
	c.Response().Header().Set("X-RateLimit-Limit", "120")
	c.Response().Header().Set("X-RateLimit-Remaining", "119")

	resp := &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header: http.Header{
			"X-Ratelimit-Limit":     {"10"},
			"X-Ratelimit-Remaining": {"0"},
			"Retry-After":           {"30"},
			"X-Backend":             {"records"},
		},
	}
	if err := WriteResponse(c, resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := rec.Header()
	if h.Get("X-RateLimit-Limit") != "120" || h.Get("X-RateLimit-Remaining") != "119" {
		t.Errorf("gateway rate limit headers overridden: %v", h)
	}
	if len(h.Values("X-RateLimit-Limit")) != 1 {
		t.Errorf("rate limit header duplicated: %v", h.Values("X-RateLimit-Limit"))
	}
	// The gateway did not set Retry-After on an allowed request, so the
	// backend's value is relayed.
	if h.Get("Retry-After") != "30" || h.Get("X-Backend") != "records" {
		t.Errorf("backend headers not relayed: %v", h)
	}
}
