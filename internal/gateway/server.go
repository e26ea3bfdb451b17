// Package gateway wires the admission pipeline, the route table and the
// backend relays into an echo server.
package gateway

import (
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

	"github.com/ehr/emr-gateway/internal/platform/aggregate"
	"github.com/ehr/emr-gateway/internal/platform/apierr"
	"github.com/ehr/emr-gateway/internal/platform/audit"
	"github.com/ehr/emr-gateway/internal/platform/auth"
	"github.com/ehr/emr-gateway/internal/platform/db"
	"github.com/ehr/emr-gateway/internal/platform/idempotency"
	"github.com/ehr/emr-gateway/internal/platform/metrics"
	"github.com/ehr/emr-gateway/internal/platform/middleware"
	"github.com/ehr/emr-gateway/internal/platform/proxy"
	"github.com/ehr/emr-gateway/internal/platform/ratelimit"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "emr-api-gateway"

// Forwarder relays one request to a backend.
type Forwarder interface {
	Forward(ctx context.Context, target proxy.Target, req *proxy.Request) (*proxy.Response, error)
}

// Gatherer fans out summary sections.
type Gatherer interface {
	Gather(ctx context.Context, header http.Header, sections []aggregate.Section) map[string]any
}

// Auditor accepts audit events without blocking.
type Auditor interface {
	Record(e audit.Event) bool
}

type Option func(*Server)

func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithIdempotency(g KeyReserver) Option {
	return func(s *Server) { s.guard = g }
}

func WithForwarder(f Forwarder) Option {
	return func(s *Server) { s.forwarder = f }
}

func WithAggregator(g Gatherer) Option {
	return func(s *Server) { s.aggregator = g }
}

func WithAuditor(a Auditor) Option {
	return func(s *Server) { s.auditor = a }
}

// WithAuditDB exposes /health/audit-db backed by p.
func WithAuditDB(p db.Pinger) Option {
	return func(s *Server) { s.auditDB = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server serves the route table. Every route runs the same admission
// pipeline: rate limit, path check, authenticate, authorize, idempotency.
type Server struct {
	routes   []Route
	backends map[string]string
	verifier *auth.Verifier

	limiter    Limiter
	guard      KeyReserver
	forwarder  Forwarder
	aggregator Gatherer
	auditor    Auditor
	auditDB    db.Pinger
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	pipeline *Pipeline
}

// New validates routes against backends and builds a Server. Components not
// supplied through options get in-memory defaults.
func New(verifier *auth.Verifier, routes []Route, backends map[string]string, opts ...Option) (*Server, error) {
	if verifier == nil {
		return nil, errors.New("gateway: verifier is required")
	}
	if err := ValidateRoutes(routes, backends); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	s := &Server{
		routes:   routes,
		backends: backends,
		verifier: verifier,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewFixedWindow(ratelimit.DefaultLimit)
	}
	if s.guard == nil {
		s.guard = idempotency.NewGuard()
	}
	if s.forwarder == nil {
		s.forwarder = proxy.NewForwarder(proxy.WithLogger(s.logger), proxy.WithMetrics(s.metrics))
	}
	if s.aggregator == nil {
		s.aggregator = aggregate.New(nil, proxy.DefaultTimeout,
			aggregate.WithLogger(s.logger), aggregate.WithMetrics(s.metrics))
	}

	s.pipeline = NewPipeline(s.rateLimit, s.checkPath, s.authenticate, s.authorize, s.idempotency)
	return s, nil
}

// Routes returns the served route table.
func (s *Server) Routes() []Route {
	return s.routes
}

// Register mounts health, metrics and every route on e. Without an explicit
// IP extractor the direct peer address is used, so X-Forwarded-For cannot be
// spoofed to dodge the rate limiter.
func (s *Server) Register(e *echo.Echo) {
	if e.IPExtractor == nil {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.GET("/health", s.health)
	if s.auditDB != nil {
		e.GET("/health/audit-db", db.HealthHandler(s.auditDB))
	}
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	for i := range s.routes {
		rt := s.routes[i]
		for _, r := range e.Match(rt.Methods, rt.Path, s.handle(&rt)) {
			r.Name = rt.Name
		}
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
	})
}

func (s *Server) handle(rt *Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.pipeline.Run(c, rt); err != nil {
			return err
		}
		if rt.Kind == KindSummary {
			return s.summary(c, rt)
		}
		return s.forward(c, rt)
	}
}

func (s *Server) forward(c echo.Context, rt *Route) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return apierr.BadRequest("unreadable request body")
	}

	out := proxy.NewRequest(req, body, auth.PrincipalFromContext(req.Context()))
	if rid := middleware.GetRequestID(c); rid != "" {
		out.Header.Set(proxy.HeaderRequestID, rid)
	}
	target := proxy.Target{
		Name:   rt.Backend,
		Base:   s.backends[rt.Backend],
		Suffix: expandPath(rt.upstreamTemplate(), c),
	}

	resp, err := s.forwarder.Forward(req.Context(), target, out)
	if err != nil {
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetRequestID(c)).
			Str("backend", rt.Backend).
			Msg("upstream unavailable")
		s.audit(c, rt, http.StatusBadGateway)
		var ue *proxy.UpstreamError
		if errors.As(err, &ue) && ue.Err != nil {
			return apierr.BadGateway(ue.Err.Error())
		}
		return apierr.BadGateway(err.Error())
	}

	s.audit(c, rt, resp.StatusCode)
	return proxy.WriteResponse(c, resp)
}

// summarySections lists the calls merged into a patient summary.
func (s *Server) summarySections(patientID string) []aggregate.Section {
	return []aggregate.Section{
		{
			Name: "patient",
			Base: s.backends[BackendPatients],
			Path: "patients/" + url.PathEscape(patientID),
		},
		{
			Name:  "recentRecords",
			Base:  s.backends[BackendRecords],
			Path:  "records",
			Query: url.Values{"patientId": {patientID}, "limit": {"10"}},
		},
		{
			Name:  "upcomingAppointments",
			Base:  s.backends[BackendScheduling],
			Path:  "appointments",
			Query: url.Values{"patientId": {patientID}, "upcoming": {"true"}},
		},
	}
}

func (s *Server) summary(c echo.Context, rt *Route) error {
	req := c.Request()
	patientID := c.Param("id")
	if unescaped, err := url.PathUnescape(patientID); err == nil {
		patientID = unescaped
	}

	header := proxy.SanitizeHeaders(req.Header, auth.PrincipalFromContext(req.Context()))
	if rid := middleware.GetRequestID(c); rid != "" {
		header.Set(proxy.HeaderRequestID, rid)
	}

	result := s.aggregator.Gather(req.Context(), header, s.summarySections(patientID))
	s.audit(c, rt, http.StatusOK)
	return c.JSON(http.StatusOK, result)
}

// audit records the route's action for the request method, if it has one.
func (s *Server) audit(c echo.Context, rt *Route, status int) {
	if s.auditor == nil {
		return
	}
	req := c.Request()
	action, ok := rt.Audit[req.Method]
	if !ok {
		return
	}

	actor := audit.ActorAnonymous
	if p := auth.PrincipalFromContext(req.Context()); p != nil {
		actor = p.Subject
	}
	s.auditor.Record(audit.Event{
		Actor:     actor,
		Action:    action,
		Target:    auditTarget(c),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(c),
		Method:    req.Method,
		Path:      req.URL.Path,
		RemoteIP:  c.RealIP(),
		Status:    status,
	})
}

// auditTarget is the matched path parameters, e.g. the resource suffix of a
// wildcard route or the patient id of a summary.
func auditTarget(c echo.Context) string {
	values := c.ParamValues()
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "/")
}

// expandPath substitutes echo path parameters in an upstream template.
func expandPath(template string, c echo.Context) string {
	segments := strings.Split(template, "/")
	for i, seg := range segments {
		switch {
		case seg == "*":
			segments[i] = c.Param("*")
		case strings.HasPrefix(seg, ":"):
			segments[i] = c.Param(seg[1:])
		}
	}
	return strings.Join(segments, "/")
}
