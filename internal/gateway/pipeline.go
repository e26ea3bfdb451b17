package gateway

import (
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/emr-gateway/internal/platform/apierr"
	"github.com/ehr/emr-gateway/internal/platform/auth"
	"github.com/ehr/emr-gateway/internal/platform/idempotency"
	"github.com/ehr/emr-gateway/internal/platform/ratelimit"
)

// Stage is one admission check. A non-nil error ends the request with that
// error's response.
type Stage func(c echo.Context, rt *Route) error

// Pipeline runs stages in order and stops at the first failure.
type Pipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

func (p *Pipeline) Run(c echo.Context, rt *Route) error {
	for _, stage := range p.stages {
		if err := stage(c, rt); err != nil {
			return err
		}
	}
	return nil
}

// Limiter admits or rejects a request for a caller key.
type Limiter interface {
	Allow(key string) ratelimit.Decision
}

// KeyReserver consumes idempotency keys.
type KeyReserver interface {
	Reserve(key string) error
}

// rateLimit runs before authentication so unauthenticated traffic is also
// throttled. The subject comes from a token whose signature checks out even
// if it has expired.
func (s *Server) rateLimit(c echo.Context, _ *Route) error {
	subject := ""
	if token, ok := auth.ParseBearer(c.Request().Header.Get(echo.HeaderAuthorization)); ok {
		subject = s.verifier.Identify(token)
	}

	d := s.limiter.Allow(ratelimit.Key(subject, c.RealIP()))
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return nil
	}

	retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.ObserveRateLimited()
	s.logger.Debug().
		Str("subject", subject).
		Str("remote_ip", c.RealIP()).
		Msg("rate limited")
	return apierr.TooManyRequests()
}

// checkPath rejects "." and ".." segments in path parameters. They would let
// a wildcard route relay to a different resource than the one authorized.
func (s *Server) checkPath(c echo.Context, _ *Route) error {
	for _, v := range c.ParamValues() {
		if hasDotSegment(v) {
			return apierr.BadRequest("invalid path")
		}
	}
	return nil
}

func hasDotSegment(v string) bool {
	if unescaped, err := url.PathUnescape(v); err == nil {
		v = unescaped
	}
	for _, seg := range strings.Split(v, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func (s *Server) authenticate(c echo.Context, rt *Route) error {
	if rt.Public {
		return nil
	}
	token, ok := auth.ParseBearer(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		s.metrics.ObserveDenied("unauthenticated")
		return apierr.Unauthorized()
	}
	p, err := s.verifier.Verify(token)
	if err != nil {
		s.metrics.ObserveDenied("unauthenticated")
		return apierr.Unauthorized()
	}

	req := c.Request()
	c.SetRequest(req.WithContext(auth.WithPrincipal(req.Context(), p)))
	return nil
}

func (s *Server) authorize(c echo.Context, rt *Route) error {
	if rt.Public {
		return nil
	}
	p := auth.PrincipalFromContext(c.Request().Context())
	err := auth.Evaluate(p, rt.RouteRule, c.Request().Method)
	if err == nil {
		return nil
	}

	var fe *auth.ForbiddenError
	if errors.As(err, &fe) {
		s.metrics.ObserveDenied("forbidden")
		s.logger.Info().
			Str("user", p.Subject).
			Str("route", rt.Name).
			Str("method", c.Request().Method).
			Str("reason", fe.Reason).
			Msg("access denied")
		return apierr.Forbidden(fe.Reason)
	}
	s.metrics.ObserveDenied("unauthenticated")
	return apierr.Unauthorized()
}

// idempotency reserves the key before the request is forwarded, so a failed
// forward still consumes it.
func (s *Server) idempotency(c echo.Context, rt *Route) error {
	if !rt.Idempotent || c.Request().Method != http.MethodPost {
		return nil
	}
	key := c.Request().Header.Get(idempotency.Header)
	err := s.guard.Reserve(key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, idempotency.ErrMissingKey):
		return apierr.BadRequest("Idempotency-Key header required")
	case errors.Is(err, idempotency.ErrDuplicate):
		s.metrics.ObserveIdempotencyConflict()
		return apierr.Conflict("already processed")
	default:
		return err
	}
}
