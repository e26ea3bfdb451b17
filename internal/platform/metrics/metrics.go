// Package metrics holds the gateway's Prometheus instruments.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// run without instrumentation in tests.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "emr_gateway"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	reg prometheus.Gatherer

	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	UpstreamAttempts     *prometheus.CounterVec
	RateLimitedTotal     prometheus.Counter
	AccessDenied         *prometheus.CounterVec
	IdempotencyConflicts prometheus.Counter
	AuditDropsTotal      prometheus.Counter
	AuditWriteErrors     prometheus.Counter
	AggregateSections    *prometheus.CounterVec

	factory promauto.Factory
}

// New creates and registers all metrics with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg:     reg,
		factory: f,
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the gateway",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		UpstreamAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Backend call attempts by outcome",
			},
			[]string{"backend", "outcome"}, // outcome=response/transport_error
		),
		RateLimitedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
		AccessDenied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_denied_total",
				Help:      "Requests rejected by authentication or access policy",
			},
			[]string{"reason"},
		),
		IdempotencyConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_conflicts_total",
				Help:      "Writes rejected because their idempotency key was already used",
			},
		),
		AuditDropsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_drops_total",
				Help:      "Audit events dropped because the buffer was full",
			},
		),
		AuditWriteErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_write_errors_total",
				Help:      "Audit events the sink failed to persist",
			},
		),
		AggregateSections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregate_sections_total",
				Help:      "Summary sections fetched by outcome",
			},
			[]string{"section", "outcome"}, // outcome=ok/error
		),
	}
}

// RegisterGaugeFunc exposes a value sampled at scrape time, e.g. the number of
// tracked rate-limit keys.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) ObserveUpstream(backend, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

func (m *Metrics) ObserveDenied(reason string) {
	if m == nil {
		return
	}
	m.AccessDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveIdempotencyConflict() {
	if m == nil {
		return
	}
	m.IdempotencyConflicts.Inc()
}

func (m *Metrics) ObserveAuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropsTotal.Inc()
}

func (m *Metrics) ObserveAuditError() {
	if m == nil {
		return
	}
	m.AuditWriteErrors.Inc()
}

func (m *Metrics) ObserveSection(section string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.AggregateSections.WithLabelValues(section, outcome).Inc()
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				var sc interface{ StatusCode() int }
				switch {
				case errors.As(err, &he):
					status = he.Code
				case errors.As(err, &sc):
					status = sc.StatusCode()
				default:
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RequestsTotal.WithLabelValues(route, c.Request().Method, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
