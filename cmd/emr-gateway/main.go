package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/emr-gateway/internal/config"
	"github.com/ehr/emr-gateway/internal/gateway"
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

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "emr-gateway",
		Short:        "EMR API gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional env file read before the environment")

	root.AddCommand(serveCmd(&envFile))
	root.AddCommand(routesCmd(&envFile))
	return root
}

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func routesCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the effective route table as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			routes, err := loadRoutes(cfg)
			if err != nil {
				return err
			}
			return writeRoutes(cmd.OutOrStdout(), routes)
		},
	}
}

func loadConfig(envFile string) (*config.Config, error) {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadRoutes(cfg *config.Config) ([]gateway.Route, error) {
	if cfg.RoutesFile == "" {
		return gateway.DefaultRoutes(), nil
	}
	return gateway.LoadRoutes(cfg.RoutesFile, cfg.Backends())
}

func writeRoutes(w io.Writer, routes []gateway.Route) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"routes": routes}); err != nil {
		return fmt.Errorf("encode routes: %w", err)
	}
	return enc.Close()
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Str("service", gateway.ServiceName).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// auditOutput is the sink selected by AUDIT_OUTPUT plus whatever must be
// released on shutdown.
type auditOutput struct {
	sink  audit.Sink
	pool  *pgxpool.Pool
	close func() error
}

func openAuditOutput(ctx context.Context, cfg *config.Config, stdout io.Writer) (*auditOutput, error) {
	switch cfg.AuditOutput {
	case config.AuditStdout:
		return &auditOutput{sink: audit.NewWriterSink(stdout), close: func() error { return nil }}, nil
	case config.AuditPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.AuditDatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("audit database: %w", err)
		}
		sink := audit.NewPostgresSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		return &auditOutput{sink: sink, pool: pool, close: func() error { pool.Close(); return nil }}, nil
	}

	path, ok := cfg.AuditFilePath()
	if !ok {
		return nil, fmt.Errorf("unsupported audit output %q", cfg.AuditOutput)
	}
	f, err := audit.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &auditOutput{sink: f, close: f.Close}, nil
}

// newEcho builds the echo instance with the gateway's global middleware.
func newEcho(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierr.HTTPErrorHandler(logger)
	if cfg.TrustProxyHeaders {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if m != nil {
		e.Use(m.Middleware())
	}
	e.Use(middleware.CORSDefaults(cfg.CORSOrigins()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins(),
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, idempotency.Header, middleware.RequestIDHeader},
		ExposeHeaders: middleware.ExposedHeaders,
		MaxAge:        86400,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	return e
}

// components holds everything runServer starts and must stop.
type components struct {
	server   *gateway.Server
	limiter  *ratelimit.FixedWindow
	guard    *idempotency.Guard
	recorder *audit.Recorder
	output   *auditOutput
}

func buildComponents(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics, stdout io.Writer) (*components, error) {
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret:    []byte(cfg.JWTSecret),
		Algorithm: cfg.JWTAlg,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		Leeway:    cfg.JWTLeeway,
	}, auth.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	routes, err := loadRoutes(cfg)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewFixedWindow(cfg.RateLimitRPM,
		ratelimit.WithLogger(logger),
		ratelimit.WithCleanupInterval(cfg.RateLimitSweepInterval))
	guard := idempotency.NewGuard(
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLogger(logger))
	m.RegisterGaugeFunc("rate_limit_keys", "Caller keys tracked by the rate limiter",
		func() float64 { return float64(limiter.Size()) })
	m.RegisterGaugeFunc("idempotency_keys", "Idempotency keys currently retained",
		func() float64 { return float64(guard.Size()) })

	output, err := openAuditOutput(ctx, cfg, stdout)
	if err != nil {
		return nil, err
	}
	recorder := audit.NewRecorder(output.sink,
		audit.WithBuffer(cfg.AuditBuffer),
		audit.WithLogger(logger),
		audit.WithMetrics(m))

	forwarder := proxy.NewForwarder(
		proxy.WithTimeout(cfg.UpstreamTimeout),
		proxy.WithRetries(cfg.RetryCount),
		proxy.WithBackoff(cfg.RetryBackoff),
		proxy.WithLogger(logger),
		proxy.WithMetrics(m))
	aggregator := aggregate.New(forwarder.Client(), cfg.UpstreamTimeout,
		aggregate.WithLogger(logger),
		aggregate.WithMetrics(m))

	opts := []gateway.Option{
		gateway.WithLimiter(limiter),
		gateway.WithIdempotency(guard),
		gateway.WithForwarder(forwarder),
		gateway.WithAggregator(aggregator),
		gateway.WithAuditor(recorder),
		gateway.WithMetrics(m),
		gateway.WithLogger(logger),
	}
	if output.pool != nil {
		opts = append(opts, gateway.WithAuditDB(output.pool))
	}

	server, err := gateway.New(verifier, routes, cfg.Backends(), opts...)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = recorder.Close(closeCtx)
		_ = output.close()
		return nil, err
	}

	return &components{
		server:   server,
		limiter:  limiter,
		guard:    guard,
		recorder: recorder,
		output:   output,
	}, nil
}

// stop releases background workers and flushes pending audit events.
func (c *components) stop(ctx context.Context) error {
	c.limiter.Stop()
	c.guard.Stop()
	err := c.recorder.Close(ctx)
	return errors.Join(err, c.output.close())
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg, os.Stdout)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comps, err := buildComponents(ctx, cfg, logger, m, os.Stdout)
	if err != nil {
		return err
	}
	comps.limiter.StartCleanup(ctx)
	comps.guard.StartCleanup(ctx)

	e := newEcho(cfg, logger, m)
	comps.server.Register(e)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Int("routes", len(comps.server.Routes())).
			Str("audit_output", cfg.AuditOutput).
			Msg("starting gateway")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("server error")
	}

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
	if err := comps.stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit flush incomplete")
	}
	logger.Info().Msg("gateway stopped")
	return serveErr
}
