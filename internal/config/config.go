package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultJWTSecret is the placeholder secret shipped in defaults. It is
// refused in production.
const DefaultJWTSecret = "CHANGE_ME"

// Audit output values other than file://<path>.
const (
	AuditStdout   = "stdout"
	AuditPostgres = "postgres"
)

type Config struct {
	Port     string `mapstructure:"PORT" validate:"required,numeric"`
	Env      string `mapstructure:"ENV" validate:"oneof=development test staging production"`
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`

	AuthBase       string `mapstructure:"AUTH_BASE" validate:"required,url"`
	PatientsBase   string `mapstructure:"PATIENTS_BASE" validate:"required,url"`
	RecordsBase    string `mapstructure:"RECORDS_BASE" validate:"required,url"`
	SchedulingBase string `mapstructure:"SCHEDULING_BASE" validate:"required,url"`

	JWTAlg      string        `mapstructure:"JWT_ALG" validate:"oneof=HS256 HS384 HS512"`
	JWTSecret   string        `mapstructure:"JWT_SECRET" validate:"required"`
	JWTAudience string        `mapstructure:"JWT_AUD" validate:"required"`
	JWTIssuer   string        `mapstructure:"JWT_ISS" validate:"required"`
	JWTLeeway   time.Duration `mapstructure:"JWT_LEEWAY" validate:"gte=0"`

	UpstreamTimeout time.Duration `mapstructure:"UPSTREAM_TIMEOUT" validate:"gt=0"`
	RetryCount      int           `mapstructure:"RETRY_COUNT" validate:"gte=0,lte=10"`
	RetryBackoff    time.Duration `mapstructure:"RETRY_BACKOFF" validate:"gte=0"`

	RateLimitRPM           int           `mapstructure:"RATE_LIMIT_RPM" validate:"gt=0"`
	RateLimitSweepInterval time.Duration `mapstructure:"RATE_LIMIT_SWEEP_INTERVAL" validate:"gt=0"`
	// IdempotencyTTL <= 0 keeps keys for the life of the process.
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	AuditOutput      string `mapstructure:"AUDIT_OUTPUT" validate:"required,audit_output"`
	AuditBuffer      int    `mapstructure:"AUDIT_BUFFER" validate:"gt=0"`
	AuditDatabaseURL string `mapstructure:"AUDIT_DATABASE_URL"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns       int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0"`

	CORSAllowOrigin   string `mapstructure:"CORS_ALLOW_ORIGIN" validate:"required"`
	TrustProxyHeaders bool   `mapstructure:"TRUST_PROXY_HEADERS"`
	BodyLimit         string `mapstructure:"BODY_LIMIT" validate:"required"`
	RoutesFile        string `mapstructure:"ROUTES_FILE"`
	MetricsEnabled    bool   `mapstructure:"METRICS_ENABLED"`
}

var defaults = map[string]any{
	"PORT":                      "8080",
	"ENV":                       "development",
	"LOG_LEVEL":                 "info",
	"AUTH_BASE":                 "http://localhost:7001/",
	"PATIENTS_BASE":             "http://localhost:7002/",
	"RECORDS_BASE":              "http://localhost:7003/",
	"SCHEDULING_BASE":           "http://localhost:7004/",
	"JWT_ALG":                   "HS256",
	"JWT_SECRET":                DefaultJWTSecret,
	"JWT_AUD":                   "emr-gateway",
	"JWT_ISS":                   "auth-service",
	"JWT_LEEWAY":                "0s",
	"UPSTREAM_TIMEOUT":          "5s",
	"RETRY_COUNT":               1,
	"RETRY_BACKOFF":             "100ms",
	"RATE_LIMIT_RPM":            120,
	"RATE_LIMIT_SWEEP_INTERVAL": "5m",
	"IDEMPOTENCY_TTL":           "24h",
	"AUDIT_OUTPUT":              "file:///tmp/emr_audit.log",
	"AUDIT_BUFFER":              1024,
	"DB_MAX_CONNS":              10,
	"DB_MIN_CONNS":              1,
	"CORS_ALLOW_ORIGIN":         "*",
	"TRUST_PROXY_HEADERS":       false,
	"BODY_LIMIT":                "2M",
	"ROUTES_FILE":               "",
	"METRICS_ENABLED":           true,
}

// Load reads configuration from the environment, falling back to a .env file
// in the working directory and then to defaults.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is not an error.
func LoadFile(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind env vars explicitly so Unmarshal picks them up
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CORSOrigins splits CORS_ALLOW_ORIGIN on commas.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// AuditFilePath returns the path of a file:// audit output.
func (c *Config) AuditFilePath() (string, bool) {
	if !strings.HasPrefix(c.AuditOutput, "file://") {
		return "", false
	}
	return strings.TrimPrefix(c.AuditOutput, "file://"), true
}

// Backends returns the backend base URLs keyed by backend name.
func (c *Config) Backends() map[string]string {
	return map[string]string{
		"auth":       c.AuthBase,
		"patients":   c.PatientsBase,
		"records":    c.RecordsBase,
		"scheduling": c.SchedulingBase,
	}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("register audit_output validator: %w", err)
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	backends := c.Backends()
	for _, name := range []string{"auth", "patients", "records", "scheduling"} {
		base := backends[name]
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s backend url must be an absolute http(s) url, got %q", name, base)
		}
	}

	if c.IsProduction() && c.JWTSecret == DefaultJWTSecret {
		return errors.New("JWT_SECRET must be changed from the default in production")
	}

	if c.AuditOutput == AuditPostgres && c.AuditDatabaseURL == "" {
		return errors.New("AUDIT_DATABASE_URL is required when AUDIT_OUTPUT is \"postgres\"")
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}

// validateAuditOutput accepts "stdout", "postgres" or "file://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == AuditStdout || output == AuditPostgres {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatFieldError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'postgres' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
