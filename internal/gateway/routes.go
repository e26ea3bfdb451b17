package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ehr/emr-gateway/internal/platform/auth"
)

// Kind selects how a matched route is served.
type Kind string

const (
	KindProxy   Kind = "proxy"
	KindSummary Kind = "summary"
)

// Backend names referenced by the route table.
const (
	BackendAuth       = "auth"
	BackendPatients   = "patients"
	BackendRecords    = "records"
	BackendScheduling = "scheduling"
)

// Route binds an inbound path to a backend and its access rule. Path uses
// echo syntax (":id" parameters, a trailing "*" wildcard). UpstreamPath uses
// the same placeholders and defaults to Path without its leading slash.
type Route struct {
	Name         string   `yaml:"name" validate:"required"`
	Path         string   `yaml:"path" validate:"required,startswith=/"`
	Methods      []string `yaml:"methods" validate:"required,min=1,dive,oneof=GET POST PUT PATCH DELETE"`
	Kind         Kind     `yaml:"kind,omitempty" validate:"oneof=proxy summary"`
	Backend      string   `yaml:"backend,omitempty" validate:"required_if=Kind proxy"`
	UpstreamPath string   `yaml:"upstream_path,omitempty"`
	Public       bool     `yaml:"public,omitempty"`
	// Idempotent requires an Idempotency-Key on POST.
	Idempotent bool `yaml:"idempotent,omitempty"`
	// Audit maps a method to the action recorded when it is served.
	Audit map[string]string `yaml:"audit,omitempty"`

	auth.RouteRule `yaml:",inline"`
}

func (r *Route) upstreamTemplate() string {
	if r.UpstreamPath != "" {
		return strings.TrimPrefix(r.UpstreamPath, "/")
	}
	return strings.TrimPrefix(r.Path, "/")
}

func (r *Route) normalize() {
	if r.Kind == "" {
		r.Kind = KindProxy
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	if len(r.Audit) > 0 {
		audit := make(map[string]string, len(r.Audit))
		for m, action := range r.Audit {
			audit[strings.ToUpper(m)] = action
		}
		r.Audit = audit
	}
}

var (
	clinicalRoles   = []string{"MEDICO", "ENFERMEIRO", "RECEPCIONISTA", "ADMIN"}
	recordsRoles    = []string{"MEDICO", "ENFERMEIRO", "ADMIN"}
	schedulingRoles = []string{"MEDICO", "RECEPCIONISTA", "ADMIN"}
	summaryRoles    = []string{"MEDICO", "ENFERMEIRO", "ADMIN", "RECEPCIONISTA"}
)

// DefaultRoutes returns the built-in route table.
func DefaultRoutes() []Route {
	routes := []Route{
		{
			Name: "auth-login", Path: "/auth/login", Methods: []string{http.MethodPost},
			Backend: BackendAuth, Public: true,
			Audit: map[string]string{http.MethodPost: "auth_login_attempt"},
		},
		{
			Name: "auth-refresh", Path: "/auth/refresh", Methods: []string{http.MethodPost},
			Backend: BackendAuth, Public: true,
		},
		{
			Name: "patients", Path: "/patients", Methods: []string{http.MethodGet, http.MethodPost},
			Backend: BackendPatients,
			Audit:   map[string]string{http.MethodPost: "patient_create"},
			RouteRule: auth.RouteRule{
				RequiredScopes: []string{"patients:read"}, AllowedRoles: clinicalRoles, WriteScope: "patients:write",
			},
		},
		{
			Name: "patient", Path: "/patients/*", Methods: []string{http.MethodGet, http.MethodPut, http.MethodDelete},
			Backend: BackendPatients,
			Audit:   map[string]string{http.MethodPut: "patient_put", http.MethodDelete: "patient_delete"},
			RouteRule: auth.RouteRule{
				RequiredScopes: []string{"patients:read"}, AllowedRoles: clinicalRoles, WriteScope: "patients:write",
			},
		},
		{
			Name: "records", Path: "/records", Methods: []string{http.MethodGet, http.MethodPost},
			Backend: BackendRecords,
			Audit:   map[string]string{http.MethodPost: "record_create"},
			RouteRule: auth.RouteRule{
				RequiredScopes: []string{"records:read"}, AllowedRoles: recordsRoles, WriteScope: "records:write",
			},
		},
		{
			Name: "record", Path: "/records/*", Methods: []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete},
			Backend: BackendRecords,
			Audit: map[string]string{
				http.MethodPut: "record_put", http.MethodPatch: "record_patch", http.MethodDelete: "record_delete",
			},
			RouteRule: auth.RouteRule{
				RequiredScopes: []string{"records:read"}, AllowedRoles: recordsRoles, WriteScope: "records:write",
			},
		},
		{
			Name: "appointments", Path: "/appointments", Methods: []string{http.MethodGet, http.MethodPost},
			Backend: BackendScheduling, Idempotent: true,
			Audit: map[string]string{http.MethodPost: "appointment_create"},
			RouteRule: auth.RouteRule{
				RequiredScopes: []string{"scheduling:read"}, AllowedRoles: schedulingRoles, WriteScope: "scheduling:write",
			},
		},
		{
			Name: "appointment", Path: "/appointments/*", Methods: []string{http.MethodGet, http.MethodPut, http.MethodDelete},
			Backend: BackendScheduling,
			Audit:   map[string]string{http.MethodPut: "appointment_put", http.MethodDelete: "appointment_delete"},
			RouteRule: auth.RouteRule{
				RequiredScopes: []string{"scheduling:read"}, AllowedRoles: schedulingRoles, WriteScope: "scheduling:write",
			},
		},
		{
			Name: "patient-summary", Path: "/patient/:id/summary", Methods: []string{http.MethodGet},
			Kind:  KindSummary,
			Audit: map[string]string{http.MethodGet: "patient_summary"},
			RouteRule: auth.RouteRule{
				RequiredScopes: []string{"patients:read", "records:read", "scheduling:read"},
				AllowedRoles:   summaryRoles,
			},
		},
	}
	for i := range routes {
		routes[i].normalize()
	}
	return routes
}

type routeFile struct {
	Routes []Route `yaml:"routes" validate:"required,min=1,dive"`
}

// LoadRoutes reads a YAML route table and validates it against backends.
func LoadRoutes(path string, backends map[string]string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(data, backends)
}

// ParseRoutes decodes and validates a YAML route table.
func ParseRoutes(data []byte, backends map[string]string) ([]Route, error) {
	var f routeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	for i := range f.Routes {
		f.Routes[i].normalize()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}
	if err := ValidateRoutes(f.Routes, backends); err != nil {
		return nil, err
	}
	return f.Routes, nil
}

// ValidateRoutes checks rules the struct tags cannot express.
func ValidateRoutes(routes []Route, backends map[string]string) error {
	var errs []error
	seen := make(map[string]string, len(routes))

	for _, r := range routes {
		if prev, ok := seen[r.Path]; ok {
			errs = append(errs, fmt.Errorf("route %s: path %s already used by %s", r.Name, r.Path, prev))
		}
		seen[r.Path] = r.Name

		switch r.Kind {
		case KindProxy:
			if _, ok := backends[r.Backend]; !ok {
				errs = append(errs, fmt.Errorf("route %s: unknown backend %q", r.Name, r.Backend))
			}
		case KindSummary:
			if !strings.Contains(r.Path, ":id") {
				errs = append(errs, fmt.Errorf("route %s: summary path must contain :id", r.Name))
			}
			for _, b := range []string{BackendPatients, BackendRecords, BackendScheduling} {
				if _, ok := backends[b]; !ok {
					errs = append(errs, fmt.Errorf("route %s: summary needs backend %q", r.Name, b))
				}
			}
		}

		if r.Idempotent && !slices.Contains(r.Methods, http.MethodPost) {
			errs = append(errs, fmt.Errorf("route %s: idempotent routes must accept POST", r.Name))
		}
		for m := range r.Audit {
			if !slices.Contains(r.Methods, m) {
				errs = append(errs, fmt.Errorf("route %s: audit action for unrouted method %s", r.Name, m))
			}
		}
		if r.Public && (len(r.RequiredScopes) > 0 || len(r.AllowedRoles) > 0 || r.WriteScope != "") {
			errs = append(errs, fmt.Errorf("route %s: public routes cannot carry access rules", r.Name))
		}
	}
	return errors.Join(errs...)
}
