package auth

import (
	"fmt"
	"net/http"
)

// RouteRule is the declarative access requirement of a route.
type RouteRule struct {
	RequiredScopes []string `yaml:"required_scopes" json:"required_scopes"`
	AllowedRoles   []string `yaml:"allowed_roles" json:"allowed_roles"`
	// WriteScope is additionally required for state-changing methods.
	WriteScope string `yaml:"write_scope" json:"write_scope,omitempty"`
}

// ForbiddenError is returned when an authenticated principal lacks the
// privileges a route requires.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// IsStateChanging reports whether method mutates backend state.
func IsStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Evaluate applies rule to p for the given method. Scopes are checked
// before roles, and the write scope only after both pass.
func Evaluate(p *Principal, rule RouteRule, method string) error {
	if p == nil {
		return ErrUnauthorized
	}
	if !p.HasAllScopes(rule.RequiredScopes) {
		return &ForbiddenError{Reason: "missing scopes"}
	}
	if len(rule.AllowedRoles) > 0 && !p.HasAnyRole(rule.AllowedRoles) {
		return &ForbiddenError{Reason: "missing role"}
	}
	if rule.WriteScope != "" && IsStateChanging(method) && !p.HasScope(rule.WriteScope) {
		return &ForbiddenError{Reason: fmt.Sprintf("%s required", rule.WriteScope)}
	}
	return nil
}
