package auth

import (
	"context"
	"slices"
)

type contextKey string

const (
	principalKey  contextKey = "principal"
	UserIDKey     contextKey = "user_id"
	UserRolesKey  contextKey = "user_roles"
	UserScopesKey contextKey = "user_scopes"
)

// Principal is the verified caller of a single request.
type Principal struct {
	Subject string
	Roles   []string
	Scopes  []string
}

// NewPrincipal copies roles and scopes, dropping duplicates and empty values
// while keeping claim order.
func NewPrincipal(subject string, roles, scopes []string) *Principal {
	return &Principal{
		Subject: subject,
		Roles:   dedup(roles),
		Scopes:  dedup(scopes),
	}
}

func dedup(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// HasAllScopes reports whether every scope in required is held.
func (p *Principal) HasAllScopes(required []string) bool {
	for _, s := range required {
		if !p.HasScope(s) {
			return false
		}
	}
	return true
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p *Principal) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// WithPrincipal stores p on ctx along with the flat user values read by
// logging and audit code.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	ctx = context.WithValue(ctx, UserIDKey, p.Subject)
	ctx = context.WithValue(ctx, UserRolesKey, p.Roles)
	ctx = context.WithValue(ctx, UserScopesKey, p.Scopes)
	return ctx
}

func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(UserScopesKey).([]string)
	return scopes
}
