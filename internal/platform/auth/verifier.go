package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is returned for every verification failure. The concrete
// reason is only logged.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the token payload issued by the identity service.
type Claims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
}

type VerifierConfig struct {
	Secret    []byte
	Algorithm string
	Issuer    string
	Audience  string
	// Leeway tolerates clock skew on nbf/exp. Zero means exact.
	Leeway time.Duration
}

var hmacAlgorithms = []string{"HS256", "HS384", "HS512"}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source used for nbf/exp checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func WithLogger(logger zerolog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// Verifier validates bearer tokens signed with a shared secret. It never
// contacts the identity service.
type Verifier struct {
	cfg    VerifierConfig
	now    func() time.Time
	logger zerolog.Logger
}

func NewVerifier(cfg VerifierConfig, opts ...VerifierOption) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("verifier: signing secret is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	if !slices.Contains(hmacAlgorithms, cfg.Algorithm) {
		return nil, fmt.Errorf("verifier: unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("verifier: issuer and audience are required")
	}

	v := &Verifier{
		cfg:    cfg,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func (v *Verifier) keyFunc(*jwt.Token) (interface{}, error) {
	return v.cfg.Secret, nil
}

// Verify checks signature, issuer, audience and the [nbf, exp) window, in
// that order, and returns the token's principal.
func (v *Verifier) Verify(raw string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc,
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		v.logger.Warn().Err(err).Msg("token rejected")
		return nil, ErrUnauthorized
	}
	if claims.Subject == "" {
		v.logger.Warn().Msg("token rejected: empty subject")
		return nil, ErrUnauthorized
	}
	return NewPrincipal(claims.Subject, claims.Roles, claims.Scopes), nil
}

// Identify returns the subject of a token whose signature, issuer and
// audience are valid, ignoring its time window. It is only meant for keying
// the rate limiter, so expired tokens still count against their owner.
// Returns "" when the token cannot be attributed.
func (v *Verifier) Identify(raw string) string {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, v.keyFunc,
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return ""
	}
	if claims.Issuer != v.cfg.Issuer || !slices.Contains(claims.Audience, v.cfg.Audience) {
		return ""
	}
	return claims.Subject
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
