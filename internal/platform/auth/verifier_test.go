package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

const (
	testIssuer   = "auth-service"
	testAudience = "emr-gateway"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func createTestToken(t *testing.T, method jwt.SigningMethod, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(30 * time.Minute)),
		},
		Roles:  []string{"MEDICO"},
		Scopes: []string{"patients:read", "records:read"},
	}
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{
		Secret:    testSigningKey,
		Algorithm: "HS256",
		Issuer:    testIssuer,
		Audience:  testAudience,
	}, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerify_ValidToken(t *testing.T) {
	v := newTestVerifier(t)
	tokenStr := createTestToken(t, jwt.SigningMethodHS256, validClaims(), testSigningKey)

	p, err := v.Verify(tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Subject != "user-123" {
		t.Errorf("expected subject user-123, got %q", p.Subject)
	}
	if !p.HasRole("MEDICO") {
		t.Errorf("expected role MEDICO, got %v", p.Roles)
	}
	if !p.HasAllScopes([]string{"patients:read", "records:read"}) {
		t.Errorf("unexpected scopes %v", p.Scopes)
	}
}

func TestVerify_SingleMutationFails(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Claims)
		key    []byte
	}{
		{"bad signature", func(*Claims) {}, []byte("some-other-secret")},
		{"wrong issuer", func(c *Claims) { c.Issuer = "someone-else" }, testSigningKey},
		{"wrong audience", func(c *Claims) { c.Audience = jwt.ClaimStrings{"other-api"} }, testSigningKey},
		{"expired", func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Second)) }, testSigningKey},
		{"expires exactly now", func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(testNow) }, testSigningKey},
		{"not yet valid", func(c *Claims) { c.NotBefore = jwt.NewNumericDate(testNow.Add(time.Minute)) }, testSigningKey},
		{"missing expiry", func(c *Claims) { c.ExpiresAt = nil }, testSigningKey},
		{"empty subject", func(c *Claims) { c.Subject = "" }, testSigningKey},
	}

	v := newTestVerifier(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(&claims)
			tokenStr := createTestToken(t, jwt.SigningMethodHS256, claims, tt.key)

			_, err := v.Verify(tokenStr)
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestVerify_NotBeforeBoundaryIsInclusive(t *testing.T) {
	v := newTestVerifier(t)
	claims := validClaims()
	claims.NotBefore = jwt.NewNumericDate(testNow)
	tokenStr := createTestToken(t, jwt.SigningMethodHS256, claims, testSigningKey)

	if _, err := v.Verify(tokenStr); err != nil {
		t.Errorf("expected token valid at nbf, got %v", err)
	}
}

func TestVerify_RejectsOtherAlgorithm(t *testing.T) {
	v := newTestVerifier(t)
	tokenStr := createTestToken(t, jwt.SigningMethodHS512, validClaims(), testSigningKey)

	if _, err := v.Verify(tokenStr); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for HS512 token, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	v := newTestVerifier(t)
	for _, raw := range []string{"", "abc", "a.b.c", "not-a-jwt-at-all"} {
		if _, err := v.Verify(raw); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Verify(%q): expected ErrUnauthorized, got %v", raw, err)
		}
	}
}

func TestIdentify_IgnoresExpiry(t *testing.T) {
	v := newTestVerifier(t)
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Hour))
	tokenStr := createTestToken(t, jwt.SigningMethodHS256, claims, testSigningKey)

	if got := v.Identify(tokenStr); got != "user-123" {
		t.Errorf("expected user-123, got %q", got)
	}
}

func TestIdentify_RejectsUntrusted(t *testing.T) {
	v := newTestVerifier(t)

	forged := createTestToken(t, jwt.SigningMethodHS256, validClaims(), []byte("forged"))
	if got := v.Identify(forged); got != "" {
		t.Errorf("expected empty subject for forged token, got %q", got)
	}

	claims := validClaims()
	claims.Audience = jwt.ClaimStrings{"other"}
	wrongAud := createTestToken(t, jwt.SigningMethodHS256, claims, testSigningKey)
	if got := v.Identify(wrongAud); got != "" {
		t.Errorf("expected empty subject for wrong audience, got %q", got)
	}
}

func TestNewVerifier_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  VerifierConfig
	}{
		{"missing secret", VerifierConfig{Issuer: "i", Audience: "a"}},
		{"asymmetric algorithm", VerifierConfig{Secret: testSigningKey, Algorithm: "RS256", Issuer: "i", Audience: "a"}},
		{"missing issuer", VerifierConfig{Secret: testSigningKey, Audience: "a"}},
		{"missing audience", VerifierConfig{Secret: testSigningKey, Issuer: "i"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewVerifier(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"Token abc123", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := ParseBearer(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Errorf("ParseBearer(%q) = (%q, %v), want (%q, %v)", tt.header, token, ok, tt.token, tt.ok)
		}
	}
}
