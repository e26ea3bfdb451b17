package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestConstructors_StatusAndKind(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		status int
		kind   string
	}{
		{"bad request", BadRequest("x"), http.StatusBadRequest, KindBadRequest},
		{"unauthorized", Unauthorized(), http.StatusUnauthorized, KindUnauthorized},
		{"forbidden", Forbidden("missing role"), http.StatusForbidden, KindForbidden},
		{"conflict", Conflict("duplicate"), http.StatusConflict, KindConflict},
		{"rate limited", TooManyRequests(), http.StatusTooManyRequests, KindRateLimited},
		{"bad gateway", BadGateway("dial tcp"), http.StatusBadGateway, KindBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, tt.err.Status)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, tt.err.Kind)
			}
		})
	}
}

func TestUnauthorized_HasNoDetail(t *testing.T) {
	if d := Unauthorized().Detail; d != "" {
		t.Errorf("expected empty detail, got %q", d)
	}
}

func TestFrom_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("stage: %w", Forbidden("missing scopes"))
	got := From(wrapped)
	if got.Status != http.StatusForbidden || got.Detail != "missing scopes" {
		t.Errorf("unexpected conversion: %+v", got)
	}
}

func TestFrom_EchoHTTPError(t *testing.T) {
	got := From(echo.ErrNotFound)
	if got.Status != http.StatusNotFound || got.Kind != KindNotFound {
		t.Errorf("unexpected conversion: %+v", got)
	}
	got = From(echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too big"))
	if got.Kind != KindPayloadTooLarge || got.Detail != "too big" {
		t.Errorf("unexpected conversion: %+v", got)
	}
}

func TestFrom_UnknownError(t *testing.T) {
	got := From(errors.New("boom"))
	if got.Status != http.StatusInternalServerError || got.Kind != KindInternal {
		t.Errorf("unexpected conversion: %+v", got)
	}
}

func TestHTTPErrorHandler_WritesEnvelope(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.Nop())(Conflict("duplicate"), c)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Error != KindConflict || body.Detail != "duplicate" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHTTPErrorHandler_OmitsEmptyDetail(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.Nop())(Unauthorized(), c)

	var raw map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["detail"]; ok {
		t.Errorf("expected no detail field, got %v", raw)
	}
}
