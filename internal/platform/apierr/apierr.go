// Package apierr defines the gateway's JSON error envelope and the echo error
// handler that renders it.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Error kinds carried in the "error" field of the envelope.
const (
	KindBadRequest       = "bad_request"
	KindUnauthorized     = "unauthorized"
	KindForbidden        = "forbidden"
	KindNotFound         = "not_found"
	KindMethodNotAllowed = "method_not_allowed"
	KindConflict         = "conflict"
	KindPayloadTooLarge  = "payload_too_large"
	KindRateLimited      = "rate_limited"
	KindInternal         = "internal_error"
	KindBadGateway       = "bad_gateway"
)

// Envelope is the response body for every error the gateway produces itself.
type Envelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Error is a terminal gateway outcome with its HTTP status.
type Error struct {
	Status int
	Kind   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Kind)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Detail)
}

// StatusCode lets instrumentation read the status before the error handler
// runs.
func (e *Error) StatusCode() int {
	return e.Status
}

func New(status int, kind, detail string) *Error {
	return &Error{Status: status, Kind: kind, Detail: detail}
}

func BadRequest(detail string) *Error {
	return New(http.StatusBadRequest, KindBadRequest, detail)
}

// Unauthorized never carries a detail so callers cannot tell verification
// failures apart.
func Unauthorized() *Error {
	return New(http.StatusUnauthorized, KindUnauthorized, "")
}

func Forbidden(detail string) *Error {
	return New(http.StatusForbidden, KindForbidden, detail)
}

func Conflict(detail string) *Error {
	return New(http.StatusConflict, KindConflict, detail)
}

func TooManyRequests() *Error {
	return New(http.StatusTooManyRequests, KindRateLimited, "Too many requests")
}

func BadGateway(detail string) *Error {
	return New(http.StatusBadGateway, KindBadGateway, detail)
}

// kindForStatus maps statuses raised by echo itself (routing, body limits,
// recovered panics) onto envelope kinds.
func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusConflict:
		return KindConflict
	case http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadGateway:
		return KindBadGateway
	default:
		if status >= 500 {
			return KindInternal
		}
		return KindBadRequest
	}
}

// From converts any error into an *Error. Unknown errors become 500s.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		detail := ""
		if msg, ok := httpErr.Message.(string); ok {
			detail = msg
		}
		if httpErr.Code == http.StatusNotFound || httpErr.Code == http.StatusMethodNotAllowed {
			detail = ""
		}
		return New(httpErr.Code, kindForStatus(httpErr.Code), detail)
	}
	return New(http.StatusInternalServerError, KindInternal, "")
}

// HTTPErrorHandler returns an echo.HTTPErrorHandler that writes the envelope.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		apiErr := From(err)
		if apiErr.Status >= http.StatusInternalServerError && apiErr.Kind == KindInternal {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(apiErr.Status)
		} else {
			werr = c.JSON(apiErr.Status, Envelope{Error: apiErr.Kind, Detail: apiErr.Detail})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}
