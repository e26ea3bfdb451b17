package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// CORSDefaults sets Access-Control-Allow-Origin "*" on responses to requests
// without an Origin header, which echo's CORS middleware leaves alone. It only
// applies to a wildcard allow-list; an empty list counts as "*".
func CORSDefaults(allowOrigins []string) echo.MiddlewareFunc {
	wildcard := len(allowOrigins) == 0
	for _, o := range allowOrigins {
		if o == "*" {
			wildcard = true
			break
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if wildcard && c.Request().Header.Get(echo.HeaderOrigin) == "" {
				h := c.Response().Header()
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
				h.Set(echo.HeaderAccessControlExposeHeaders, exposedHeaders)
			}
			return next(c)
		}
	}
}

// ExposedHeaders lists the response headers browsers may read.
var ExposedHeaders = []string{RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"}

var exposedHeaders = strings.Join(ExposedHeaders, ",")
