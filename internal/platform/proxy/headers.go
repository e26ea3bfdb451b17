package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/ehr/emr-gateway/internal/platform/auth"
)

// Identity headers injected toward backends.
const (
	HeaderUserID     = "X-User-Id"
	HeaderUserRoles  = "X-User-Roles"
	HeaderUserScopes = "X-User-Scopes"
	HeaderRequestID  = "X-Request-ID"
)

// hopByHopHeaders are transport-scoped and never relayed (RFC 9110 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop headers, any header named in Connection,
// and Content-Length, which is recomputed for the relayed body.
func stripHopByHop(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	h.Del("Content-Length")
}

// SanitizeHeaders returns a copy of in that is safe to send to a backend.
// Caller-supplied identity headers are always dropped; when p is non-nil the
// verified identity replaces them.
func SanitizeHeaders(in http.Header, p *auth.Principal) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	stripHopByHop(out)
	out.Del("Host")
	out.Del(HeaderUserID)
	out.Del(HeaderUserRoles)
	out.Del(HeaderUserScopes)

	if p != nil {
		out.Set(HeaderUserID, p.Subject)
		out.Set(HeaderUserRoles, strings.Join(p.Roles, ","))
		out.Set(HeaderUserScopes, strings.Join(p.Scopes, ","))
	}
	return out
}

// setForwarded appends the caller's address to X-Forwarded-For and records
// the original scheme and host.
func setForwarded(h http.Header, r *http.Request) {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	if clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	h.Set("X-Forwarded-Proto", scheme)
	if r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
}
