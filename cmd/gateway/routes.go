package main

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Trusted headers are set exclusively by the gateway after verification and
// stripped from every inbound request before reuse.
const (
	headerRequestID = "x-request-id"
	headerSub       = "x-afu9-sub"
	headerStage     = "x-afu9-stage"
	headerGroups    = "x-afu9-groups"
	headerAuthDebug = "x-afu9-auth-debug"
	headerAuthVia   = "x-afu9-auth-via"

	headerServiceToken  = "x-afu9-service-token"
	headerSmokeKey      = "x-afu9-smoke-key"
	headerSmokeAuthUsed = "x-afu9-smoke-auth-used"

	headerAllowlistError     = "x-afu9-allowlist-error"
	headerSmokeKeyMatch      = "x-afu9-smokekey-match"
	headerSmokeKeyEnvPresent = "x-afu9-smokekey-env-present"
	headerSmokeKeyFormat     = "x-afu9-smokekey-format"
)

var trustedHeaders = []string{headerSub, headerStage, headerGroups, headerAuthDebug, headerAuthVia}

// publicRoutes bypass all gateway checks unconditionally. The GitHub webhook
// authenticates itself via signature, never via this gateway.
var publicRoutes = map[string]struct{}{
	"/api/auth/login":             {},
	"/api/auth/callback":          {},
	"/api/auth/logout":            {},
	"/api/auth/refresh":           {},
	"/api/health":                 {},
	"/api/ready":                  {},
	"/api/internal/deploy-events": {},
	"/api/github/webhook":         {},
	"/signin":                     {},
	"/favicon.ico":                {},
}

// fixedDiagnosticsRoutes accept the smoke key without an allowlist lookup,
// staging hosts only.
var fixedDiagnosticsRoutes = map[string]struct{}{
	"/api/smoke":          {},
	"/api/version":        {},
	"/api/timeline/chain": {},
}

// stagingStatusRoutes are reachable without credentials on staging hosts
// (or everywhere when the public-status override is on), GET only.
var stagingStatusRoutes = map[string]struct{}{
	"/api/status":         {},
	"/api/health/details": {},
	"/api/deploy/status":  {},
}

// serviceTokenRoutePattern covers the read-only issue listing/detail routes
// that accept the service read token.
var serviceTokenRoutePattern = regexp.MustCompile(`^/api/issues(/[^/]+)?$`)

func isServiceTokenRoute(method, path string) bool {
	return method == http.MethodGet && serviceTokenRoutePattern.MatchString(path)
}

// requestContext holds the per-request derived values every branch needs.
type requestContext struct {
	RequestID string
	Hostname  string
	Path      string
	Method    string
	IsAPI     bool
}

func newRequestContext(r *http.Request) requestContext {
	path := normalizePath(r.URL.Path)
	return requestContext{
		RequestID: uuid.NewString(),
		Hostname:  r.Host,
		Path:      path,
		Method:    r.Method,
		IsAPI:     strings.HasPrefix(path, "/api/"),
	}
}

// normalizePath strips trailing slashes except on the root path.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("x-forwarded-for")); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
