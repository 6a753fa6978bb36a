package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Config is resolved from the environment exactly once at startup so the
// fail-closed defaults stay auditable in one place.
type Config struct {
	Addr        string `envconfig:"ADDR" default:":8080"`
	UpstreamURL string `envconfig:"AFU9_UPSTREAM_URL" default:"http://localhost:3000"`

	// Token issuer: either the full URL, or a region+pool pair the issuer is
	// composed from.
	IssuerURL   string `envconfig:"AFU9_ISSUER_URL"`
	IDPRegion   string `envconfig:"AFU9_IDP_REGION"`
	IDPPoolID   string `envconfig:"AFU9_IDP_POOL_ID"`
	GroupsClaim string `envconfig:"AFU9_GROUPS_CLAIM" default:"cognito:groups"`

	GroupsDev     string `envconfig:"AFU9_GROUPS_DEV" default:"afu9-developers"`
	GroupsStaging string `envconfig:"AFU9_GROUPS_STAGING" default:"afu9-developers,afu9-operators"`
	GroupsProd    string `envconfig:"AFU9_GROUPS_PROD" default:"afu9-operators"`

	DefaultStage string   `envconfig:"AFU9_DEFAULT_STAGE" default:"dev"`
	StagingHosts []string `envconfig:"AFU9_STAGING_HOSTS"`
	ProdHosts    []string `envconfig:"AFU9_PROD_HOSTS"`

	CookieIDToken      string `envconfig:"AFU9_COOKIE_ID_TOKEN" default:"afu9_id_token"`
	CookieAccessToken  string `envconfig:"AFU9_COOKIE_ACCESS_TOKEN" default:"afu9_access_token"`
	CookieRefreshToken string `envconfig:"AFU9_COOKIE_REFRESH_TOKEN" default:"afu9_refresh_token"`
	CookieDomain       string `envconfig:"AFU9_COOKIE_DOMAIN"`
	CookieSameSite     string `envconfig:"AFU9_COOKIE_SAMESITE" default:"lax"`

	SignInPath  string `envconfig:"AFU9_SIGNIN_PATH" default:"/signin"`
	RefreshPath string `envconfig:"AFU9_REFRESH_PATH" default:"/api/auth/refresh"`

	ServiceReadToken string `envconfig:"AFU9_SERVICE_READ_TOKEN"`
	// Plain string or JSON-wrapped under "key"/"smokeKey".
	SmokeKeyRaw string `envconfig:"AFU9_SMOKE_KEY"`

	PublicStatusEndpoints bool `envconfig:"AFU9_PUBLIC_STATUS_ENDPOINTS"`

	AllowlistTTLSec      int  `envconfig:"AFU9_ALLOWLIST_TTL_SEC" default:"30"`
	AllowlistBypassCache bool `envconfig:"AFU9_ALLOWLIST_BYPASS_CACHE"`

	RateLimitEnabled   bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RateLimitPerMinute int  `envconfig:"RATE_LIMIT_PER_MINUTE" default:"240"`

	AuditSalt string `envconfig:"AFU9_AUDIT_SALT"`

	HTTPReadHeaderTimeoutSec int `envconfig:"HTTP_READ_HEADER_TIMEOUT_SEC" default:"5"`
	HTTPReadTimeoutSec       int `envconfig:"HTTP_READ_TIMEOUT_SEC" default:"15"`
	HTTPWriteTimeoutSec      int `envconfig:"HTTP_WRITE_TIMEOUT_SEC" default:"30"`
	HTTPIdleTimeoutSec       int `envconfig:"HTTP_IDLE_TIMEOUT_SEC" default:"120"`
}

// Issuer returns the configured issuer URL; empty means token verification
// is unconfigured and every verification fails closed.
func (c Config) Issuer() string {
	if iss := strings.TrimSpace(c.IssuerURL); iss != "" {
		return iss
	}
	region := strings.TrimSpace(c.IDPRegion)
	poolID := strings.TrimSpace(c.IDPPoolID)
	if region != "" && poolID != "" {
		return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, poolID)
	}
	return ""
}

// SameSite maps the configured policy name onto http.SameSite; unknown
// values fall back to Lax.
func (c Config) SameSite() http.SameSite {
	switch strings.ToLower(strings.TrimSpace(c.CookieSameSite)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// parseSmokeKey accepts the key as a plain string or JSON-wrapped under
// "key" or "smokeKey". The format tag feeds the staging debug headers.
func parseSmokeKey(raw string) (key, format string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "empty"
	}
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Key      string `json:"key"`
			SmokeKey string `json:"smokeKey"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapped); err != nil {
			return "", "json"
		}
		if wrapped.Key != "" {
			return wrapped.Key, "json"
		}
		if wrapped.SmokeKey != "" {
			return wrapped.SmokeKey, "json"
		}
		return "", "json"
	}
	return trimmed, "plain"
}
