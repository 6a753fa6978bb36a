package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adaefler-art/codefactory-control-sub000/pkg/allowlist"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/audit"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/authn"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/httpx"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/metrics"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/ratelimit"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/stage"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/stream"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/telemetry"
)

// tokenVerifier is the slice of authn.Verifier the gateway needs; tests
// substitute a fake.
type tokenVerifier interface {
	Verify(ctx context.Context, token string) (authn.Payload, error)
}

type auditAppender interface {
	Append(ctx context.Context, rec audit.Record) error
}

var (
	errTokenUseMismatch = errors.New("token_use claim does not match cookie")
	errNoSessionCookies = errors.New("no session token supplied")
)

// Auth channels, reported upstream in x-afu9-auth-via.
const (
	viaService = "service"
	viaSmoke   = "smoke"
	viaPublic  = "public"
	viaStatus  = "status"
	viaSession = "session"
)

// identity is the outcome of a successful authorization branch: who (if
// anyone) the request acts as and which channel admitted it.
type identity struct {
	Subject string
	Groups  []string
	Via     string
}

// Server is the authorization gateway. Every request either reaches the
// upstream through forward, with trusted headers rebuilt from scratch, or is
// terminated here.
type Server struct {
	cfg      Config
	verifier tokenVerifier
	resolver *stage.Resolver
	access   *stage.Access

	allowlist *allowlist.Cache
	store     *allowlist.Store

	audit   auditAppender
	metrics *metrics.Registry
	events  *stream.Hub
	limiter ratelimit.Limiter

	proxy http.Handler
	admin http.Handler

	smokeKey       string
	smokeKeyFormat string
	auditSalt      []byte
}

func NewServer(cfg Config, verifier tokenVerifier, lister *allowlist.Store, auditor auditAppender, limiter ratelimit.Limiter, proxy http.Handler) *Server {
	ttl := time.Duration(cfg.AllowlistTTLSec) * time.Second
	key, format := parseSmokeKey(cfg.SmokeKeyRaw)
	s := &Server{
		cfg:            cfg,
		verifier:       verifier,
		resolver:       stage.NewResolver(cfg.StagingHosts, cfg.ProdHosts, stage.Parse(cfg.DefaultStage)),
		access:         stage.NewAccess(cfg.GroupsDev, cfg.GroupsStaging, cfg.GroupsProd),
		allowlist:      allowlist.NewCache(lister, ttl, cfg.AllowlistBypassCache),
		store:          lister,
		audit:          auditor,
		metrics:        metrics.NewRegistry(),
		events:         stream.NewHub(),
		limiter:        limiter,
		proxy:          proxy,
		smokeKey:       key,
		smokeKeyFormat: format,
		auditSalt:      []byte(cfg.AuditSalt),
	}
	s.admin = s.adminRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("afu9-gateway"))
	r.Use(s.observeMiddleware)
	r.Handle("/*", http.HandlerFunc(s.serveGateway))
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.Observe(normalizePath(r.URL.Path), rec.status, time.Since(start))
	})
}

// serveGateway is the whole decision tree. Branch order is load-bearing:
// service token, smoke fixed set, smoke allowlist, status routes, public
// routes, then cookie sessions. Every inbound trusted header is discarded
// before the verdict and rebuilt only on forward.
func (s *Server) serveGateway(w http.ResponseWriter, r *http.Request) {
	rc := newRequestContext(r)
	w.Header().Set(headerRequestID, rc.RequestID)
	st := s.resolver.ForHostname(rc.Hostname)

	if s.limiter != nil && s.cfg.RateLimitEnabled {
		d := s.limiter.Allow(clientIP(r), s.cfg.RateLimitPerMinute)
		if !d.Allowed {
			s.record(rc, st, "deny", "", "rate_limited", "")
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	suppliedSmokeKey := r.Header.Get(headerSmokeKey)
	smokeMatch := suppliedSmokeKey != "" && secretEqual(suppliedSmokeKey, s.smokeKey)
	if suppliedSmokeKey != "" && st == stage.Staging && rc.IsAPI {
		s.writeSmokeDebugHeaders(w, smokeMatch)
	}

	// 1. Service read token, GET-only on its fixed route shape.
	if token := r.Header.Get(headerServiceToken); token != "" && isServiceTokenRoute(rc.Method, rc.Path) {
		if secretEqual(token, s.cfg.ServiceReadToken) {
			s.forward(w, r, rc, st, identity{Via: viaService})
			return
		}
		s.record(rc, st, "deny", viaService, "service_token_mismatch", "")
		httpx.Error(w, http.StatusForbidden, "invalid service token")
		return
	}

	// 2. Smoke key against the fixed diagnostics set, staging only.
	if smokeMatch && st == stage.Staging && rc.Method == http.MethodGet {
		if _, ok := fixedDiagnosticsRoutes[rc.Path]; ok {
			w.Header().Set(headerSmokeAuthUsed, "1")
			s.forward(w, r, rc, st, identity{Via: viaSmoke})
			return
		}
	}

	// 3. Smoke key against the DB-backed allowlist, staging only. A fetch
	// failure with a matched key is terminal: better a visible 503 than a
	// silent widening of the allowlist.
	if smokeMatch && st == stage.Staging {
		entries, code := s.allowlist.Get(r.Context())
		if code != "" {
			w.Header().Set(headerAllowlistError, code)
			s.record(rc, st, "deny", viaSmoke, code, "")
			httpx.Error(w, http.StatusServiceUnavailable, "allowlist unavailable")
			return
		}
		if allowlist.Match(rc.Path, rc.Method, entries) {
			w.Header().Set(headerSmokeAuthUsed, "1")
			s.forward(w, r, rc, st, identity{Via: viaSmoke})
			return
		}
		// No match falls through to ordinary auth.
	}

	// 4. Unauthenticated status routes, GET-only, staging hosts unless the
	// public override is on.
	if rc.Method == http.MethodGet {
		if _, ok := stagingStatusRoutes[rc.Path]; ok && (st == stage.Staging || s.cfg.PublicStatusEndpoints) {
			s.forward(w, r, rc, st, identity{Via: viaStatus})
			return
		}
	}

	// 5. Public routes. The refresh endpoint is state-changing and cookie
	// driven, so it carries the CSRF origin check.
	if _, ok := publicRoutes[rc.Path]; ok {
		if rc.Method == http.MethodPost && rc.Path == normalizePath(s.cfg.RefreshPath) {
			if err := checkCSRF(r); err != nil {
				s.record(rc, st, "deny", viaPublic, "csrf_rejected", "")
				httpx.Error(w, http.StatusForbidden, "cross-origin request rejected")
				return
			}
		}
		s.forward(w, r, rc, st, identity{Via: viaPublic})
		return
	}

	// 6. Cookie session.
	idCookie := cookieValue(r, s.cfg.CookieIDToken)
	accessCookie := cookieValue(r, s.cfg.CookieAccessToken)
	refreshCookie := cookieValue(r, s.cfg.CookieRefreshToken)

	if idCookie == "" && accessCookie == "" {
		if refreshCookie != "" && !rc.IsAPI {
			s.redirectToRefresh(w, r, rc, st)
			return
		}
		s.unauthorized(w, r, rc, st, "no_session")
		return
	}

	payload, err := s.verifySession(r.Context(), idCookie, accessCookie)
	if err != nil {
		if refreshCookie != "" && !rc.IsAPI {
			s.redirectToRefresh(w, r, rc, st)
			return
		}
		// The tokens are present but unusable; expire them so the client
		// does not keep replaying them.
		s.clearSessionCookies(w)
		s.unauthorized(w, r, rc, st, string(authn.CodeOf(err)))
		return
	}

	// ID tokens from some pools omit the groups claim; the access token for
	// the same session carries it.
	if len(payload.Groups) == 0 && idCookie != "" && accessCookie != "" {
		if enriched, err := s.verifier.Verify(r.Context(), accessCookie); err == nil {
			payload.Groups = enriched.Groups
		}
	}

	// 7. Stage access.
	if !s.access.HasStageAccess(payload.Groups, st) {
		s.record(rc, st, "deny", viaSession, "stage_access_denied", payload.Subject)
		if rc.IsAPI {
			httpx.Error(w, http.StatusForbidden, "not authorized for this stage")
			return
		}
		w.Header().Set("Location", s.cfg.SignInPath)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// 8. Forward as an authenticated session.
	s.forward(w, r, rc, st, identity{Subject: payload.Subject, Groups: payload.Groups, Via: viaSession})
}

// verifySession prefers the ID token and falls back to the access token.
// A token whose token_use contradicts the cookie it arrived in is a claim
// mismatch, not a usable session.
func (s *Server) verifySession(ctx context.Context, idToken, accessToken string) (authn.Payload, error) {
	var lastErr error
	if idToken != "" {
		payload, err := s.verifier.Verify(ctx, idToken)
		if err == nil {
			if payload.TokenUse == "" || payload.TokenUse == "id" {
				return payload, nil
			}
			err = &authn.Error{Code: authn.CodeInvalidClaims, Err: errTokenUseMismatch}
		}
		lastErr = err
	}
	if accessToken != "" {
		payload, err := s.verifier.Verify(ctx, accessToken)
		if err == nil {
			if payload.TokenUse == "" || payload.TokenUse == "access" {
				return payload, nil
			}
			err = &authn.Error{Code: authn.CodeInvalidClaims, Err: errTokenUseMismatch}
		}
		if lastErr == nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = &authn.Error{Code: authn.CodeEmptyToken, Err: errNoSessionCookies}
	}
	return authn.Payload{}, lastErr
}

// clearSessionCookies expires the id and access cookies. The refresh cookie
// is left alone so the refresh endpoint can still rotate the session.
func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{s.cfg.CookieIDToken, s.cfg.CookieAccessToken} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   s.cfg.CookieDomain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
			SameSite: s.cfg.SameSite(),
		})
	}
}

func (s *Server) redirectToRefresh(w http.ResponseWriter, r *http.Request, rc requestContext, st stage.Stage) {
	s.record(rc, st, "redirect", viaSession, "refresh_redirect", "")
	target := s.cfg.RefreshPath + "?return_to=" + url.QueryEscape(rc.Path)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, rc requestContext, st stage.Stage, reason string) {
	if rc.IsAPI {
		s.record(rc, st, "deny", viaSession, reason, "")
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	s.record(rc, st, "redirect", viaSession, reason, "")
	http.Redirect(w, r, s.cfg.SignInPath, http.StatusFound)
}

// forward rebuilds the trusted header set from the verdict and hands the
// request to the upstream proxy, or to the local admin surface for
// /api/admin/ paths.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, rc requestContext, st stage.Stage, id identity) {
	for _, h := range trustedHeaders {
		r.Header.Del(h)
	}
	r.Header.Set(headerStage, string(st))
	r.Header.Set(headerAuthVia, id.Via)
	if id.Subject != "" {
		r.Header.Set(headerSub, id.Subject)
	}
	if len(id.Groups) > 0 {
		r.Header.Set(headerGroups, strings.Join(id.Groups, ","))
	}
	r.Header.Set(headerRequestID, rc.RequestID)

	if id.Via != viaSession {
		s.record(rc, st, "allow", id.Via, "ok", id.Subject)
	} else {
		s.decided(rc, st, "allow", id.Via, "ok", id.Subject)
	}

	if strings.HasPrefix(rc.Path, "/api/admin/") || rc.Path == "/api/admin" {
		s.admin.ServeHTTP(w, r)
		return
	}
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) writeSmokeDebugHeaders(w http.ResponseWriter, match bool) {
	w.Header().Set(headerSmokeKeyMatch, boolFlag(match))
	w.Header().Set(headerSmokeKeyEnvPresent, boolFlag(s.smokeKey != ""))
	w.Header().Set(headerSmokeKeyFormat, s.smokeKeyFormat)
}

// record persists the outcome and publishes it; decided only publishes.
// Plain session allows are high-volume and carry no anomaly signal, so they
// skip the audit table.
func (s *Server) record(rc requestContext, st stage.Stage, outcome, via, reason, subject string) {
	s.decided(rc, st, outcome, via, reason, subject)
	if s.audit == nil {
		return
	}
	rec := audit.Record{
		RequestID:   rc.RequestID,
		Hostname:    stage.NormalizeHostname(rc.Hostname),
		Path:        rc.Path,
		Method:      rc.Method,
		Stage:       string(st),
		Outcome:     outcome,
		Via:         via,
		ReasonCode:  reason,
		SubjectHash: audit.HashSubject(s.auditSalt, subject),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.audit.Append(ctx, rec)
}

func (s *Server) decided(rc requestContext, st stage.Stage, outcome, via, reason, subject string) {
	s.metrics.Decision(outcome, via, reason)
	s.events.Publish(stream.NewDecisionEvent("decision", map[string]string{
		"requestId":   rc.RequestID,
		"path":        rc.Path,
		"method":      rc.Method,
		"stage":       string(st),
		"outcome":     outcome,
		"via":         via,
		"reason":      reason,
		"subjectHash": audit.HashSubject(s.auditSalt, subject),
	}))
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
