package authn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Code classifies verification failures. Raw provider errors never cross the
// package boundary; callers branch on codes only.
type Code string

const (
	CodeEmptyToken         Code = "empty_token"
	CodeNotConfigured      Code = "not_configured"
	CodeTokenExpired       Code = "token_expired"
	CodeInvalidSignature   Code = "invalid_signature"
	CodeInvalidClaims      Code = "invalid_claims"
	CodeJWKSFetch          Code = "jwks_fetch_failed"
	CodeVerificationFailed Code = "verification_failed"
)

// Error wraps an underlying failure with its classification.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the classification from an error, defaulting to the
// fail-closed catch-all.
func CodeOf(err error) Code {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return CodeVerificationFailed
}

// Payload holds the claims extracted from a verified token. Produced fresh
// per verification call, never cached.
type Payload struct {
	Subject  string
	Groups   []string
	TokenUse string
	Expiry   time.Time
	Issuer   string
}

// Verifier validates tokens against the remote signing-key set of a single
// configured issuer. The key set handle is cached process-wide; replacing the
// issuer drops the old handle and a fresh fetcher is created lazily.
type Verifier struct {
	mu          sync.Mutex
	issuer      string
	groupsClaim string
	client      *http.Client
	cache       *jwk.Cache
	jwksURL     string
}

func NewVerifier(issuer, groupsClaim string, client *http.Client) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if groupsClaim == "" {
		groupsClaim = "cognito:groups"
	}
	return &Verifier{
		issuer:      strings.TrimSpace(issuer),
		groupsClaim: groupsClaim,
		client:      client,
	}
}

// SetIssuer replaces the configured issuer and invalidates the cached key
// set fetcher for the old JWKS URL.
func (v *Verifier) SetIssuer(issuer string) {
	v.mu.Lock()
	v.issuer = strings.TrimSpace(issuer)
	v.cache = nil
	v.jwksURL = ""
	v.mu.Unlock()
}

func (v *Verifier) keySet(ctx context.Context, issuer string) (jwk.Set, error) {
	url := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	v.mu.Lock()
	if v.cache == nil || v.jwksURL != url {
		cache := jwk.NewCache(context.Background())
		if err := cache.Register(url, jwk.WithHTTPClient(v.client), jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			v.mu.Unlock()
			return nil, err
		}
		v.cache = cache
		v.jwksURL = url
	}
	cache := v.cache
	v.mu.Unlock()
	return cache.Get(ctx, url)
}

// Verify checks signature, issuer, and expiry. Audience is deliberately not
// checked: the identity provider's ID tokens carry no audience claim.
func (v *Verifier) Verify(ctx context.Context, token string) (Payload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Payload{}, fail(CodeEmptyToken, errors.New("token is empty"))
	}
	v.mu.Lock()
	issuer := v.issuer
	groupsClaim := v.groupsClaim
	v.mu.Unlock()
	if issuer == "" {
		return Payload{}, fail(CodeNotConfigured, errors.New("issuer is not configured"))
	}

	// A token that does not even parse is never a signature problem.
	if _, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(false)); err != nil {
		return Payload{}, fail(CodeVerificationFailed, err)
	}

	set, err := v.keySet(ctx, issuer)
	if err != nil {
		return Payload{}, fail(CodeJWKSFetch, err)
	}

	tok, err := jwt.Parse([]byte(token),
		jwt.WithKeySet(set),
		jwt.WithIssuer(issuer),
		jwt.WithValidate(true),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired()):
			return Payload{}, fail(CodeTokenExpired, err)
		case errors.Is(err, jwt.ErrInvalidIssuer()):
			return Payload{}, fail(CodeInvalidClaims, err)
		case jwt.IsValidationError(err):
			return Payload{}, fail(CodeInvalidClaims, err)
		default:
			return Payload{}, fail(CodeInvalidSignature, err)
		}
	}

	payload := Payload{
		Subject: tok.Subject(),
		Expiry:  tok.Expiration(),
		Issuer:  tok.Issuer(),
	}
	if payload.Subject == "" {
		return Payload{}, fail(CodeInvalidClaims, errors.New("subject claim missing"))
	}
	if raw, ok := tok.Get("token_use"); ok {
		if s, ok := raw.(string); ok {
			payload.TokenUse = s
		}
	}
	if raw, ok := tok.Get(groupsClaim); ok {
		payload.Groups = asStringSlice(raw)
	}
	return payload, nil
}

func fail(code Code, err error) error {
	log.Printf("authn: verification failed code=%s", code)
	return &Error{Code: code, Err: fmt.Errorf("token verification: %w", err)}
}

func asStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return compactStrings(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
