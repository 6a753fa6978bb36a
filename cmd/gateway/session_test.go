package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adaefler-art/codefactory-control-sub000/pkg/authn"
)

func TestVerifySessionPrefersIDToken(t *testing.T) {
	verifier := &fakeVerifier{payloads: map[string]authn.Payload{
		"id-tok":  {Subject: "id-subject", TokenUse: "id"},
		"acc-tok": {Subject: "acc-subject", TokenUse: "access"},
	}}
	s, _, _ := newTestServer(testConfig(), verifier, nil)

	payload, err := s.verifySession(context.Background(), "id-tok", "acc-tok")
	if err != nil {
		t.Fatalf("verifySession: %v", err)
	}
	if payload.Subject != "id-subject" {
		t.Fatalf("expected ID token to win, got %q", payload.Subject)
	}
	if len(verifier.calls) != 1 {
		t.Fatalf("access token should not be verified when ID token passes, %d calls", len(verifier.calls))
	}
}

func TestVerifySessionFallsBackToAccessToken(t *testing.T) {
	verifier := &fakeVerifier{
		payloads: map[string]authn.Payload{"acc-tok": {Subject: "acc-subject", TokenUse: "access"}},
		errs:     map[string]error{"id-tok": &authn.Error{Code: authn.CodeInvalidSignature, Err: errors.New("bad sig")}},
	}
	s, _, _ := newTestServer(testConfig(), verifier, nil)

	payload, err := s.verifySession(context.Background(), "id-tok", "acc-tok")
	if err != nil {
		t.Fatalf("verifySession: %v", err)
	}
	if payload.Subject != "acc-subject" {
		t.Fatalf("expected access token fallback, got %q", payload.Subject)
	}
}

func TestVerifySessionTokenUseMismatch(t *testing.T) {
	// An access token smuggled into the ID cookie must not establish a
	// session by itself.
	verifier := &fakeVerifier{payloads: map[string]authn.Payload{
		"acc-in-id-slot": {Subject: "u", TokenUse: "access"},
	}}
	s, _, _ := newTestServer(testConfig(), verifier, nil)

	_, err := s.verifySession(context.Background(), "acc-in-id-slot", "")
	if err == nil {
		t.Fatal("expected token_use mismatch error")
	}
	if authn.CodeOf(err) != authn.CodeInvalidClaims {
		t.Fatalf("unexpected code %q", authn.CodeOf(err))
	}
}

func TestVerifySessionIDSlotMismatchUsesAccessCookie(t *testing.T) {
	verifier := &fakeVerifier{payloads: map[string]authn.Payload{
		"acc-in-id-slot": {Subject: "u", TokenUse: "access"},
		"acc-tok":        {Subject: "u", TokenUse: "access", Groups: []string{"afu9-developers"}},
	}}
	s, _, _ := newTestServer(testConfig(), verifier, nil)

	payload, err := s.verifySession(context.Background(), "acc-in-id-slot", "acc-tok")
	if err != nil {
		t.Fatalf("verifySession: %v", err)
	}
	if len(payload.Groups) != 1 {
		t.Fatalf("expected access cookie payload, got %+v", payload)
	}
}

func TestVerifySessionNoTokens(t *testing.T) {
	s, _, _ := newTestServer(testConfig(), &fakeVerifier{}, nil)
	_, err := s.verifySession(context.Background(), "", "")
	if err == nil {
		t.Fatal("expected error with no tokens")
	}
	if authn.CodeOf(err) != authn.CodeEmptyToken {
		t.Fatalf("unexpected code %q", authn.CodeOf(err))
	}
}

func TestGroupEnrichmentFromAccessToken(t *testing.T) {
	// Some pools omit groups on the ID token; the paired access token
	// carries them.
	verifier := &fakeVerifier{payloads: map[string]authn.Payload{
		"id-tok":  {Subject: "user-3", TokenUse: "id"},
		"acc-tok": {Subject: "user-3", TokenUse: "access", Groups: []string{"afu9-operators"}},
	}}
	s, up, _ := newTestServer(testConfig(), verifier, nil)

	req := httptest.NewRequest(http.MethodGet, "http://"+testProdHost+"/api/issues", nil)
	req.AddCookie(&http.Cookie{Name: "afu9_id_token", Value: "id-tok"})
	req.AddCookie(&http.Cookie{Name: "afu9_access_token", Value: "acc-tok"})

	w := doGateway(s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected enriched groups to grant prod access, got %d", w.Code)
	}
	if got := up.header.Get(headerGroups); got != "afu9-operators" {
		t.Fatalf("expected enriched groups header, got %q", got)
	}
}

func TestInvalidTokensAreClearedOn401(t *testing.T) {
	verifier := &fakeVerifier{errs: map[string]error{
		"bad-id": &authn.Error{Code: authn.CodeInvalidSignature, Err: errors.New("bad sig")},
	}}
	s, _, _ := newTestServer(testConfig(), verifier, nil)

	req := httptest.NewRequest(http.MethodGet, "http://"+testStagingHost+"/api/issues", nil)
	req.AddCookie(&http.Cookie{Name: "afu9_id_token", Value: "bad-id"})

	w := doGateway(s, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	cleared := map[string]bool{}
	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 {
			cleared[c.Name] = true
		}
	}
	if !cleared["afu9_id_token"] || !cleared["afu9_access_token"] {
		t.Fatalf("expected session cookies expired, got %v", cleared)
	}
	if cleared["afu9_refresh_token"] {
		t.Fatal("refresh cookie must survive for the refresh flow")
	}
}

func TestAbsentTokensAreNotCleared(t *testing.T) {
	s, _, _ := newTestServer(testConfig(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "http://"+testStagingHost+"/api/issues", nil)

	w := doGateway(s, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if n := len(w.Result().Cookies()); n != 0 {
		t.Fatalf("no cookies should be touched when none were sent, got %d", n)
	}
}

func TestGroupEnrichmentFailureKeepsEmptyGroups(t *testing.T) {
	verifier := &fakeVerifier{
		payloads: map[string]authn.Payload{"id-tok": {Subject: "user-4", TokenUse: "id"}},
		errs:     map[string]error{"acc-tok": &authn.Error{Code: authn.CodeTokenExpired, Err: errors.New("expired")}},
	}
	s, up, _ := newTestServer(testConfig(), verifier, nil)

	req := httptest.NewRequest(http.MethodGet, "http://"+testProdHost+"/api/issues", nil)
	req.AddCookie(&http.Cookie{Name: "afu9_id_token", Value: "id-tok"})
	req.AddCookie(&http.Cookie{Name: "afu9_access_token", Value: "acc-tok"})

	w := doGateway(s, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("empty groups must deny stage access, got %d", w.Code)
	}
	if up.called {
		t.Fatal("request must not reach upstream")
	}
}
