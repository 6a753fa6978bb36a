package main

import (
	"net/http"
	"testing"

	"github.com/kelseyhightower/envconfig"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		t.Fatalf("envconfig: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.GroupsClaim != "cognito:groups" {
		t.Fatalf("unexpected groups claim %q", cfg.GroupsClaim)
	}
	if cfg.CookieIDToken != "afu9_id_token" {
		t.Fatalf("unexpected id cookie %q", cfg.CookieIDToken)
	}
	if cfg.AllowlistTTLSec != 30 {
		t.Fatalf("unexpected allowlist ttl %d", cfg.AllowlistTTLSec)
	}
	if !cfg.RateLimitEnabled {
		t.Fatal("rate limiting should default on")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AFU9_ISSUER_URL", "https://issuer.example.com/pool")
	t.Setenv("AFU9_STAGING_HOSTS", "a.example.com,b.example.com")
	t.Setenv("AFU9_PUBLIC_STATUS_ENDPOINTS", "true")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		t.Fatalf("envconfig: %v", err)
	}
	if cfg.Issuer() != "https://issuer.example.com/pool" {
		t.Fatalf("unexpected issuer %q", cfg.Issuer())
	}
	if len(cfg.StagingHosts) != 2 || cfg.StagingHosts[1] != "b.example.com" {
		t.Fatalf("unexpected staging hosts %v", cfg.StagingHosts)
	}
	if !cfg.PublicStatusEndpoints {
		t.Fatal("public status override not picked up")
	}
}

func TestIssuerComposedFromRegionAndPool(t *testing.T) {
	cfg := Config{IDPRegion: "eu-central-1", IDPPoolID: "eu-central-1_AbCdEf"}
	want := "https://cognito-idp.eu-central-1.amazonaws.com/eu-central-1_AbCdEf"
	if got := cfg.Issuer(); got != want {
		t.Fatalf("Issuer() = %q, want %q", got, want)
	}
}

func TestIssuerURLWinsOverRegionPool(t *testing.T) {
	cfg := Config{IssuerURL: " https://direct.example.com ", IDPRegion: "eu-central-1", IDPPoolID: "p"}
	if got := cfg.Issuer(); got != "https://direct.example.com" {
		t.Fatalf("Issuer() = %q", got)
	}
}

func TestIssuerEmptyWhenUnconfigured(t *testing.T) {
	if got := (Config{IDPRegion: "eu-central-1"}).Issuer(); got != "" {
		t.Fatalf("expected empty issuer, got %q", got)
	}
}

func TestSameSiteMapping(t *testing.T) {
	cases := map[string]http.SameSite{
		"lax":    http.SameSiteLaxMode,
		"Strict": http.SameSiteStrictMode,
		"none":   http.SameSiteNoneMode,
		"":       http.SameSiteLaxMode,
		"bogus":  http.SameSiteLaxMode,
	}
	for in, want := range cases {
		if got := (Config{CookieSameSite: in}).SameSite(); got != want {
			t.Fatalf("SameSite(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseSmokeKey(t *testing.T) {
	cases := []struct {
		raw, key, format string
	}{
		{"plain-key", "plain-key", "plain"},
		{"  plain-key\n", "plain-key", "plain"},
		{`{"key":"wrapped"}`, "wrapped", "json"},
		{`{"smokeKey":"wrapped2"}`, "wrapped2", "json"},
		{`{"other":"x"}`, "", "json"},
		{`{broken`, "", "json"},
		{"", "", "empty"},
		{"   ", "", "empty"},
	}
	for _, tc := range cases {
		key, format := parseSmokeKey(tc.raw)
		if key != tc.key || format != tc.format {
			t.Fatalf("parseSmokeKey(%q) = (%q, %q), want (%q, %q)", tc.raw, key, format, tc.key, tc.format)
		}
	}
}
