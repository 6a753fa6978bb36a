package main

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// checkCSRF guards state-changing public endpoints that act on cookie-derived
// credentials. The expected origin is computed from the first forwarded hop,
// falling back to the Host header. When both Origin and Referer are absent
// the request is allowed: some proxies strip both, and SameSite cookie
// attributes remain the residual defense. Preserve this relaxation.
func checkCSRF(r *http.Request) error {
	expected := expectedOrigin(r)

	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		if origin != expected {
			return errors.New("origin header does not match expected origin")
		}
		return nil
	}

	if referer := strings.TrimSpace(r.Header.Get("Referer")); referer != "" {
		u, err := url.Parse(referer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("referer header is not a valid URL")
		}
		if u.Scheme+"://"+u.Host != expected {
			return errors.New("referer origin does not match expected origin")
		}
		return nil
	}

	return nil
}

func expectedOrigin(r *http.Request) string {
	proto := firstForwardedHop(r.Header.Get("x-forwarded-proto"))
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	host := firstForwardedHop(r.Header.Get("x-forwarded-host"))
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

func firstForwardedHop(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(raw, ",")[0])
}
