package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/adaefler-art/codefactory-control-sub000/pkg/httpx"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/telemetry"
)

// newUpstreamProxy builds the reverse proxy the gateway forwards authorized
// requests through. The upstream never sees a request that skipped the
// decision tree.
func newUpstreamProxy(rawURL string) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = telemetry.InstrumentTransport(nil)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("upstream proxy error: %s %s: %v", r.Method, r.URL.Path, err)
		httpx.Error(w, http.StatusBadGateway, "upstream unreachable")
	}
	return proxy, nil
}
