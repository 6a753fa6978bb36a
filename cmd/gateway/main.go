package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/adaefler-art/codefactory-control-sub000/pkg/allowlist"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/audit"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/authn"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/ratelimit"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/store"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/telemetry"
)

type gatewayDBCloser interface {
	allowlist.DB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	shutdown, err := initTelemetry(ctx, "afu9-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		redisClient, err := openRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory rate limits: %v", err)
			limiter = ratelimit.NewInMemory(time.Minute)
		} else {
			defer redisClient.Close()
			limiter = ratelimit.NewRedis(redisClient, time.Minute)
		}
	}

	issuer := cfg.Issuer()
	if issuer == "" {
		log.Printf("no token issuer configured, every session verification will fail closed")
	}
	verifier := authn.NewVerifier(issuer, cfg.GroupsClaim, telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}))

	proxy, err := newUpstreamProxy(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("upstream url: %w", err)
	}

	lister := &allowlist.Store{DB: pool}
	auditor := &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditSalt)}

	s := NewServer(cfg, verifier, lister, auditor, limiter, proxy)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second * time.Duration(cfg.HTTPReadHeaderTimeoutSec),
		ReadTimeout:       time.Second * time.Duration(cfg.HTTPReadTimeoutSec),
		WriteTimeout:      time.Second * time.Duration(cfg.HTTPWriteTimeoutSec),
		IdleTimeout:       time.Second * time.Duration(cfg.HTTPIdleTimeoutSec),
	}
	log.Printf("gateway listening on %s", cfg.Addr)
	return listen(server)
}
