// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when configured)
//  2. initDirectory — client directory backend
//  3. initServices  — audit sink, rate limiter, metrics registry
//  4. initGateway   — security pipeline + routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-security-gateway/internal/audit"
	"github.com/nulpointcorp/llm-security-gateway/internal/clients"
	"github.com/nulpointcorp/llm-security-gateway/internal/config"
	"github.com/nulpointcorp/llm-security-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-security-gateway/internal/providers"
	"github.com/nulpointcorp/llm-security-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-security-gateway/internal/ratelimit"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections; nil when not configured.
	rdb *redis.Client

	auditLog *audit.Logger
	store    clients.Store
	limiter  ratelimit.Limiter
	registry *providers.Registry
	prom     *metrics.Registry

	gw   *proxy.Gateway
	mgmt *proxy.ManagementRoutes
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"directory", a.initDirectory},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_backend", a.cfg.ClientStoreBackend),
		slog.String("pii_action", a.cfg.PIIAction),
		slog.Bool("serverless", a.cfg.Serverless()),
	)
	a.auditLog.Info("", "Gateway started", nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.log.Error("provider close error", slog.String("error", err.Error()))
		}
		a.registry = nil
	}
	if a.auditLog != nil {
		a.auditLog.Info("", "Gateway stopped", nil)
		if err := a.auditLog.Close(); err != nil {
			a.log.Error("audit close error", slog.String("error", err.Error()))
		}
		a.auditLog = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
