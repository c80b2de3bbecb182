package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-security-gateway/internal/audit"
	"github.com/nulpointcorp/llm-security-gateway/internal/clients"
	"github.com/nulpointcorp/llm-security-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-security-gateway/internal/providers"
	"github.com/nulpointcorp/llm-security-gateway/internal/providers/bedrock"
	"github.com/nulpointcorp/llm-security-gateway/internal/providers/openai"
	"github.com/nulpointcorp/llm-security-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-security-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-security-gateway/internal/security"
)

// sweepInterval is how often idle in-process rate-limit windows are reclaimed.
const sweepInterval = 5 * time.Minute

// initInfra establishes optional external connections. Redis is only needed
// when the distributed rate limiter is enabled via REDIS_URL.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initDirectory builds the client directory backend. A nil store is valid:
// the gateway then admits only the legacy GATEWAY_API_KEYS list.
func (a *App) initDirectory(ctx context.Context) error {
	store, err := clients.NewStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.store = store

	if store == nil {
		a.log.Info("client directory: legacy mode (GATEWAY_API_KEYS only)")
	} else {
		a.log.Info("client directory loaded", slog.String("backend", a.cfg.ClientStoreBackend))
	}
	return nil
}

// initServices creates the audit sink, the rate limiter, and the metrics
// registry.
func (a *App) initServices(ctx context.Context) error {
	auditLog, err := audit.New(parseLevel(a.cfg.LogLevel), a.cfg.AuditLogFile)
	if err != nil {
		return err
	}
	a.auditLog = auditLog

	if a.rdb != nil {
		a.limiter = ratelimit.NewRedisLimiter(a.rdb)
		a.log.Info("rate limiter: redis sliding window")
	} else {
		mem := ratelimit.NewMemoryLimiter()
		mem.StartSweeper(ctx, sweepInterval)
		a.limiter = mem
		a.log.Info("rate limiter: in-process sliding window")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the security pipeline together.
func (a *App) initGateway(_ context.Context) error {
	cfg := a.cfg

	auth := security.NewAuthenticator(
		a.store,
		cfg.LegacyKeys(),
		cfg.RateLimitRPM,
		cfg.UpstreamAPIKey,
		a.log,
	)

	a.registry = providers.NewRegistry(map[string]providers.Factory{
		clients.ProviderOpenAI: func() (providers.Provider, error) {
			return openai.New(
				cfg.UpstreamBaseURL,
				cfg.UpstreamAPIKey,
				cfg.UpstreamConnectTimeout,
				cfg.UpstreamTimeout,
			), nil
		},
		clients.ProviderBedrock: func() (providers.Provider, error) {
			return bedrock.New(a.baseCtx, cfg.AWSRegion)
		},
	})

	deps := proxy.Deps{
		Auth:      auth,
		Limiter:   a.limiter,
		Injection: security.NewInjectionScanner(cfg.InjectionThreshold),
		PII:       security.NewPIIScanner(cfg.PIIAction),
		PIIAction: cfg.PIIAction,
		Response:  security.NewResponseScanner(cfg.InjectionThreshold, cfg.ResponsePIIAction),
		Providers: a.registry,
		Audit:     a.auditLog,
	}

	a.gw = proxy.NewGateway(a.baseCtx, deps, proxy.GatewayOptions{
		Logger:     a.log,
		Metrics:    a.prom,
		Serverless: cfg.Serverless(),
		Version:    a.version,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
