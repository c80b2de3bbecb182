// Package proxy is the request-handling core of the security gateway.
//
// Every request to the protected endpoint traverses the same stage machine:
//
//	Authenticate → Rate-limit → Model allowlist → Injection scan → PII scan
//	→ Provider dispatch → Response scan → Emit
//
// Ordering is load-bearing: scanning must complete before anything is
// forwarded upstream, and the streaming branch defers response scanning to
// the accumulated stream text so the terminal event can still withhold a
// policy-violating response.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-security-gateway/internal/audit"
	"github.com/nulpointcorp/llm-security-gateway/internal/clients"
	"github.com/nulpointcorp/llm-security-gateway/internal/config"
	"github.com/nulpointcorp/llm-security-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-security-gateway/internal/providers"
	"github.com/nulpointcorp/llm-security-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-security-gateway/internal/security"
	"github.com/nulpointcorp/llm-security-gateway/pkg/apierr"
)

// ProviderSource resolves provider singletons by name. Satisfied by
// *providers.Registry; tests substitute stubs.
type ProviderSource interface {
	Get(name string) (providers.Provider, error)
}

// Deps bundles the subsystems the pipeline invokes. All fields are required
// except Audit (nil disables audit emission, used by some tests).
type Deps struct {
	Auth      *security.Authenticator
	Limiter   ratelimit.Limiter
	Injection *security.InjectionScanner
	PII       *security.PIIScanner
	PIIAction string
	Response  *security.ResponseScanner
	Providers ProviderSource
	Audit     *audit.Logger
}

// GatewayOptions holds optional tuning parameters for a Gateway.
type GatewayOptions struct {
	// Logger is the structured logger for request diagnostics.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// Serverless marks an environment that cannot hold SSE connections open;
	// streaming requests are rejected with 400.
	Serverless bool

	// Version is reported by GET /health.
	Version string
}

// Gateway orchestrates the per-request pipeline.
type Gateway struct {
	deps    Deps
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	serverless bool
	version    string
}

// NewGateway creates a Gateway. baseCtx bounds the lifetime of streaming
// relays: cancelling it stops every in-flight upstream stream.
func NewGateway(baseCtx context.Context, deps Deps, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "0.0.0"
	}
	return &Gateway{
		deps:       deps,
		baseCtx:    baseCtx,
		log:        log,
		metrics:    opts.Metrics,
		serverless: opts.Serverless,
		version:    version,
	}
}

// dispatchChat is the handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "chat_completions"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientIP := ctx.RemoteIP().String()

	// 1. Authenticate.
	apiKey := string(ctx.Request.Header.Peek(security.APIKeyHeader))
	client, authErr := g.deps.Auth.Authenticate(ctx, apiKey)
	if authErr != nil {
		if g.metrics != nil {
			g.metrics.RecordBlocked(metrics.BlockAuth)
		}
		g.auditWarn(reqID, "Authentication failed", audit.Fields{
			"client_ip": clientIP,
			"reason":    authErr.Message,
		})
		apierr.Write(ctx, authErr.Status, authErr.Message)
		return
	}

	// 2. Parse the body.
	var body map[string]any
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	model, _ := body["model"].(string)
	if model == "" {
		model = "unknown"
	}
	isStream, _ := body["stream"].(bool)

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("client_id", client.ClientID),
		slog.String("model", model),
		slog.String("provider", client.Provider),
		slog.Bool("stream", isStream),
	)

	// 3. Rate limit, keyed by client id (never by raw API key).
	decision, err := g.deps.Limiter.Check(ctx, client.ClientID, client.RateLimitRPM)
	if err != nil {
		g.log.Warn("rate limit check failed", slog.String("error", err.Error()))
		decision = ratelimit.Decision{Allowed: true, Limit: client.RateLimitRPM, Remaining: client.RateLimitRPM}
	}
	if !decision.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
			g.metrics.RecordBlocked(metrics.BlockRateLimit)
		}
		g.auditWarn(reqID, "Rate limit exceeded", audit.Fields{
			"client_id":   client.ClientID,
			"client_ip":   clientIP,
			"rate_limit":  decision.Limit,
			"retry_after": decision.ResetSeconds,
		})
		apierr.WriteRateLimit(ctx, decision.Limit, int(decision.ResetSeconds))
		return
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}

	// 4. Model allowlist.
	if !client.ModelAllowed(model) {
		if g.metrics != nil {
			g.metrics.RecordBlocked(metrics.BlockModel)
		}
		g.auditWarn(reqID, "Model not allowed", audit.Fields{
			"client_id":      client.ClientID,
			"client_ip":      clientIP,
			"model":          model,
			"allowed_models": client.ModelAllowlist,
		})
		apierr.Write(ctx, fasthttp.StatusForbidden,
			fmt.Sprintf("Model '%s' not allowed for this client", model))
		return
	}

	// 5. Injection scan over the whole extracted prompt.
	prompt := extractPromptContent(body)
	injectionResult := g.deps.Injection.Scan(prompt)
	if !injectionResult.Allowed {
		if g.metrics != nil {
			g.metrics.RecordBlocked(metrics.BlockInjection)
		}
		g.auditWarn(reqID, "Prompt injection blocked", audit.Fields{
			"client_id":  client.ClientID,
			"client_ip":  clientIP,
			"risk_score": injectionResult.RiskScore,
			"reason":     injectionResult.Reason,
			"categories": injectionResult.Categories,
		})
		apierr.Write(ctx, fasthttp.StatusBadRequest, "Request blocked by security policy")
		return
	}

	// 6. PII scan.
	piiResult := g.deps.PII.Scan(prompt)
	if g.deps.PIIAction == config.PIIActionBlock && piiResult.DetectionCount > 0 {
		if g.metrics != nil {
			g.metrics.RecordBlocked(metrics.BlockPII)
		}
		g.auditWarn(reqID, "PII detected, request blocked", audit.Fields{
			"client_id": client.ClientID,
			"client_ip": clientIP,
			"pii_types": piiResult.Detections,
			"pii_count": piiResult.DetectionCount,
		})
		apierr.Write(ctx, fasthttp.StatusBadRequest, "Request contains sensitive data (PII)")
		return
	}
	if piiResult.RedactedContent != "" {
		replacePromptContent(body, piiResult.RedactedContent, g.deps.PII)
	}

	// 7. Streaming environment guard.
	if isStream && g.serverless {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "Streaming is not supported in Lambda deployments")
		return
	}

	// 8. Dispatch.
	prov, err := g.deps.Providers.Get(client.Provider)
	if err != nil {
		g.log.Error("provider init failed",
			slog.String("request_id", reqID),
			slog.String("provider", client.Provider),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusBadGateway, "Upstream provider unavailable")
		return
	}

	if isStream {
		streaming = g.dispatchStream(ctx, streamParams{
			start:     start,
			route:     route,
			reqID:     reqID,
			clientIP:  clientIP,
			client:    client,
			model:     model,
			body:      body,
			provider:  prov,
			decision:  decision,
			injection: injectionResult,
			pii:       piiResult,
		})
		return
	}

	g.dispatchUnary(ctx, start, reqID, clientIP, client, model, body, prov, decision, injectionResult, piiResult)
}

func (g *Gateway) dispatchUnary(
	ctx *fasthttp.RequestCtx,
	start time.Time,
	reqID, clientIP string,
	client *clients.Record,
	model string,
	body map[string]any,
	prov providers.Provider,
	decision ratelimit.Decision,
	injectionResult security.ScanResult,
	piiResult security.PIIResult,
) {
	upStart := time.Now()
	resp, err := prov.Unary(ctx, body, client.UpstreamAPIKey, client.BedrockModelID)
	latency := time.Since(upStart)

	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstream(prov.Name(), "error", latency)
		}
		g.auditWarn(reqID, "Upstream error", audit.Fields{
			"client_id": client.ClientID,
			"client_ip": clientIP,
			"provider":  client.Provider,
			"model":     model,
			"error":     err.Error(),
		})
		writeProviderError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstream(prov.Name(), "success", latency)
	}

	// Response scan on the assistant text.
	responseScan := g.deps.Response.Scan(extractResponseContent(resp.Body))
	if responseScan.Blocked {
		if g.metrics != nil {
			g.metrics.RecordBlocked(metrics.BlockResponsePII)
		}
		g.auditWarn(reqID, "Response blocked, PII in LLM output", audit.Fields{
			"client_id":          client.ClientID,
			"client_ip":          clientIP,
			"response_pii_types": responseScan.PII.Detections,
			"response_pii_count": responseScan.PII.DetectionCount,
		})
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"Response blocked by security policy - contains sensitive data")
		return
	}

	g.auditInfo(reqID, "Request proxied", audit.Fields{
		"client_id":                client.ClientID,
		"client_ip":                clientIP,
		"provider":                 client.Provider,
		"model":                    model,
		"upstream_status":          resp.StatusCode,
		"latency_ms":               roundHundredth(latency.Seconds() * 1000),
		"injection_score":          injectionResult.RiskScore,
		"injection_categories":     injectionResult.Categories,
		"pii_detections":           piiResult.Detections,
		"pii_count":                piiResult.DetectionCount,
		"response_injection_score": responseScan.Injection.RiskScore,
		"response_pii_detections":  responseScan.PII.Detections,
		"rate_limit_remaining":     decision.Remaining,
	})

	payload, err := json.Marshal(resp.Body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response")
		return
	}

	setRateLimitHeaders(ctx, decision)
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

type streamParams struct {
	start     time.Time
	route     string
	reqID     string
	clientIP  string
	client    *clients.Record
	model     string
	body      map[string]any
	provider  providers.Provider
	decision  ratelimit.Decision
	injection security.ScanResult
	pii       security.PIIResult
}

// dispatchStream relays upstream SSE chunks verbatim while accumulating the
// text deltas; the accumulated text is response-scanned when the terminal
// chunk arrives, deciding between [DONE] and an error event. Returns true
// when the streaming body writer has taken over the response.
func (g *Gateway) dispatchStream(ctx *fasthttp.RequestCtx, p streamParams) bool {
	streamCtx, cancel := context.WithCancel(g.baseCtx)

	chunks, err := p.provider.Stream(streamCtx, p.body, p.client.UpstreamAPIKey, p.client.BedrockModelID)
	if err != nil {
		cancel()
		g.auditWarn(p.reqID, "Upstream error", audit.Fields{
			"client_id": p.client.ClientID,
			"client_ip": p.clientIP,
			"provider":  p.client.Provider,
			"model":     p.model,
			"stream":    true,
			"error":     err.Error(),
		})
		writeProviderError(ctx, err)
		return false
	}

	setRateLimitHeaders(ctx, p.decision)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(fasthttp.StatusOK)

	finalize := func() {
		cancel()
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(p.route, fasthttp.StatusOK, time.Since(p.start))
		}
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer finalize()

		var sb strings.Builder

		for chunk := range chunks {
			if chunk.Done {
				responseScan := g.deps.Response.Scan(sb.String())

				g.auditInfo(p.reqID, "Stream completed", audit.Fields{
					"client_id":                p.client.ClientID,
					"client_ip":                p.clientIP,
					"provider":                 p.client.Provider,
					"model":                    p.model,
					"stream":                   true,
					"injection_score":          p.injection.RiskScore,
					"pii_detections":           p.pii.Detections,
					"response_injection_score": responseScan.Injection.RiskScore,
					"response_pii_detections":  responseScan.PII.Detections,
					"rate_limit_remaining":     p.decision.Remaining,
				})

				if responseScan.Blocked {
					if g.metrics != nil {
						g.metrics.RecordBlocked(metrics.BlockResponsePII)
					}
					g.auditWarn(p.reqID, "Response blocked, PII in LLM output", audit.Fields{
						"client_id":          p.client.ClientID,
						"client_ip":          p.clientIP,
						"stream":             true,
						"response_pii_types": responseScan.PII.Detections,
						"response_pii_count": responseScan.PII.DetectionCount,
					})
					fmt.Fprintf(w, "data: %s\n\n",
						apierr.Body("Response blocked by security policy - contains sensitive data"))
					w.Flush() //nolint:errcheck
					return
				}

				fmt.Fprint(w, "data: [DONE]\n\n")
				w.Flush() //nolint:errcheck
				return
			}

			sb.WriteString(chunk.TextDelta)
			fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
			if err := w.Flush(); err != nil {
				// Client went away; stop the upstream stream promptly.
				return
			}
		}

		// Upstream ended without a terminal chunk; surface it as an error event.
		fmt.Fprintf(w, "data: %s\n\n", apierr.Body("upstream stream ended unexpectedly"))
		w.Flush() //nolint:errcheck
	})

	return true
}

// auditInfo / auditWarn are nil-safe audit emitters.
func (g *Gateway) auditInfo(reqID, msg string, fields audit.Fields) {
	if g.deps.Audit != nil {
		g.deps.Audit.Info(reqID, msg, fields)
	}
}

func (g *Gateway) auditWarn(reqID, msg string, fields audit.Fields) {
	if g.deps.Audit != nil {
		g.deps.Audit.Warn(reqID, msg, fields)
	}
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, d ratelimit.Decision) {
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(d.ResetSeconds)))
}

// writeProviderError maps an upstream failure onto the response:
//
//	typed errors carrying HTTPStatus() → that status
//	context.DeadlineExceeded           → 504
//	anything else                      → 502
func writeProviderError(ctx *fasthttp.RequestCtx, err error) {
	var perr *providers.Error
	if errors.As(err, &perr) {
		apierr.Write(ctx, perr.HTTPStatus(), perr.Message)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.Write(ctx, fasthttp.StatusGatewayTimeout, "Upstream provider timed out")
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error())
}

func roundHundredth(v float64) float64 {
	return math.Round(v*100) / 100
}
