// Package apierr writes the gateway's JSON error responses.
//
// Every error body has the shape {"error": "<message>"} with the HTTP status
// carrying the error class: 401/403 auth, 400 policy, 429 throttle,
// 502/503/504 upstream.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

type envelope struct {
	Error string `json:"error"`
}

// Write writes message as a JSON error body with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: message})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with the standard rate-limit headers.
// retryAfter is in whole seconds and is sent as both Retry-After and
// X-RateLimit-Reset.
func WriteRateLimit(ctx *fasthttp.RequestCtx, limit, retryAfter int) {
	h := &ctx.Response.Header
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.Itoa(retryAfter))
	Write(ctx, fasthttp.StatusTooManyRequests, "Rate limit exceeded")
}

// Body returns the marshalled error envelope for callers that frame errors
// themselves (e.g. SSE error events).
func Body(message string) []byte {
	body, _ := json.Marshal(envelope{Error: message})
	return body
}
