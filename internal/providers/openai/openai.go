// Package openai implements the providers.Provider interface as a verbatim
// HTTP pass-through to an OpenAI-compatible chat completions endpoint.
//
// The request body is forwarded as received (fields the gateway does not
// understand reach the upstream untouched) and the upstream response body
// and status are relayed back unchanged. Only transport-level failures
// (connect, timeout) are remapped to gateway statuses.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-security-gateway/internal/providers"
)

const providerName = "openai"

// Provider forwards chat completions to <baseURL>/v1/chat/completions.
type Provider struct {
	baseURL   string
	globalKey string
	timeout   time.Duration
	client    *http.Client
}

// New creates a Provider. connectTimeout bounds dialing; timeout bounds the
// whole exchange (for streams: until the response headers arrive; the body
// is read for as long as the stream lives).
func New(baseURL, globalKey string, connectTimeout, timeout time.Duration) *Provider {
	return &Provider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		globalKey: globalKey,
		timeout:   timeout,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConnsPerHost:   32,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Unary implements providers.Provider. The upstream status, success or not,
// is passed through with its body.
func (p *Provider) Unary(ctx context.Context, body map[string]any, apiKey, _ string) (*providers.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.post(reqCtx, body, apiKey)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &providers.Error{
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("invalid upstream response: %v", err),
		}
	}

	return &providers.Response{StatusCode: resp.StatusCode, Body: parsed}, nil
}

// Stream implements providers.Provider. The forwarded body always carries
// "stream": true regardless of what the client sent.
func (p *Provider) Stream(ctx context.Context, body map[string]any, apiKey, _ string) (<-chan providers.StreamChunk, error) {
	streamBody := make(map[string]any, len(body)+1)
	for k, v := range body {
		streamBody[k] = v
	}
	streamBody["stream"] = true

	resp, err := p.post(ctx, streamBody, apiKey)
	if err != nil {
		return nil, classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &providers.Error{
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			if payload == "[DONE]" {
				send(ctx, ch, providers.StreamChunk{Data: "[DONE]", Done: true})
				return
			}

			send(ctx, ch, providers.StreamChunk{
				Data:      payload,
				TextDelta: extractDelta(payload),
			})
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return ch, nil
}

func (p *Provider) post(ctx context.Context, body map[string]any, apiKey string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	key := apiKey
	if key == "" {
		key = p.globalKey
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	return p.client.Do(req)
}

// extractDelta pulls choices[0].delta.content out of a chunk payload.
// Malformed chunks yield an empty delta; the raw data is still relayed.
func extractDelta(payload string) string {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return ""
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func send(ctx context.Context, ch chan<- providers.StreamChunk, chunk providers.StreamChunk) {
	select {
	case ch <- chunk:
	case <-ctx.Done():
	}
}

// classify maps transport errors onto gateway statuses:
//
//	timeout / context deadline → 504
//	everything else (connect failures included) → 502
func classify(err error) *providers.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.Error{StatusCode: http.StatusGatewayTimeout, Message: "Upstream provider timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &providers.Error{StatusCode: http.StatusGatewayTimeout, Message: "Upstream provider timed out"}
	}
	return &providers.Error{StatusCode: http.StatusBadGateway, Message: "Cannot reach upstream provider"}
}
