// Package bedrock implements the providers.Provider interface over the AWS
// Bedrock Converse API, translating between the client-facing chat
// completions schema and Converse parameters in both directions.
//
// Authentication uses the default AWS credential chain (environment, shared
// config, IAM role); the per-client upstream API key is ignored here.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/nulpointcorp/llm-security-gateway/internal/providers"
)

const providerName = "bedrock"

// StreamOutput is the subset of the AWS ConverseStream output type the
// provider needs. It is satisfied by *bedrockruntime.ConverseStreamOutput and
// simplifies unit testing by allowing fake implementations.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// ConverseAPI mirrors the subset of *bedrockruntime.Client the provider
// uses, so tests can substitute a fake runtime.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// sdkRuntime adapts the real SDK client to ConverseAPI.
type sdkRuntime struct {
	c *bedrockruntime.Client
}

func (r sdkRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.c.Converse(ctx, params, optFns...)
}

func (r sdkRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.c.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Provider implements providers.Provider for AWS Bedrock.
type Provider struct {
	runtime ConverseAPI
}

// New resolves AWS configuration for region and builds the runtime client.
func New(ctx context.Context, region string) (*Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return NewFromAPI(sdkRuntime{c: bedrockruntime.NewFromConfig(awsCfg)}), nil
}

// NewFromAPI wires the provider to any ConverseAPI implementation.
func NewFromAPI(api ConverseAPI) *Provider {
	return &Provider{runtime: api}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Close() error { return nil }

// Unary implements providers.Provider via the Converse API.
func (p *Provider) Unary(ctx context.Context, body map[string]any, _, modelID string) (*providers.Response, error) {
	if modelID == "" {
		return nil, &providers.Error{
			StatusCode: http.StatusBadRequest,
			Message:    "bedrock_model_id is required for Bedrock provider",
		}
	}

	out, err := p.runtime.Converse(ctx, buildConverseInput(body, modelID))
	if err != nil {
		return nil, mapError(err)
	}

	return &providers.Response{
		StatusCode: http.StatusOK,
		Body:       translateResponse(out, modelID),
	}, nil
}

// Stream implements providers.Provider via ConverseStream. Each text delta
// becomes a chat-completion-chunk event; messageStop yields a final chunk
// with the mapped finish reason followed by the [DONE] terminator.
func (p *Provider) Stream(ctx context.Context, body map[string]any, _, modelID string) (<-chan providers.StreamChunk, error) {
	if modelID == "" {
		return nil, &providers.Error{
			StatusCode: http.StatusBadRequest,
			Message:    "bedrock_model_id is required for Bedrock provider",
		}
	}

	out, err := p.runtime.ConverseStream(ctx, buildConverseStreamInput(body, modelID))
	if err != nil {
		return nil, mapError(err)
	}

	stream := out.GetStream()
	if stream == nil {
		return nil, &providers.Error{
			StatusCode: http.StatusBadGateway,
			Message:    "bedrock stream output missing event stream",
		}
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		for event := range stream.Events() {
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				text, ok := deltaText(ev.Value.Delta)
				if !ok || text == "" {
					continue
				}
				send(ctx, ch, providers.StreamChunk{
					Data:      chunkJSON(modelID, text, ""),
					TextDelta: text,
				})

			case *brtypes.ConverseStreamOutputMemberMessageStop:
				send(ctx, ch, providers.StreamChunk{
					Data: chunkJSON(modelID, "", finishReason(ev.Value.StopReason)),
				})
				send(ctx, ch, providers.StreamChunk{Data: "[DONE]", Done: true})
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return ch, nil
}

func deltaText(delta brtypes.ContentBlockDelta) (string, bool) {
	if tb, ok := delta.(*brtypes.ContentBlockDeltaMemberText); ok {
		return tb.Value, true
	}
	return "", false
}

// chunkJSON builds one chat-completion-chunk payload. A non-empty text goes
// into the delta; a non-empty finish closes the choice with an empty delta.
func chunkJSON(modelID, text, finish string) string {
	delta := map[string]any{}
	if text != "" {
		delta["content"] = text
	}
	var finishValue any
	if finish != "" {
		finishValue = finish
	}

	payload := map[string]any{
		"id":      fmt.Sprintf("bedrock-%d", time.Now().Unix()),
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   modelID,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishValue,
			},
		},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func send(ctx context.Context, ch chan<- providers.StreamChunk, chunk providers.StreamChunk) {
	select {
	case ch <- chunk:
	case <-ctx.Done():
	}
}

// mapError converts SDK failures into typed gateway errors:
//
//	ThrottlingException    → 429
//	ValidationException    → 400
//	AccessDeniedException  → 403
//	ModelNotReadyException → 503
//	context deadline       → 504
//	anything else          → 502
func mapError(err error) *providers.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.Error{StatusCode: http.StatusGatewayTimeout, Message: "Bedrock request timed out"}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return &providers.Error{StatusCode: http.StatusTooManyRequests, Message: "Bedrock rate limit exceeded"}
		case "ValidationException":
			return &providers.Error{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("Bedrock validation error: %s", apiErr.ErrorMessage())}
		case "AccessDeniedException":
			return &providers.Error{StatusCode: http.StatusForbidden, Message: "Bedrock access denied — check IAM permissions"}
		case "ModelNotReadyException":
			return &providers.Error{StatusCode: http.StatusServiceUnavailable, Message: "Bedrock model not ready"}
		}
	}

	return &providers.Error{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("Bedrock error: %v", err)}
}
