package bedrock

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// buildConverseInput translates a chat-completions body into Converse
// parameters: system messages split off and joined as system blocks, every
// other message's content wrapped as a text block, and inference settings
// copied only for the keys actually present in the input.
func buildConverseInput(body map[string]any, modelID string) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
	}

	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message

	rawMessages, _ := body["messages"].([]any)
	for _, raw := range rawMessages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text := contentText(msg["content"])

		if role == "system" {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			continue
		}

		brRole := brtypes.ConversationRoleUser
		if role == "assistant" {
			brRole = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    brRole,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		})
	}

	input.System = system
	input.Messages = messages

	if cfg := inferenceConfig(body); cfg != nil {
		input.InferenceConfig = cfg
	}

	return input
}

func buildConverseStreamInput(body map[string]any, modelID string) *bedrockruntime.ConverseStreamInput {
	unary := buildConverseInput(body, modelID)
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         unary.ModelId,
		Messages:        unary.Messages,
		System:          unary.System,
		InferenceConfig: unary.InferenceConfig,
	}
}

// inferenceConfig maps temperature, max_tokens, top_p and stop onto the
// Converse inference configuration. Returns nil when none are present so the
// field is omitted entirely.
func inferenceConfig(body map[string]any) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	present := false

	if v, ok := body["temperature"]; ok {
		if f, ok := toFloat64(v); ok {
			cfg.Temperature = aws.Float32(float32(f))
			present = true
		}
	}
	if v, ok := body["max_tokens"]; ok {
		if f, ok := toFloat64(v); ok {
			cfg.MaxTokens = aws.Int32(int32(f))
			present = true
		}
	}
	if v, ok := body["top_p"]; ok {
		if f, ok := toFloat64(v); ok {
			cfg.TopP = aws.Float32(float32(f))
			present = true
		}
	}
	if v, ok := body["stop"]; ok {
		if stops := toStringSlice(v); len(stops) > 0 {
			cfg.StopSequences = stops
			present = true
		}
	}

	if !present {
		return nil
	}
	return &cfg
}

// translateResponse converts a Converse result into the OpenAI chat
// completion shape the client expects.
func translateResponse(out *bedrockruntime.ConverseOutput, modelID string) map[string]any {
	text := ""
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}

	inputTokens, outputTokens := 0, 0
	if out.Usage != nil {
		inputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		outputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	now := time.Now().Unix()
	return map[string]any{
		"id":      fmt.Sprintf("bedrock-%d", now),
		"object":  "chat.completion",
		"created": now,
		"model":   modelID,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": finishReason(out.StopReason),
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     inputTokens,
			"completion_tokens": outputTokens,
			"total_tokens":      inputTokens + outputTokens,
		},
	}
}

// finishReason maps a Converse stop reason onto the OpenAI vocabulary.
func finishReason(reason brtypes.StopReason) string {
	if reason == brtypes.StopReasonMaxTokens {
		return "length"
	}
	return "stop"
}

// contentText flattens a message content value: plain strings pass through,
// multi-part lists contribute their text parts.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		text := ""
		for _, part := range v {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if kind, _ := p["type"].(string); kind == "text" {
				if t, ok := p["text"].(string); ok {
					text += t
				}
			}
		}
		return text
	default:
		return ""
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return s
	default:
		return nil
	}
}
