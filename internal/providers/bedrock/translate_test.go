package bedrock

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

func TestBuildConverseInput_SplitsSystemAndMessages(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "system", "content": "You are helpful."},
			map[string]any{"role": "user", "content": "Hello"},
		},
		"temperature": 0.5,
		"max_tokens":  float64(100),
	}

	input := buildConverseInput(body, "anthropic.claude-3-sonnet")

	if aws.ToString(input.ModelId) != "anthropic.claude-3-sonnet" {
		t.Fatalf("unexpected model id: %v", input.ModelId)
	}

	if len(input.System) != 1 {
		t.Fatalf("expected 1 system block, got %d", len(input.System))
	}
	sys := input.System[0].(*brtypes.SystemContentBlockMemberText)
	if sys.Value != "You are helpful." {
		t.Fatalf("unexpected system text: %q", sys.Value)
	}

	if len(input.Messages) != 1 {
		t.Fatalf("expected 1 conversation message, got %d", len(input.Messages))
	}
	msg := input.Messages[0]
	if msg.Role != brtypes.ConversationRoleUser {
		t.Fatalf("unexpected role: %v", msg.Role)
	}
	text := msg.Content[0].(*brtypes.ContentBlockMemberText)
	if text.Value != "Hello" {
		t.Fatalf("unexpected content: %q", text.Value)
	}

	cfg := input.InferenceConfig
	if cfg == nil {
		t.Fatal("expected inference config")
	}
	if aws.ToFloat32(cfg.Temperature) != 0.5 {
		t.Fatalf("unexpected temperature: %v", cfg.Temperature)
	}
	if aws.ToInt32(cfg.MaxTokens) != 100 {
		t.Fatalf("unexpected max tokens: %v", cfg.MaxTokens)
	}
	if cfg.TopP != nil || cfg.StopSequences != nil {
		t.Fatal("absent keys must not be mapped")
	}
}

func TestBuildConverseInput_NoInferenceConfigWhenAbsent(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	input := buildConverseInput(body, "model-x")
	if input.InferenceConfig != nil {
		t.Fatal("inference config must be omitted when no keys are present")
	}
}

func TestBuildConverseInput_TopPAndStop(t *testing.T) {
	body := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"top_p":    0.9,
		"stop":     []any{"END", "STOP"},
	}
	cfg := buildConverseInput(body, "m").InferenceConfig
	if cfg == nil {
		t.Fatal("expected inference config")
	}
	if aws.ToFloat32(cfg.TopP) != 0.9 {
		t.Fatalf("unexpected top_p: %v", cfg.TopP)
	}
	if len(cfg.StopSequences) != 2 || cfg.StopSequences[0] != "END" {
		t.Fatalf("unexpected stop sequences: %v", cfg.StopSequences)
	}
}

func TestBuildConverseInput_BareStringStop(t *testing.T) {
	body := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"stop":     "END",
	}
	cfg := buildConverseInput(body, "m").InferenceConfig
	if cfg == nil || len(cfg.StopSequences) != 1 || cfg.StopSequences[0] != "END" {
		t.Fatalf("unexpected stop sequences: %+v", cfg)
	}
}

func TestBuildConverseInput_AssistantRoleKept(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
			map[string]any{"role": "user", "content": "again"},
		},
	}
	input := buildConverseInput(body, "m")
	if len(input.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(input.Messages))
	}
	if input.Messages[1].Role != brtypes.ConversationRoleAssistant {
		t.Fatalf("unexpected role: %v", input.Messages[1].Role)
	}
}

func TestBuildConverseInput_MultiPartContent(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "part one "},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "http://x"}},
				map[string]any{"type": "text", "text": "part two"},
			}},
		},
	}
	input := buildConverseInput(body, "m")
	text := input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText)
	if text.Value != "part one part two" {
		t.Fatalf("unexpected flattened content: %q", text.Value)
	}
}

func TestTranslateResponse(t *testing.T) {
	out := &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "Hello, "},
				&brtypes.ContentBlockMemberText{Value: "world!"},
			},
		}},
		StopReason: brtypes.StopReasonEndTurn,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(5),
		},
	}

	body := translateResponse(out, "anthropic.claude-3-sonnet")

	if body["object"] != "chat.completion" {
		t.Fatalf("unexpected object: %v", body["object"])
	}
	if body["model"] != "anthropic.claude-3-sonnet" {
		t.Fatalf("unexpected model: %v", body["model"])
	}

	choices := body["choices"].([]any)
	choice := choices[0].(map[string]any)
	msg := choice["message"].(map[string]any)
	if msg["role"] != "assistant" || msg["content"] != "Hello, world!" {
		t.Fatalf("unexpected message: %v", msg)
	}
	if choice["finish_reason"] != "stop" {
		t.Fatalf("unexpected finish reason: %v", choice["finish_reason"])
	}

	usage := body["usage"].(map[string]any)
	if usage["prompt_tokens"] != 12 || usage["completion_tokens"] != 5 || usage["total_tokens"] != 17 {
		t.Fatalf("unexpected usage: %v", usage)
	}
}

func TestTranslateResponse_MaxTokensMapsToLength(t *testing.T) {
	out := &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "truncated"}},
		}},
		StopReason: brtypes.StopReasonMaxTokens,
	}

	body := translateResponse(out, "m")
	choice := body["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "length" {
		t.Fatalf("expected finish_reason length, got %v", choice["finish_reason"])
	}

	usage := body["usage"].(map[string]any)
	if usage["prompt_tokens"] != 0 || usage["total_tokens"] != 0 {
		t.Fatalf("missing usage must default to 0, got %v", usage)
	}
}
