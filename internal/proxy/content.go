package proxy

import (
	"strings"

	"github.com/nulpointcorp/llm-security-gateway/internal/security"
)

// extractPromptContent concatenates, newline-separated, the content of every
// message. Multi-part contents contribute only their "text" parts.
func extractPromptContent(body map[string]any) string {
	messages, _ := body["messages"].([]any)
	parts := make([]string, 0, len(messages))

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			parts = append(parts, content)
		case []any:
			for _, p := range content {
				part, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if kind, _ := part["type"].(string); kind == "text" {
					if text, ok := part["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
	}

	return strings.Join(parts, "\n")
}

// extractResponseContent pulls the assistant text out of a chat completion
// response body: choices[0].message.content.
func extractResponseContent(body map[string]any) string {
	choices, _ := body["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	return content
}

// replacePromptContent swaps sanitized content into the last user message.
// String contents take the full redacted prompt; multi-part contents keep
// their structure and have each textual part redacted in place.
func replacePromptContent(body map[string]any, redacted string, scanner *security.PIIScanner) {
	messages, _ := body["messages"].([]any)

	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}

		switch content := msg["content"].(type) {
		case string:
			msg["content"] = redacted
		case []any:
			for _, p := range content {
				part, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if kind, _ := part["type"].(string); kind != "text" {
					continue
				}
				text, _ := part["text"].(string)
				if res := scanner.Scan(text); res.RedactedContent != "" {
					part["text"] = res.RedactedContent
				}
			}
		}
		return
	}
}
