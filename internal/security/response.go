package security

import "github.com/nulpointcorp/llm-security-gateway/internal/config"

// ResponseScanResult combines the injection and PII findings for one piece of
// model output.
type ResponseScanResult struct {
	Injection ScanResult
	PII       PIIResult
	Blocked   bool
}

// ResponseScanner runs the injection and PII scanners over assistant text.
// Injection findings in responses are always advisory. PII blocks only when
// the response action is "block" and something was detected; responses are
// never redacted (streamed deltas are too small to rewrite coherently).
type ResponseScanner struct {
	injection *InjectionScanner
	pii       *PIIScanner
	action    string
}

// NewResponseScanner builds a scanner with the given injection threshold and
// response PII action.
func NewResponseScanner(threshold float64, responsePIIAction string) *ResponseScanner {
	return &ResponseScanner{
		injection: NewInjectionScanner(threshold),
		pii:       NewPIIScanner(responsePIIAction),
		action:    responsePIIAction,
	}
}

// Scan evaluates content and decides whether the response must be withheld.
func (s *ResponseScanner) Scan(content string) ResponseScanResult {
	injection := s.injection.Scan(content)
	pii := s.pii.Scan(content)

	blocked := s.action == config.PIIActionBlock && pii.DetectionCount > 0

	return ResponseScanResult{
		Injection: injection,
		PII:       pii,
		Blocked:   blocked,
	}
}
