package security

import (
	"regexp"
	"strings"

	"github.com/nulpointcorp/llm-security-gateway/internal/config"
)

// PII kinds.
const (
	PIIKindSSN        = "SSN"
	PIIKindCreditCard = "CREDIT_CARD"
	PIIKindEmail      = "EMAIL"
	PIIKindPhone      = "PHONE"
	PIIKindIPAddress  = "IP_ADDRESS"
)

type piiRule struct {
	re          *regexp.Regexp
	kind        string
	placeholder string
}

// Rule order is load-bearing: matches are applied in table order, and each
// match replaces the first occurrence of its literal text in the running
// redacted copy.
var piiRules = []piiRule{
	// SSN: 123-45-6789 or 123 45 6789
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), PIIKindSSN, "[REDACTED_SSN]"},

	// Credit card: 13–19 digits, optionally separated by spaces or dashes.
	// Candidates must also pass Luhn before they count as a detection.
	{regexp.MustCompile(`\b(?:\d[-\s]?){12,18}\d\b`), PIIKindCreditCard, "[REDACTED_CC]"},

	// Email
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), PIIKindEmail, "[REDACTED_EMAIL]"},

	// US phone: requires separators to avoid matching bare digit strings.
	// Matches: (123) 456-7890, 123-456-7890, 123.456.7890, +1-123-456-7890
	{regexp.MustCompile(`(?:\+1[-.\s])?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), PIIKindPhone, "[REDACTED_PHONE]"},

	// IPv4 address with per-octet range check (avoids version strings like 1.2.3)
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`), PIIKindIPAddress, "[REDACTED_IP]"},
}

// PIIResult is the outcome of one PII scan.
//
// RedactedContent is only populated in redact mode; empty means no redacted
// copy was produced. Clean is false in redact and block mode whenever PII was
// found; log_only reports Clean=true while still carrying the detections and
// their count. A clean result never has a redacted copy.
type PIIResult struct {
	Clean           bool
	Detections      []string
	DetectionCount  int
	RedactedContent string
}

// PIIScanner detects the five supported PII kinds and applies the configured
// action: redact, block, or log_only.
type PIIScanner struct {
	Action string
}

// NewPIIScanner returns a scanner with the given action mode.
func NewPIIScanner(action string) *PIIScanner {
	return &PIIScanner{Action: action}
}

// Scan runs every rule over content. Credit-card candidates that fail Luhn
// are discarded silently.
func (s *PIIScanner) Scan(content string) PIIResult {
	if strings.TrimSpace(content) == "" {
		return PIIResult{Clean: true}
	}

	var detections []string
	redacted := content
	total := 0

	for _, rule := range piiRules {
		for _, match := range rule.re.FindAllString(content, -1) {
			if rule.kind == PIIKindCreditCard && !luhnValid(match) {
				continue
			}

			total++
			if !containsString(detections, rule.kind) {
				detections = append(detections, rule.kind)
			}
			redacted = strings.Replace(redacted, match, rule.placeholder, 1)
		}
	}

	if len(detections) == 0 {
		return PIIResult{Clean: true}
	}

	switch s.Action {
	case config.PIIActionBlock:
		return PIIResult{
			Clean:          false,
			Detections:     detections,
			DetectionCount: total,
		}
	case config.PIIActionRedact:
		return PIIResult{
			Clean:           false,
			Detections:      detections,
			DetectionCount:  total,
			RedactedContent: redacted,
		}
	default: // log_only
		return PIIResult{
			Clean:          true,
			Detections:     detections,
			DetectionCount: total,
		}
	}
}

// luhnValid reports whether the digits of number form a valid Luhn checksum.
// Separators are ignored; fewer than 13 or more than 19 digits fail outright.
func luhnValid(number string) bool {
	digits := make([]int, 0, len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	checksum := 0
	for i := 0; i < len(digits); i++ {
		d := digits[len(digits)-1-i]
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		checksum += d
	}
	return checksum%10 == 0
}
