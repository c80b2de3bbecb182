// Package security implements the content-level controls of the gateway:
// API-key authentication, prompt-injection scoring, PII detection and
// redaction, and response scanning.
package security

import (
	"math"
	"regexp"
	"strings"
)

// Injection categories.
const (
	CategoryInstructionOverride = "instruction_override"
	CategoryRoleManipulation    = "role_manipulation"
	CategoryDelimiterInjection  = "delimiter_injection"
	CategoryContextManipulation = "context_manipulation"
)

// injectionRule scores one jailbreak cue. Weights reflect severity; higher
// is more suspicious.
type injectionRule struct {
	re       *regexp.Regexp
	weight   float64
	category string
}

// The rule table is normative: changing a pattern changes observable
// behavior, so additions belong at the end with a matching test.
var injectionRules = []injectionRule{
	// ── Instruction override ──────────────────────────────────────────────────
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`), 0.5, CategoryInstructionOverride},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions|prompts|rules|programming)`), 0.5, CategoryInstructionOverride},
	{regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|your)\s+(instructions|rules|context|programming)`), 0.5, CategoryInstructionOverride},
	{regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|any|the)\s+(previous|prior|original)\s+(instructions|rules)`), 0.5, CategoryInstructionOverride},
	{regexp.MustCompile(`(?i)override\s+(your|all|the)\s+(instructions|rules|guidelines|programming)`), 0.4, CategoryInstructionOverride},
	{regexp.MustCompile(`(?i)new\s+instructions?\s*:`), 0.3, CategoryInstructionOverride},

	// ── Role manipulation ─────────────────────────────────────────────────────
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+`), 0.4, CategoryRoleManipulation},
	{regexp.MustCompile(`(?i)act\s+as\s+(an?\s+)?(unrestricted|unfiltered|uncensored|evil)`), 0.5, CategoryRoleManipulation},
	{regexp.MustCompile(`(?i)pretend\s+(you'?re?|to\s+be)\s+(an?\s+)?(unrestricted|unfiltered|different\s+ai)`), 0.5, CategoryRoleManipulation},
	{regexp.MustCompile(`(?i)\bDAN\s*(mode)?\b`), 0.6, CategoryRoleManipulation},
	{regexp.MustCompile(`(?i)jailbreak`), 0.7, CategoryRoleManipulation},
	{regexp.MustCompile(`(?i)developer\s+mode\s+(enabled|on|activated)`), 0.5, CategoryRoleManipulation},

	// ── Delimiter injection ───────────────────────────────────────────────────
	{regexp.MustCompile(`(?i)<\|?(system|im_start|im_end|endoftext)\|?>`), 0.6, CategoryDelimiterInjection},
	{regexp.MustCompile(`(?i)\[SYSTEM\]`), 0.4, CategoryDelimiterInjection},
	{regexp.MustCompile(`(?i)#{3,}\s*(system|instruction|prompt)`), 0.3, CategoryDelimiterInjection},
	{regexp.MustCompile("(?i)```\\s*(system|instruction)"), 0.3, CategoryDelimiterInjection},

	// ── Context manipulation ──────────────────────────────────────────────────
	{regexp.MustCompile(`(?i)(respond|answer|reply)\s+(without|with\s+no)\s+(restrictions|limits|filters|guidelines)`), 0.5, CategoryContextManipulation},
	{regexp.MustCompile(`(?i)no\s+(ethical|moral|safety)\s+(guidelines|restrictions|filters|limits)`), 0.5, CategoryContextManipulation},
	{regexp.MustCompile(`(?i)bypass\s+(your|all|the|any)\s+(restrictions|filters|safety|guidelines)`), 0.6, CategoryContextManipulation},
	{regexp.MustCompile(`(?i)enable\s+(unrestricted|unfiltered|uncensored)\s+mode`), 0.5, CategoryContextManipulation},
}

// ScanResult is the outcome of one injection scan.
//
// RiskScore is the reporting value, clamped to [0,1] and rounded to two
// decimals. The blocking decision is made against the unclamped cumulative
// score before clamping. The two must not be merged.
type ScanResult struct {
	Allowed    bool
	RiskScore  float64
	Reason     string
	Categories []string
}

// InjectionScanner scores prompt text against the rule table and blocks when
// the cumulative score reaches Threshold.
type InjectionScanner struct {
	Threshold float64
}

// NewInjectionScanner returns a scanner blocking at threshold.
func NewInjectionScanner(threshold float64) *InjectionScanner {
	return &InjectionScanner{Threshold: threshold}
}

// Scan runs every rule over content and accumulates weight × hit-count.
// Empty or whitespace-only content always passes with score 0.
func (s *InjectionScanner) Scan(content string) ScanResult {
	if strings.TrimSpace(content) == "" {
		return ScanResult{Allowed: true, RiskScore: 0, Reason: "empty"}
	}

	var total float64
	var matched []string

	for _, rule := range injectionRules {
		hits := rule.re.FindAllStringIndex(content, -1)
		if len(hits) == 0 {
			continue
		}
		total += rule.weight * float64(len(hits))
		if !containsString(matched, rule.category) {
			matched = append(matched, rule.category)
		}
	}

	display := math.Round(math.Min(total, 1.0)*100) / 100

	if total >= s.Threshold {
		return ScanResult{
			Allowed:    false,
			RiskScore:  display,
			Reason:     "Injection detected: " + strings.Join(matched, ", "),
			Categories: matched,
		}
	}

	reason := "pass"
	if len(matched) > 0 {
		reason = "Low-risk patterns: " + strings.Join(matched, ", ")
	}
	return ScanResult{
		Allowed:    true,
		RiskScore:  display,
		Reason:     reason,
		Categories: matched,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
