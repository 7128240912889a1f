// Package scanner applies prompt-content heuristics: a length bound and
// an ordered list of deny regexes. Every matching rule produces a
// Finding; matches are collected rather than short-circuited so the
// audit trail carries full diagnostic context.
package scanner

import (
	"fmt"
	"regexp"
)

// Severity levels attached to findings.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Finding is a single diagnostic produced by content scanning or an
// explicit ACL denial.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

// Scanner holds pre-compiled deny patterns and the maximum permitted
// content length. Immutable; safe for concurrent use.
type Scanner struct {
	maxLength int
	patterns  []*regexp.Regexp
}

// New creates a Scanner. Patterns must already be compiled (the policy
// layer compiles them once at load time). maxLength <= 0 disables the
// length check.
func New(patterns []*regexp.Regexp, maxLength int) *Scanner {
	return &Scanner{maxLength: maxLength, patterns: patterns}
}

// Scan evaluates content and returns all findings in rule order.
// An empty result means the content passed every check.
func (s *Scanner) Scan(content string) []Finding {
	var findings []Finding

	if s.maxLength > 0 && len(content) > s.maxLength {
		findings = append(findings, Finding{
			RuleID:   "length-exceeded",
			Severity: SeverityHigh,
			Reason:   fmt.Sprintf("Content length %d exceeds maximum %d", len(content), s.maxLength),
		})
	}

	for i, p := range s.patterns {
		if p.MatchString(content) {
			findings = append(findings, Finding{
				RuleID:   fmt.Sprintf("prompt_regex_%d", i),
				Severity: SeverityHigh,
				Reason:   "Matched " + p.String(),
			})
		}
	}

	return findings
}
