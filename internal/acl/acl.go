// Package acl implements ordered allow/deny pattern matching for tool
// names and resource URIs.
//
// Patterns are glob-style by default: `*` matches within a path segment,
// `**` matches across segments, `?` matches a single rune. A pattern
// prefixed with `re:` is compiled as an anchored regular expression.
// All patterns are compiled once when the matcher is built — never
// during a check.
package acl

import (
	"fmt"
	"regexp"
	"strings"
)

// Result is the outcome of matching one subject against a rule set.
type Result struct {
	Allowed bool
	// RuleID identifies the first matching rule. Empty when the subject
	// was rejected because no allow rule matched (there is no rule to
	// point at in that case).
	RuleID string
	// Explicit is true when a deny rule matched. It distinguishes
	// "denied by policy" from "not on the allow list".
	Explicit bool
}

type rule struct {
	id  string
	raw string
	re  *regexp.Regexp
}

// Matcher evaluates a subject string against ordered deny and allow
// rules. Deny rules are checked first; an explicit deny always wins
// regardless of allow-list breadth. An empty allow list means
// allow-by-default.
//
// A Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	allow     []rule
	deny      []rule
	normalize func(string) string
}

// NewToolMatcher builds a matcher for tool names. Tool names and
// patterns are normalized by replacing "/" with "." so that
// "calculator/add" and "calculator.add" refer to the same tool.
func NewToolMatcher(allow, deny []string) (*Matcher, error) {
	return newMatcher("tool", allow, deny, `[^.]`, normalizeTool)
}

// NewResourceMatcher builds a matcher for resource URIs. Segments are
// separated by "/".
func NewResourceMatcher(allow, deny []string) (*Matcher, error) {
	return newMatcher("resource", allow, deny, `[^/]`, nil)
}

func newMatcher(scope string, allow, deny []string, sepClass string, normalize func(string) string) (*Matcher, error) {
	m := &Matcher{normalize: normalize}
	var err error
	m.deny, err = compileRules(scope+"_deny", deny, sepClass, normalize)
	if err != nil {
		return nil, err
	}
	m.allow, err = compileRules(scope+"_allow", allow, sepClass, normalize)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func compileRules(prefix string, patterns []string, sepClass string, normalize func(string) string) ([]rule, error) {
	rules := make([]rule, 0, len(patterns))
	for i, p := range patterns {
		raw := p
		if normalize != nil {
			p = normalize(p)
		}
		re, err := compilePattern(p, sepClass)
		if err != nil {
			return nil, fmt.Errorf("acl: pattern %s[%d] %q: %w", prefix, i, raw, err)
		}
		rules = append(rules, rule{
			id:  fmt.Sprintf("%s_%d", prefix, i),
			raw: raw,
			re:  re,
		})
	}
	return rules, nil
}

// compilePattern turns a single pattern into an anchored regexp.
func compilePattern(p, sepClass string) (*regexp.Regexp, error) {
	if rest, ok := strings.CutPrefix(p, "re:"); ok {
		return regexp.Compile("^(?:" + rest + ")$")
	}
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(p)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString(sepClass + "*")
			}
		case '?':
			b.WriteString(sepClass)
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func normalizeTool(s string) string {
	return strings.ReplaceAll(s, "/", ".")
}

// NormalizeTool canonicalizes a tool name the same way the matcher does.
func NormalizeTool(s string) string {
	return normalizeTool(s)
}

// Check evaluates the subject. Order:
//  1. Any matching deny rule → deny with that rule's id, before any
//     allow rule is consulted.
//  2. Non-empty allow list → the subject must match at least one allow
//     rule, otherwise deny.
//  3. Empty allow list → allow (deny-list-only policies mean
//     "allow everything except X").
func (m *Matcher) Check(subject string) Result {
	if m.normalize != nil {
		subject = m.normalize(subject)
	}
	for _, r := range m.deny {
		if r.re.MatchString(subject) {
			return Result{Allowed: false, RuleID: r.id, Explicit: true}
		}
	}
	if len(m.allow) == 0 {
		return Result{Allowed: true}
	}
	for _, r := range m.allow {
		if r.re.MatchString(subject) {
			return Result{Allowed: true, RuleID: r.id}
		}
	}
	return Result{Allowed: false}
}

// RuleRaw returns the raw pattern behind a rule id, or "" if unknown.
// Used to build human-readable denial reasons.
func (m *Matcher) RuleRaw(id string) string {
	for _, r := range m.deny {
		if r.id == id {
			return r.raw
		}
	}
	for _, r := range m.allow {
		if r.id == id {
			return r.raw
		}
	}
	return ""
}
