package engine

import (
	"time"

	"github.com/bastion-sec/bastion/internal/scanner"
)

// Reason classifies why an evaluation ended the way it did.
type Reason int

const (
	ReasonAllowed Reason = iota
	ReasonUnauthenticated
	ReasonRateLimited
	ReasonDeniedByPolicy
	ReasonNotAllowed
	ReasonPromptInjectionSuspected
	ReasonUpstreamUnavailable
	ReasonProtocolError
)

var reasonNames = map[Reason]string{
	ReasonAllowed:                  "allowed",
	ReasonUnauthenticated:          "unauthenticated",
	ReasonRateLimited:              "rate_limited",
	ReasonDeniedByPolicy:           "denied_by_policy",
	ReasonNotAllowed:               "not_allowed",
	ReasonPromptInjectionSuspected: "prompt_injection_suspected",
	ReasonUpstreamUnavailable:      "upstream_unavailable",
	ReasonProtocolError:            "protocol_error",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allow    bool
	Reason   Reason
	RuleID   string
	Findings []scanner.Finding
	// RetryAfter is set only when Reason is ReasonRateLimited.
	RetryAfter time.Duration
}

// Allowed is the canonical allow decision.
func Allowed() Decision {
	return Decision{Allow: true, Reason: ReasonAllowed}
}

// CheckInput describes one tool call to evaluate.
type CheckInput struct {
	Identity  string
	Tool      string
	Resources []string
	Prompt    string
	// Payload is the raw request body, digested into the audit record
	// when attestation is on.
	Payload []byte
}
