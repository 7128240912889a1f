package jsonrpc

import (
	"encoding/json"

	"github.com/bastion-sec/bastion/internal/engine"
	"github.com/bastion-sec/bastion/internal/scanner"
)

// denyData is the structured payload attached to policy error frames.
type denyData struct {
	Reason        string            `json:"reason"`
	RuleID        string            `json:"rule_id,omitempty"`
	Findings      []scanner.Finding `json:"findings,omitempty"`
	RetryAfterSec float64           `json:"retry_after_sec,omitempty"`
}

var reasonCodes = map[engine.Reason]int{
	engine.ReasonUnauthenticated:          CodeUnauthenticated,
	engine.ReasonRateLimited:              CodeRateLimited,
	engine.ReasonDeniedByPolicy:           CodeDeniedByPolicy,
	engine.ReasonNotAllowed:               CodeNotAllowed,
	engine.ReasonPromptInjectionSuspected: CodePromptInjectionSuspected,
	engine.ReasonUpstreamUnavailable:      CodeUpstreamUnavailable,
}

// CodeFor maps a deny reason to its wire error code.
func CodeFor(r engine.Reason) int {
	if c, ok := reasonCodes[r]; ok {
		return c
	}
	return CodeInvalidRequest
}

// DenyResponse builds the error frame sent in place of a forwarded
// request when the engine denies it.
func DenyResponse(id json.RawMessage, d engine.Decision) *Message {
	data := denyData{
		Reason:   d.Reason.String(),
		RuleID:   d.RuleID,
		Findings: d.Findings,
	}
	if d.Reason == engine.ReasonRateLimited {
		data.RetryAfterSec = d.RetryAfter.Seconds()
	}
	return NewErrorResponse(id, CodeFor(d.Reason), d.Reason.String(), data)
}
