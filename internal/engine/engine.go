// Package engine evaluates tool calls against the active policy.
//
// The pipeline runs in a fixed order: rate limit, tool ACL, resource
// ACL, content scan. The first failing stage decides; later stages do
// not run. Every call to Check emits exactly one audit record, allow
// or deny, and evaluation itself never mutates policy state, so the
// same input against the same policy yields the same decision
// (rate-limit token consumption aside).
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bastion-sec/bastion/internal/acl"
	"github.com/bastion-sec/bastion/internal/attest"
	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/ratelimit"
	"github.com/bastion-sec/bastion/internal/scanner"
)

// RateChecker is the slice of the rate limiter the engine needs.
type RateChecker interface {
	Check(ctx context.Context, identity, tool string) (ratelimit.Outcome, error)
}

// Config wires an Engine.
type Config struct {
	Limiter       RateChecker
	Tools         *acl.Matcher
	Resources     *acl.Matcher
	Scanner       *scanner.Scanner
	Sink          audit.Sink
	Digester      attest.Digester // nil disables payload digests
	PolicyVersion int
	Logger        *zap.Logger
}

// Engine applies the policy pipeline to tool calls.
type Engine struct {
	limiter       RateChecker
	tools         *acl.Matcher
	resources     *acl.Matcher
	scanner       *scanner.Scanner
	sink          audit.Sink
	digester      attest.Digester
	policyVersion int
	logger        *zap.Logger
	now           func() time.Time
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		limiter:       cfg.Limiter,
		tools:         cfg.Tools,
		resources:     cfg.Resources,
		scanner:       cfg.Scanner,
		sink:          cfg.Sink,
		digester:      cfg.Digester,
		policyVersion: cfg.PolicyVersion,
		logger:        logger,
		now:           time.Now,
	}
}

// Check runs the full pipeline for one tool call and records the
// outcome. The returned Decision is final for this call.
func (e *Engine) Check(ctx context.Context, in CheckInput) Decision {
	start := e.now()
	d, resource := e.evaluate(ctx, in)
	e.record(in, d, resource, start)
	return d
}

// evaluate returns the decision plus the resource URI it was made on:
// the denied URI for a resource-ACL deny, the first URI otherwise.
func (e *Engine) evaluate(ctx context.Context, in CheckInput) (Decision, string) {
	tool := acl.NormalizeTool(in.Tool)
	resource := ""
	if len(in.Resources) > 0 {
		resource = in.Resources[0]
	}

	if e.limiter != nil {
		out, err := e.limiter.Check(ctx, in.Identity, tool)
		if err != nil {
			// Backend unreachable: deny rather than wave traffic
			// through unmetered.
			e.logger.Error("rate limit backend error", zap.Error(err), zap.String("identity", in.Identity))
			return Decision{Reason: ReasonRateLimited}, resource
		}
		if !out.Allowed {
			return Decision{Reason: ReasonRateLimited, RetryAfter: out.RetryAfter}, resource
		}
	}

	if e.tools != nil && tool != "" {
		if res := e.tools.Check(tool); !res.Allowed {
			return aclDecision(res), resource
		}
	}

	if e.resources != nil {
		for _, uri := range in.Resources {
			if res := e.resources.Check(uri); !res.Allowed {
				return aclDecision(res), uri
			}
		}
	}

	if e.scanner != nil && in.Prompt != "" {
		if findings := e.scanner.Scan(in.Prompt); len(findings) > 0 {
			return Decision{
				Reason:   ReasonPromptInjectionSuspected,
				RuleID:   findings[0].RuleID,
				Findings: findings,
			}, resource
		}
	}

	return Allowed(), resource
}

func aclDecision(res acl.Result) Decision {
	reason := ReasonNotAllowed
	if res.Explicit {
		reason = ReasonDeniedByPolicy
	}
	return Decision{Reason: reason, RuleID: res.RuleID}
}

func (e *Engine) record(in CheckInput, d Decision, resource string, start time.Time) {
	if e.sink == nil {
		return
	}
	rec := &audit.Record{
		ID:            uuid.NewString(),
		TS:            start.UTC(),
		Identity:      in.Identity,
		Tool:          acl.NormalizeTool(in.Tool),
		Resource:      resource,
		Decision:      "deny",
		Reason:        d.Reason.String(),
		Findings:      d.Findings,
		LatencyMs:     float32(e.now().Sub(start).Microseconds()) / 1000,
		PolicyVersion: e.policyVersion,
	}
	if d.Allow {
		rec.Decision = "allow"
	}
	if d.Reason == ReasonRateLimited {
		rec.RetryAfterSec = d.RetryAfter.Seconds()
	}
	if rec.Findings == nil {
		rec.Findings = []scanner.Finding{}
	}
	if e.digester != nil && len(in.Payload) > 0 {
		rec.RequestHash = e.digester.Sum(in.Payload)
	}
	e.sink.Write(rec)
}
