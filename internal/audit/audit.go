// Package audit records every policy decision as an append-only stream
// of JSON records.
//
// A sink write failure is a local fault of the sink: it is logged and
// never retroactively alters or re-evaluates the Decision already made
// (fail-open; the decision stands and traffic proceeds).
package audit

import (
	"time"

	"github.com/bastion-sec/bastion/internal/scanner"
)

// Record is one audit entry. Immutable once created.
type Record struct {
	ID            string            `json:"id"`
	TS            time.Time         `json:"ts"`
	Identity      string            `json:"identity"`
	Tool          string            `json:"tool,omitempty"`
	Resource      string            `json:"resource,omitempty"`
	Decision      string            `json:"decision"` // "allow" | "deny"
	Reason        string            `json:"reason"`
	Findings      []scanner.Finding `json:"findings"`
	RetryAfterSec float64           `json:"retry_after_sec,omitempty"`
	RequestHash   string            `json:"request_hash,omitempty"`
	LatencyMs     float32           `json:"latency_ms"`
	PolicyVersion int               `json:"policy_version"`
}

// Sink receives audit records. Implementations must serialize
// concurrent writers so records never interleave partially.
type Sink interface {
	Write(*Record)
	Close()
}

// Multi fans one record out to several sinks.
type Multi []Sink

func (m Multi) Write(r *Record) {
	for _, s := range m {
		s.Write(r)
	}
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}
