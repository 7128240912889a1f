// Package ratelimit implements continuous-refill token bucket rate
// limiting keyed by (identity, tool).
//
// Two backends are provided: MemoryBackend for a single running
// instance and RedisBackend for multiple cooperating instances. Both
// perform the check-and-decrement as one atomic step — two concurrent
// callers never both succeed when only one token remains.
package ratelimit

import (
	"context"
	"time"
)

// Outcome reports one bucket check.
type Outcome struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until one token is available. Set only on
	// deny: (1 - tokens) / refill_rate.
	RetryAfter time.Duration
}

// Backend is the atomic check-and-decrement capability. Take refills
// the bucket for key by elapsed time, then consumes one token if at
// least one is available. A denied check leaves the token count
// unchanged.
type Backend interface {
	Take(ctx context.Context, key string, capacity int, refillRate float64) (Outcome, error)
	Close() error
}

// Spec carries the policy-configured bucket parameters.
type Spec struct {
	Capacity         int
	RefillRatePerSec float64
}

// Limiter binds a Spec to a Backend and derives bucket keys.
type Limiter struct {
	spec    Spec
	backend Backend
}

// New creates a Limiter. The backend is owned by the caller.
func New(spec Spec, backend Backend) *Limiter {
	return &Limiter{spec: spec, backend: backend}
}

// Check consumes one token from the (identity, tool) bucket.
func (l *Limiter) Check(ctx context.Context, identity, tool string) (Outcome, error) {
	return l.backend.Take(ctx, BucketKey(identity, tool), l.spec.Capacity, l.spec.RefillRatePerSec)
}

// BucketKey builds the per-(identity, tool) bucket key.
func BucketKey(identity, tool string) string {
	return identity + ":" + tool
}

// retryAfter computes the wait until one token is available.
func retryAfter(tokens, refillRate float64) time.Duration {
	return time.Duration((1 - tokens) / refillRate * float64(time.Second))
}
