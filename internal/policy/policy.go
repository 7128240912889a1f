// Package policy loads and validates the on-disk policy description
// into an immutable in-memory model.
//
// A Policy that fails any invariant never comes into existence: Load
// either returns a fully validated model with every pattern compiled,
// or a *ConfigError and no model. Hot reload, if ever needed, is a new
// Policy swapped in atomically at a single reference — never an
// in-place mutation.
package policy

import (
	"fmt"
	"regexp"

	"github.com/bastion-sec/bastion/internal/acl"
)

// Auth modes.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api_key"
	AuthModeBearer = "bearer"
)

// Rate-limit backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Audit outputs.
const (
	AuditOutputStdout = "stdout"
	AuditOutputFile   = "file"
)

// ConfigError reports a malformed or invalid policy. Fatal at startup;
// no partial policy is ever active.
type ConfigError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("policy %s: %s", e.Path, e.Msg)
	}
	return "policy: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthSettings configures the authenticator.
type AuthSettings struct {
	Mode          string   `yaml:"mode"`
	AllowedKeys   []string `yaml:"allowed_keys"`
	AllowedTokens []string `yaml:"allowed_tokens"`
	// PostgresDSN switches api_key mode to the Postgres-backed
	// credential store instead of the inline allowed_keys set.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RuleSet is an ordered allow/deny pattern pair.
type RuleSet struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// PromptSettings configures content heuristics.
type PromptSettings struct {
	DenyRegex []string `yaml:"deny_regex"`
	MaxLength int      `yaml:"max_length"`
}

// RateLimitSettings configures the token bucket.
type RateLimitSettings struct {
	Capacity         int     `yaml:"capacity"`
	RefillRatePerSec float64 `yaml:"refill_rate_per_sec"`
	Backend          string  `yaml:"backend"`
	RedisDSN         string  `yaml:"redis_dsn"`
}

// AuditSettings configures where audit records go.
type AuditSettings struct {
	Output        string `yaml:"output"`
	FilePath      string `yaml:"file_path"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
}

// AttestationSettings configures payload digests on audit records.
type AttestationSettings struct {
	Enabled bool   `yaml:"enabled"`
	Alg     string `yaml:"alg"`
}

// Policy is the immutable validated configuration. Built once by Load;
// read-only forever after.
type Policy struct {
	Version     int                 `yaml:"version"`
	Auth        AuthSettings        `yaml:"auth"`
	Tools       RuleSet             `yaml:"tools"`
	Resources   RuleSet             `yaml:"resources"`
	Prompts     PromptSettings      `yaml:"prompts"`
	RateLimit   RateLimitSettings   `yaml:"rate_limit"`
	Audit       AuditSettings       `yaml:"audit"`
	Attestation AttestationSettings `yaml:"attestation"`

	toolMatcher     *acl.Matcher
	resourceMatcher *acl.Matcher
	promptPatterns  []*regexp.Regexp
}

// ToolMatcher returns the compiled tool ACL.
func (p *Policy) ToolMatcher() *acl.Matcher { return p.toolMatcher }

// ResourceMatcher returns the compiled resource ACL.
func (p *Policy) ResourceMatcher() *acl.Matcher { return p.resourceMatcher }

// PromptPatterns returns the compiled prompt deny regexes in order.
func (p *Policy) PromptPatterns() []*regexp.Regexp { return p.promptPatterns }

func defaultPolicy() Policy {
	return Policy{
		Version: 1,
		Auth:    AuthSettings{Mode: AuthModeNone},
		Prompts: PromptSettings{MaxLength: 4000},
		RateLimit: RateLimitSettings{
			Capacity:         30,
			RefillRatePerSec: 1.0,
			Backend:          RateLimitBackendMemory,
		},
		Audit:       AuditSettings{Output: AuditOutputStdout},
		Attestation: AttestationSettings{Alg: "sha256"},
	}
}

// validate enforces the semantic invariants and compiles all patterns.
// Called only by Load, before the Policy is handed to anyone.
func (p *Policy) validate() error {
	switch p.Auth.Mode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if len(p.Auth.AllowedKeys) == 0 && p.Auth.PostgresDSN == "" {
			return fmt.Errorf("auth.allowed_keys or auth.postgres_dsn required for api_key mode")
		}
	case AuthModeBearer:
		if len(p.Auth.AllowedTokens) == 0 {
			return fmt.Errorf("auth.allowed_tokens required for bearer mode")
		}
	default:
		return fmt.Errorf("auth.mode %q is not one of none, api_key, bearer", p.Auth.Mode)
	}

	if p.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be >= 1, got %d", p.RateLimit.Capacity)
	}
	if p.RateLimit.RefillRatePerSec <= 0 {
		return fmt.Errorf("rate_limit.refill_rate_per_sec must be > 0, got %g", p.RateLimit.RefillRatePerSec)
	}
	switch p.RateLimit.Backend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if p.RateLimit.RedisDSN == "" {
			return fmt.Errorf("rate_limit.redis_dsn required for redis backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend %q is not one of memory, redis", p.RateLimit.Backend)
	}

	if p.Prompts.MaxLength <= 0 {
		return fmt.Errorf("prompts.max_length must be positive, got %d", p.Prompts.MaxLength)
	}

	switch p.Audit.Output {
	case AuditOutputStdout:
	case AuditOutputFile:
		if p.Audit.FilePath == "" {
			return fmt.Errorf("audit.file_path required for file output")
		}
	default:
		return fmt.Errorf("audit.output %q is not one of stdout, file", p.Audit.Output)
	}

	var err error
	if p.toolMatcher, err = acl.NewToolMatcher(p.Tools.Allow, p.Tools.Deny); err != nil {
		return err
	}
	if p.resourceMatcher, err = acl.NewResourceMatcher(p.Resources.Allow, p.Resources.Deny); err != nil {
		return err
	}

	p.promptPatterns = make([]*regexp.Regexp, 0, len(p.Prompts.DenyRegex))
	for i, expr := range p.Prompts.DenyRegex {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("prompts.deny_regex[%d] %q: %w", i, expr, err)
		}
		p.promptPatterns = append(p.promptPatterns, re)
	}

	return nil
}
