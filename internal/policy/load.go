package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// policySchema is the structural contract for the policy file. Checked
// before the document is decoded into the typed model, so shape errors
// surface with JSON-pointer paths instead of zero-valued fields.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "auth": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "mode": {"enum": ["none", "api_key", "bearer"]},
        "allowed_keys": {"type": "array", "items": {"type": "string"}},
        "allowed_tokens": {"type": "array", "items": {"type": "string"}},
        "postgres_dsn": {"type": "string"}
      }
    },
    "tools": {"$ref": "#/$defs/ruleset"},
    "resources": {"$ref": "#/$defs/ruleset"},
    "prompts": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "deny_regex": {"type": "array", "items": {"type": "string"}},
        "max_length": {"type": "integer", "minimum": 1}
      }
    },
    "rate_limit": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "capacity": {"type": "integer", "minimum": 1},
        "refill_rate_per_sec": {"type": "number", "exclusiveMinimum": 0},
        "backend": {"enum": ["memory", "redis"]},
        "redis_dsn": {"type": "string"}
      }
    },
    "audit": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "output": {"enum": ["stdout", "file"]},
        "file_path": {"type": "string"},
        "clickhouse_dsn": {"type": "string"}
      }
    },
    "attestation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "alg": {"enum": ["sha256", "sha512"]}
      }
    }
  },
  "$defs": {
    "ruleset": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "allow": {"type": "array", "items": {"type": "string"}},
        "deny": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(policySchema))
	if err != nil {
		panic(fmt.Sprintf("policy schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.json", doc); err != nil {
		panic(fmt.Sprintf("policy schema: %v", err))
	}
	s, err := c.Compile("policy.json")
	if err != nil {
		panic(fmt.Sprintf("policy schema: %v", err))
	}
	return s
}

// Load reads, validates, and compiles a policy file. Any failure
// returns a *ConfigError and no policy.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Msg: "read failed", Err: err}
	}
	p, err := Parse(data)
	if err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Path = path
			return nil, ce
		}
		return nil, &ConfigError{Path: path, Msg: err.Error(), Err: err}
	}
	return p, nil
}

// Parse validates and compiles raw policy YAML.
func Parse(data []byte) (*Policy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Msg: "invalid YAML", Err: err}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, &ConfigError{Msg: "schema validation failed: " + err.Error(), Err: err}
	}

	p := defaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &ConfigError{Msg: "decode failed", Err: err}
	}
	if err := p.validate(); err != nil {
		return nil, &ConfigError{Msg: err.Error(), Err: err}
	}
	return &p, nil
}
