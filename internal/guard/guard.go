// Package guard offers the policy pipeline as an in-process wrapper
// for hosts that embed their tools instead of proxying to a backend.
package guard

import (
	"context"
	"fmt"

	"github.com/bastion-sec/bastion/internal/acl"
	"github.com/bastion-sec/bastion/internal/engine"
)

// Call is one invocation of a wrapped tool.
type Call struct {
	Args      map[string]any
	Prompt    string
	Resources []string
}

// ToolFunc is the host's tool implementation.
type ToolFunc func(ctx context.Context, call Call) (any, error)

// GuardedTool evaluates policy for the given identity before running
// the underlying tool.
type GuardedTool func(ctx context.Context, identity string, call Call) (any, error)

// DeniedError reports a call stopped by policy. The wrapped tool was
// never invoked.
type DeniedError struct {
	Tool     string
	Decision engine.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("guard: %s denied: %s", e.Tool, e.Decision.Reason)
}

// IsDenied reports whether err is a policy denial and returns it.
func IsDenied(err error) (*DeniedError, bool) {
	de, ok := err.(*DeniedError)
	return de, ok
}

// Guard wraps tools with the decision engine.
type Guard struct {
	engine *engine.Engine
}

func New(eng *engine.Engine) *Guard {
	return &Guard{engine: eng}
}

// WrapTool returns fn guarded under the given tool name. Every
// invocation runs the full pipeline and is audited; fn runs only on
// an allow.
func (g *Guard) WrapTool(name string, fn ToolFunc) GuardedTool {
	tool := acl.NormalizeTool(name)
	return func(ctx context.Context, identity string, call Call) (any, error) {
		d := g.engine.Check(ctx, engine.CheckInput{
			Identity:  identity,
			Tool:      tool,
			Resources: call.Resources,
			Prompt:    promptFor(call),
		})
		if !d.Allow {
			return nil, &DeniedError{Tool: tool, Decision: d}
		}
		return fn(ctx, call)
	}
}

// promptFor is the scanned text: the explicit prompt plus any string
// arguments.
func promptFor(call Call) string {
	text := call.Prompt
	for _, v := range call.Args {
		if s, ok := v.(string); ok {
			if text != "" {
				text += "\n"
			}
			text += s
		}
	}
	return text
}
