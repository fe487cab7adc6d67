// Package policy gates tool invocations with OPA rego policies.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a policy may return.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine creates an engine from the policy file at path, or from
// DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the tool policy.
// Input is a map with keys: tool_name, args, project_id, run_id, user_id.
// The policy's decision is either a string or an object
// {"decision": ..., "reason": ...}.
func (e *Engine) Evaluate(ctx context.Context, input any) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// No decision defined at all: the policy has no default.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]any:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("policy decision object has no decision")
		}
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("unexpected policy decision type %T", v)
	}
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

# Patches may not touch repository metadata.
decision = {"decision": "block", "reason": "patches may not modify .git"} {
	input.tool_name == "apply_patch"
	contains(input.args.patch, ".git/")
}

# Secrets files are never read back to the model.
decision = {"decision": "block", "reason": "reading .env files is not allowed"} {
	input.tool_name == "read_file"
	is_env_file(input.args.path)
}

is_env_file(p) {
	p == ".env"
}

is_env_file(p) {
	endswith(p, "/.env")
}
`
