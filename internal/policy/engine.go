// Package policy gates tool calls made by the fallback loop with an OPA
// policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document evaluated for one tool call.
type Input struct {
	ToolName  string                 `json:"tool_name"`
	Args      map[string]interface{} `json:"args"`
	RunID     string                 `json:"run_id,omitempty"`
	CallIndex int                    `json:"call_index"`
	MaxCalls  int                    `json:"max_calls,omitempty"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The
// module must define data.research_tool_policy.result as a decision string
// or an object {decision, reason}.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.research_tool_policy.result"),
		rego.Module("research_tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine creates an engine with DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate checks a tool call.
// Returns: decision (allow, block), reason (optional), error
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines its own default; an undefined result means a
		// module without one.
		return DecisionAllow, "default", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return val, "", nil
	case map[string]interface{}:
		decision, _ := val["decision"].(string)
		reason, _ := val["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("policy result has no decision")
		}
		return decision, reason, nil
	}
	return DecisionAllow, "unexpected return type", nil
}

// DefaultPolicy allows the fallback tools, requires retrieve to target an
// http(s) URL, and caps the number of calls per run when max_calls is set.
const DefaultPolicy = `
package research_tool_policy

known_tools = {"search", "retrieve"}

deny[msg] {
	not known_tools[input.tool_name]
	msg := sprintf("unknown tool %s", [input.tool_name])
}

deny[msg] {
	input.tool_name == "retrieve"
	not http_url
	msg := "retrieve requires an http(s) url"
}

deny[msg] {
	input.max_calls > 0
	input.call_index >= input.max_calls
	msg := "tool call budget exhausted"
}

http_url {
	startswith(input.args.url, "http://")
}

http_url {
	startswith(input.args.url, "https://")
}

default decision = "allow"

decision = "block" {
	count(deny) > 0
}

default reason = ""

reason = concat("; ", deny) {
	count(deny) > 0
}

result = {"decision": decision, "reason": reason}
`
