// Package policy evaluates the dispatch policy that decides whether a routing
// decision may be executed by the capability it names.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/open-policy-agent/opa/rego"
)

const (
	query      = "data.dispatch_policy"
	moduleName = "dispatch_policy.rego"
)

// Input is what the policy sees of a routing decision.
type Input struct {
	Capability string
	Confidence float64
	IsFallback bool
	Source     string
	Owner      string
	SessionID  string
}

func (in Input) toMap() map[string]any {
	return map[string]any{
		"capability":  in.Capability,
		"confidence":  in.Confidence,
		"is_fallback": in.IsFallback,
		"source":      in.Source,
		"owner":       in.Owner,
		"session_id":  in.SessionID,
	}
}

// Decision is the evaluated verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine is the OPA policy engine. The prepared query can be swapped at
// runtime with Reload.
type Engine struct {
	query atomic.Pointer[rego.PreparedEvalQuery]
}

// NewEngine creates a policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(ctx, policyContent); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadFile creates an engine from a policy file.
func LoadFile(ctx context.Context, path string) (*Engine, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Reload compiles policyContent and swaps it in. On error the previous
// policy stays active.
func (e *Engine) Reload(ctx context.Context, policyContent string) error {
	r := rego.New(
		rego.Query(query),
		rego.Module(moduleName, policyContent),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare rego: %w", err)
	}
	e.query.Store(&prepared)
	return nil
}

// Evaluate checks the dispatch policy for in. A policy without a decision
// rule allows.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	q := e.query.Load()
	results, err := q.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true, Reason: "default"}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy document %T", results[0].Expressions[0].Value)
	}
	reason, _ := doc["reason"].(string)
	switch doc["decision"] {
	case "allow", nil:
		return Decision{Allow: true, Reason: reason}, nil
	case "deny":
		return Decision{Allow: false, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("unexpected policy decision %v", doc["decision"])
	}
}

// DefaultPolicy lets weak heuristic matches fall through to the general
// handler.
const DefaultPolicy = `
package dispatch_policy

import rego.v1

default decision := "allow"

decision := "deny" if {
	input.source == "heuristic"
	input.confidence <= 0.5
}

reason := "weak keyword match" if {
	decision == "deny"
}
`
