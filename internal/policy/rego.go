package policy

import (
	"context"

	"github.com/goodtune/kspeaker/internal/policy/opa"
)

// RegoEvaluator evaluates facts with an OPA policy.
type RegoEvaluator struct {
	engine *opa.Engine
}

// NewRegoEvaluator wraps an OPA engine.
func NewRegoEvaluator(engine *opa.Engine) *RegoEvaluator {
	return &RegoEvaluator{engine: engine}
}

// Evaluate implements Evaluator.
func (r *RegoEvaluator) Evaluate(ctx context.Context, f Facts) (Decision, error) {
	d, err := r.engine.Evaluate(ctx, f.Input())
	if err != nil {
		return Decision{}, err
	}
	if d.Allowed {
		return Allow(), nil
	}
	return Block(Reason(d.Reason)), nil
}

// Reload reloads the underlying policies.
func (r *RegoEvaluator) Reload() error {
	return r.engine.Reload()
}
