package gate

import (
	"context"
	"net/http"
)

// EvalContext carries the I/O collaborators a gate sequence might need:
// an HTTP client for `http` checks and a review dispatcher for
// `llm_review`. Both are optional: a nil HTTPClient falls back to
// http.DefaultClient, and a nil ReviewDispatcher makes `llm_review` fail
// with provider_not_found.
type EvalContext struct {
	HTTPClient       *http.Client
	ReviewDispatcher ReviewDispatcher
}

// Eval evaluates a single gate definition against inputs/outputs.
func Eval(ctx context.Context, d Def, inputs, outputs map[string]interface{}, ec EvalContext) (Result, error) {
	switch d.Type {
	case CheckShell:
		return EvalShell(ctx, d)
	case CheckHTTP:
		return EvalHTTP(ctx, d, ec.HTTPClient)
	case CheckLLMReview:
		return EvalLLMReview(ctx, d, inputs, outputs, ec.ReviewDispatcher)
	default:
		return EvalPure(d, inputs, outputs)
	}
}

// EvalSequence evaluates every gate in defs in order and aggregates per
// mode. It always evaluates every gate (even after one fails) so results
// are complete for on_gate_fail lookup and audit purposes; aggregation
// happens afterward, not via short-circuiting.
func EvalSequence(ctx context.Context, defs []Def, inputs, outputs map[string]interface{}, mode Composition, ec EvalContext) ([]Result, bool, error) {
	results := make([]Result, 0, len(defs))
	for _, d := range defs {
		r, err := Eval(ctx, d, inputs, outputs, ec)
		if err != nil {
			return results, false, err
		}
		results = append(results, r)
	}
	return results, Aggregate(results, mode), nil
}
