package engine

import (
	"context"
	"fmt"

	"github.com/openskelo/openskelo/exprlang"
)

// HandlerRequest is what a deterministic handler receives (spec §6
// Deterministic handler consumed interface).
type HandlerRequest struct {
	Inputs  map[string]interface{}
	Config  map[string]interface{}
	BlockID string
	RunID   string
}

// DeterministicHandler executes a deterministic-mode block's logic,
// returning the produced outputs mapping.
type DeterministicHandler interface {
	Handle(ctx context.Context, req HandlerRequest) (map[string]interface{}, error)
}

// HandlerFunc adapts a plain function to DeterministicHandler.
type HandlerFunc func(ctx context.Context, req HandlerRequest) (map[string]interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, req HandlerRequest) (map[string]interface{}, error) {
	return f(ctx, req)
}

// HandlerRegistry resolves a block's deterministic.handler name to a
// DeterministicHandler (SPEC_FULL §4.8). It ships the two builtin handlers
// the source's templates rely on and lets hosts register their own.
type HandlerRegistry struct {
	handlers map[string]DeterministicHandler
}

// NewHandlerRegistry returns a registry pre-populated with builtin:transform
// and builtin:passthrough.
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: map[string]DeterministicHandler{}}
	r.Register("builtin:passthrough", HandlerFunc(passthroughHandler))
	r.Register("builtin:transform", HandlerFunc(transformHandler))
	return r
}

// Register installs or replaces the handler for name.
func (r *HandlerRegistry) Register(name string, h DeterministicHandler) {
	r.handlers[name] = h
}

// Resolve looks up a handler by name. The returned bool is false for an
// unregistered name; callers map that to DET_CONFIG_INVALID.
func (r *HandlerRegistry) Resolve(name string) (DeterministicHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// passthroughHandler forwards every input straight through as an output of
// the same name; blocks using it typically declare identical input/output
// port sets.
func passthroughHandler(_ context.Context, req HandlerRequest) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(req.Inputs))
	for k, v := range req.Inputs {
		out[k] = v
	}
	return out, nil
}

// transformHandler evaluates one sandboxed expression per declared output
// port. Config shape: {"outputs": {"<port>": "<expression>", ...}}. Each
// expression runs with scope {inputs: req.Inputs, config: req.Config}.
func transformHandler(_ context.Context, req HandlerRequest) (map[string]interface{}, error) {
	rawOutputs, _ := req.Config["outputs"].(map[string]interface{})
	scope := exprlang.Scope{"inputs": req.Inputs, "config": req.Config}
	out := make(map[string]interface{}, len(rawOutputs))
	for port, rawExpr := range rawOutputs {
		exprStr, ok := rawExpr.(string)
		if !ok {
			return nil, fmt.Errorf("builtin:transform: output %q is not a string expression", port)
		}
		v, err := exprlang.Evaluate(exprStr, scope)
		if err != nil {
			return nil, fmt.Errorf("builtin:transform: output %q: %w", port, err)
		}
		out[port] = v
	}
	return out, nil
}
