package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortNotEmpty(t *testing.T) {
	d := Def{Name: "g", Type: CheckPortNotEmpty, Fields: map[string]interface{}{"port": "answer"}}
	r, err := EvalPure(d, nil, map[string]interface{}{"answer": "  "})
	require.NoError(t, err)
	assert.False(t, r.Passed)

	r, err = EvalPure(d, nil, map[string]interface{}{"answer": "ok"})
	require.NoError(t, err)
	assert.True(t, r.Passed)
}

func TestPortMatchesReDoSGuard(t *testing.T) {
	d := Def{Name: "g", Type: CheckPortMatches, Fields: map[string]interface{}{"port": "p", "pattern": "(a+)+$"}}
	_, err := EvalPure(d, nil, map[string]interface{}{"p": "aaa"})
	require.Error(t, err)
}

func TestPortMatchesPasses(t *testing.T) {
	d := Def{Name: "g", Type: CheckPortMatches, Fields: map[string]interface{}{"port": "p", "pattern": "^[a-z]+$"}}
	r, err := EvalPure(d, nil, map[string]interface{}{"p": "hello"})
	require.NoError(t, err)
	assert.True(t, r.Passed)
}

func TestPortMinLength(t *testing.T) {
	d := Def{Name: "g", Type: CheckPortMinLength, Fields: map[string]interface{}{"port": "p", "min": float64(5)}}
	r, err := EvalPure(d, nil, map[string]interface{}{"p": "ab"})
	require.NoError(t, err)
	assert.False(t, r.Passed)
}

func TestPortType(t *testing.T) {
	d := Def{Name: "g", Type: CheckPortType, Fields: map[string]interface{}{"port": "p", "expected": "number"}}
	r, err := EvalPure(d, nil, map[string]interface{}{"p": "not a number"})
	require.NoError(t, err)
	assert.False(t, r.Passed)

	r, err = EvalPure(d, nil, map[string]interface{}{"p": float64(3)})
	require.NoError(t, err)
	assert.True(t, r.Passed)
}

func TestJSONSchema(t *testing.T) {
	d := Def{Name: "g", Type: CheckJSONSchema, Fields: map[string]interface{}{
		"port":     "p",
		"required": []interface{}{"name"},
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
	}}
	r, err := EvalPure(d, nil, map[string]interface{}{"p": map[string]interface{}{}})
	require.NoError(t, err)
	assert.False(t, r.Passed)

	r, err = EvalPure(d, nil, map[string]interface{}{"p": map[string]interface{}{"name": "ok"}})
	require.NoError(t, err)
	assert.True(t, r.Passed)
}

func TestDiffEqualAndNotEqual(t *testing.T) {
	d := Def{Name: "g", Type: CheckDiff, Fields: map[string]interface{}{"port_a": "a", "port_b": "b", "mode": "equal"}}
	ports := map[string]interface{}{
		"a": map[string]interface{}{"x": float64(1), "y": float64(2)},
		"b": map[string]interface{}{"y": float64(2), "x": float64(1)},
	}
	r, err := EvalPure(d, nil, ports)
	require.NoError(t, err)
	assert.True(t, r.Passed, "maps with same keys in different order must canonicalize equal")

	d.Fields["mode"] = "not_equal"
	r, err = EvalPure(d, nil, ports)
	require.NoError(t, err)
	assert.False(t, r.Passed)
}

func TestCostAndLatencyThresholds(t *testing.T) {
	d := Def{Name: "g", Type: CheckCost, Fields: map[string]interface{}{"max": float64(10)}}
	r, err := EvalPure(d, nil, map[string]interface{}{"__cost": float64(20)})
	require.NoError(t, err)
	assert.False(t, r.Passed)
}

func TestSemanticReview(t *testing.T) {
	d := Def{Name: "g", Type: CheckSemanticReview, Fields: map[string]interface{}{
		"port":        "p",
		"keywords":    []interface{}{"safety", "tested"},
		"min_matches": float64(2),
	}}
	r, err := EvalPure(d, nil, map[string]interface{}{"p": "This was Safety tested thoroughly."})
	require.NoError(t, err)
	assert.True(t, r.Passed)
}

func TestExprGate(t *testing.T) {
	d := Def{Name: "g", Type: CheckExpr, Fields: map[string]interface{}{"expression": "outputs.score > 0.5"}}
	r, err := EvalPure(d, map[string]interface{}{}, map[string]interface{}{"score": float64(0.9)})
	require.NoError(t, err)
	assert.True(t, r.Passed)
}

func TestShellGateFailsClosedByDefault(t *testing.T) {
	t.Setenv("ALLOW_SHELL_GATES", "")
	d := Def{Name: "g", Type: CheckShell, Fields: map[string]interface{}{"command": "true"}}
	r, err := EvalShell(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, r.Passed)
}

func TestShellGateRunsWhenEnabled(t *testing.T) {
	t.Setenv("ALLOW_SHELL_GATES", "true")
	d := Def{Name: "g", Type: CheckShell, Fields: map[string]interface{}{"command": "exit 0"}}
	r, err := EvalShell(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, r.Passed)
}

func TestHTTPMockScheme(t *testing.T) {
	d := Def{Name: "g", Type: CheckHTTP, Fields: map[string]interface{}{"url": "mock://status/200", "expect_status": float64(200)}}
	r, err := EvalHTTP(context.Background(), d, nil)
	require.NoError(t, err)
	assert.True(t, r.Passed)

	d2 := Def{Name: "g", Type: CheckHTTP, Fields: map[string]interface{}{"url": "mock://status/500", "expect_status": float64(200)}}
	r2, err := EvalHTTP(context.Background(), d2, nil)
	require.NoError(t, err)
	assert.False(t, r2.Passed)
}

type stubDispatcher struct {
	resp ReviewResponse
	err  error
}

func (s stubDispatcher) DispatchReview(ctx context.Context, req ReviewRequest) (ReviewResponse, error) {
	return s.resp, s.err
}

func TestLLMReviewPassThreshold(t *testing.T) {
	d := Def{Name: "g", Type: CheckLLMReview, Fields: map[string]interface{}{
		"port":           "answer",
		"provider":       "anthropic",
		"criteria":       []interface{}{"a", "b", "c", "d"},
		"pass_threshold": float64(0.5),
	}}
	disp := stubDispatcher{resp: ReviewResponse{RawOutput: `[
		{"criterion":"a","passed":true,"reasoning":"ok"},
		{"criterion":"b","passed":true,"reasoning":"ok"},
		{"criterion":"c","passed":false,"reasoning":"no"},
		{"criterion":"d","passed":false,"reasoning":"no"}
	]`}}
	r, err := EvalLLMReview(context.Background(), d, nil, map[string]interface{}{"answer": "42"}, disp)
	require.NoError(t, err)
	assert.True(t, r.Passed)

	d.Fields["pass_threshold"] = float64(1)
	r2, err := EvalLLMReview(context.Background(), d, nil, map[string]interface{}{"answer": "42"}, disp)
	require.NoError(t, err)
	assert.False(t, r2.Passed)
}

func TestLLMReviewEmptyPort(t *testing.T) {
	d := Def{Name: "g", Type: CheckLLMReview, Fields: map[string]interface{}{"port": "answer", "provider": "anthropic"}}
	r, err := EvalLLMReview(context.Background(), d, nil, map[string]interface{}{"answer": ""}, stubDispatcher{})
	require.NoError(t, err)
	assert.False(t, r.Passed)
	assert.Equal(t, "empty_port", r.Audit["code"])
}

func TestLLMReviewMissingProvider(t *testing.T) {
	d := Def{Name: "g", Type: CheckLLMReview, Fields: map[string]interface{}{"port": "answer"}}
	r, err := EvalLLMReview(context.Background(), d, nil, map[string]interface{}{"answer": "x"}, stubDispatcher{})
	require.NoError(t, err)
	assert.Equal(t, "provider_not_found", r.Audit["code"])
}

func TestLLMReviewMalformedJSON(t *testing.T) {
	d := Def{Name: "g", Type: CheckLLMReview, Fields: map[string]interface{}{"port": "answer", "provider": "anthropic"}}
	disp := stubDispatcher{resp: ReviewResponse{RawOutput: "not json"}}
	r, err := EvalLLMReview(context.Background(), d, nil, map[string]interface{}{"answer": "x"}, disp)
	require.NoError(t, err)
	assert.Equal(t, "invalid_review_output", r.Audit["code"])
}

func TestAggregateComposition(t *testing.T) {
	results := []Result{{Passed: true}, {Passed: false}}
	assert.False(t, Aggregate(results, CompositionAll))
	assert.True(t, Aggregate(results, CompositionAny))
	assert.True(t, Aggregate(nil, CompositionAny))
	assert.True(t, Aggregate(nil, CompositionAll))
}
