package exprlang

// ApplyTransform evaluates expr with scope {value: v} for an edge transform
// (spec §3/§4.3). Any parse or evaluation error is swallowed and the
// original value is forwarded unchanged — transforms are a best-effort
// reshaping step, never a hard failure point in the data flow.
func ApplyTransform(expr string, v interface{}) interface{} {
	if expr == "" {
		return v
	}
	result, err := Evaluate(expr, Scope{"value": v})
	if err != nil {
		return v
	}
	return result
}
