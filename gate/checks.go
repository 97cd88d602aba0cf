package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openskelo/openskelo/exprlang"
)

// EvalPure evaluates the check types that require no I/O: port_not_empty,
// port_matches, port_min_length, port_type, json_schema, diff, cost,
// latency, semantic_review, expr. shell/http/llm_review are handled by
// EvalShell/EvalHTTP/EvalLLMReview respectively. inputs/outputs are passed
// separately from the merged ports view because `expr` evaluates against
// the unmerged {inputs, outputs} scope (spec §4.2).
func EvalPure(d Def, inputs, outputs map[string]interface{}) (Result, error) {
	ports := Ports(inputs, outputs)
	switch d.Type {
	case CheckPortNotEmpty:
		return evalPortNotEmpty(d, ports), nil
	case CheckPortMatches:
		return evalPortMatches(d, ports)
	case CheckPortMinLength:
		return evalPortMinLength(d, ports), nil
	case CheckPortType:
		return evalPortType(d, ports), nil
	case CheckJSONSchema:
		return evalJSONSchema(d, ports), nil
	case CheckDiff:
		return evalDiff(d, ports), nil
	case CheckCost:
		return evalThreshold(d, ports, "__cost"), nil
	case CheckLatency:
		return evalThreshold(d, ports, "__latency_ms"), nil
	case CheckSemanticReview:
		return evalSemanticReview(d, ports), nil
	case CheckExpr:
		return evalExpr(d, inputs, outputs)
	default:
		return Result{}, fmt.Errorf("gate: %q is not a pure check", d.Type)
	}
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	if v == exprlang.Undefined {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func evalPortNotEmpty(d Def, ports map[string]interface{}) Result {
	name := d.stringField("port", "")
	v, ok := portValue(ports, name)
	if !ok || isEmptyValue(v) {
		return fail(d.Name, fmt.Sprintf("port %q is empty", name))
	}
	return pass(d.Name)
}

func evalPortMatches(d Def, ports map[string]interface{}) (Result, error) {
	name := d.stringField("port", "")
	pattern := d.stringField("pattern", "")
	re, err := CompileSafePattern(pattern)
	if err != nil {
		return Result{}, err
	}
	v, _ := portValue(ports, name)
	s := stringifyForMatch(v)
	if !re.MatchString(s) {
		return fail(d.Name, fmt.Sprintf("port %q value does not match pattern %q", name, pattern)), nil
	}
	return pass(d.Name), nil
}

func evalPortMinLength(d Def, ports map[string]interface{}) Result {
	name := d.stringField("port", "")
	min := d.intField("min", 0)
	v, _ := portValue(ports, name)
	s := stringifyForMatch(v)
	if len(s) < min {
		return fail(d.Name, fmt.Sprintf("port %q length %d is below minimum %d", name, len(s), min))
	}
	return pass(d.Name)
}

func evalPortType(d Def, ports map[string]interface{}) Result {
	name := d.stringField("port", "")
	expected := d.stringField("expected", "")
	v, ok := portValue(ports, name)
	if !ok {
		return fail(d.Name, fmt.Sprintf("port %q not present", name))
	}
	actual := dynamicType(v)
	if actual != expected {
		return fail(d.Name, fmt.Sprintf("port %q has type %q, expected %q", name, actual, expected))
	}
	return pass(d.Name)
}

func dynamicType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

func evalJSONSchema(d Def, ports map[string]interface{}) Result {
	name := d.stringField("port", "")
	v, ok := portValue(ports, name)
	if !ok {
		return fail(d.Name, fmt.Sprintf("port %q not present", name))
	}
	schemaType := d.stringField("schema_type", "object")
	if schemaType != "object" {
		return pass(d.Name)
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return fail(d.Name, fmt.Sprintf("port %q is not an object", name))
	}
	var required []string
	if raw, ok := d.field("required"); ok {
		if list, ok := raw.([]interface{}); ok {
			for _, r := range list {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, req := range required {
		if _, present := obj[req]; !present {
			return fail(d.Name, fmt.Sprintf("port %q missing required key %q", name, req))
		}
	}
	properties, _ := d.field("properties")
	propMap, _ := properties.(map[string]interface{})
	for propName, rawSpec := range propMap {
		spec, ok := rawSpec.(map[string]interface{})
		if !ok {
			continue
		}
		expectedType, _ := spec["type"].(string)
		if expectedType == "" {
			continue
		}
		val, present := obj[propName]
		if !present {
			continue
		}
		if dynamicType(val) != expectedType {
			return fail(d.Name, fmt.Sprintf("port %q property %q has type %q, expected %q", name, propName, dynamicType(val), expectedType))
		}
	}
	return pass(d.Name)
}

func evalDiff(d Def, ports map[string]interface{}) Result {
	portA := d.stringField("port_a", "")
	portB := d.stringField("port_b", "")
	mode := d.stringField("mode", "equal")
	a, _ := portValue(ports, portA)
	b, _ := portValue(ports, portB)
	ca, _ := json.Marshal(canonicalize(a))
	cb, _ := json.Marshal(canonicalize(b))
	equal := string(ca) == string(cb)
	want := mode != "not_equal"
	if equal != want {
		if want {
			return fail(d.Name, fmt.Sprintf("port %q and %q differ", portA, portB))
		}
		return fail(d.Name, fmt.Sprintf("port %q and %q are equal, expected difference", portA, portB))
	}
	return pass(d.Name)
}

// canonicalize normalizes a value into a form whose encoding/json
// serialization is deterministic: map keys are already sorted by
// encoding/json, so the only work here is recursing into nested
// structures to keep array element order exactly as given (arrays are
// positional, not sorted — "deterministic" means stable encoding of that
// order, not reordering).
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}

func evalThreshold(d Def, ports map[string]interface{}, defaultPort string) Result {
	name := d.stringField("port", defaultPort)
	max := d.floatField("max", 0)
	v, ok := portValue(ports, name)
	if !ok {
		return fail(d.Name, fmt.Sprintf("port %q not present", name))
	}
	n := numericValue(v)
	if n > max {
		return fail(d.Name, fmt.Sprintf("port %q value %v exceeds maximum %v", name, n, max))
	}
	return pass(d.Name)
}

func numericValue(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func evalSemanticReview(d Def, ports map[string]interface{}) Result {
	name := d.stringField("port", "")
	minMatches := d.intField("min_matches", 1)
	var keywords []string
	if raw, ok := d.field("keywords"); ok {
		if list, ok := raw.([]interface{}); ok {
			for _, k := range list {
				if s, ok := k.(string); ok {
					keywords = append(keywords, s)
				}
			}
		}
	}
	v, _ := portValue(ports, name)
	text := strings.ToLower(stringifyForMatch(v))
	matches := 0
	for _, kw := range keywords {
		matches += strings.Count(text, strings.ToLower(kw))
	}
	if matches < minMatches {
		return fail(d.Name, fmt.Sprintf("port %q matched %d keyword occurrences, need >= %d", name, matches, minMatches))
	}
	return pass(d.Name)
}

func evalExpr(d Def, inputs, outputs map[string]interface{}) (Result, error) {
	expression := d.stringField("expression", "")
	scope := exprlang.Scope{
		"inputs":  toInterfaceMap(inputs),
		"outputs": toInterfaceMap(outputs),
	}
	truthy, err := exprlang.Truthy(expression, scope)
	if err != nil {
		return Result{}, fmt.Errorf("gate: expr evaluation failed: %w", err)
	}
	if !truthy {
		return fail(d.Name, fmt.Sprintf("expression %q evaluated falsy", expression)), nil
	}
	return pass(d.Name), nil
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func stringifyForMatch(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
