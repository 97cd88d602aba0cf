package exprlang

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// undefinedType is a distinct sentinel type so Undefined is distinguishable
// from Go nil (which models JS null) in equality and truthiness checks.
type undefinedType struct{}

func (undefinedType) String() string { return "undefined" }

// Undefined is the sandbox's representation of JavaScript's `undefined`.
var Undefined = undefinedType{}

// Scope is the identifier-rooted lookup table an expression evaluates
// against. Identifiers not present in Scope fail evaluation — there is no
// fallback to any Go or process global.
type Scope map[string]interface{}

// Eval evaluates a pre-parsed expression against scope.
func Eval(n Node, scope Scope) (interface{}, error) {
	switch t := n.(type) {
	case LiteralNode:
		return t.Value, nil
	case IdentifierNode:
		v, ok := scope[t.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, t.Name)
		}
		return v, nil
	case MemberNode:
		return evalMember(t, scope)
	case UnaryNode:
		return evalUnary(t, scope)
	case LogicalNode:
		return evalLogical(t, scope)
	case BinaryNode:
		return evalBinary(t, scope)
	case ConditionalNode:
		test, err := Eval(t.Test, scope)
		if err != nil {
			return nil, err
		}
		if truthy(test) {
			return Eval(t.Consequent, scope)
		}
		return Eval(t.Alternate, scope)
	case ArrayNode:
		out := make([]interface{}, 0, len(t.Elements))
		for _, e := range t.Elements {
			v, err := Eval(e, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case ObjectNode:
		out := make(map[string]interface{}, len(t.Properties))
		for _, p := range t.Properties {
			v, err := Eval(p.Value, scope)
			if err != nil {
				return nil, err
			}
			out[p.Key] = v
		}
		return out, nil
	case TemplateNode:
		var sb strings.Builder
		for i, q := range t.Quasis {
			sb.WriteString(q)
			if i < len(t.Exprs) {
				v, err := Eval(t.Exprs[i], scope)
				if err != nil {
					return nil, err
				}
				sb.WriteString(toStringValue(v))
			}
		}
		return sb.String(), nil
	default:
		return nil, fmt.Errorf("exprlang: unsupported node %T", n)
	}
}

// Evaluate parses and evaluates src against scope in one call.
func Evaluate(src string, scope Scope) (interface{}, error) {
	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Eval(n, scope)
}

// Truthy parses and evaluates src, returning whether the result is truthy.
// Used by `expr` gates, which pass iff the expression is truthy.
func Truthy(src string, scope Scope) (bool, error) {
	v, err := Evaluate(src, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func evalMember(m MemberNode, scope Scope) (interface{}, error) {
	obj, err := Eval(m.Object, scope)
	if err != nil {
		return nil, err
	}
	if isNullish(obj) {
		return Undefined, nil
	}
	if m.Computed {
		key, err := Eval(m.Property, scope)
		if err != nil {
			return nil, err
		}
		return indexValue(obj, key), nil
	}
	ident, _ := m.Property.(IdentifierNode)
	return indexValue(obj, ident.Name), nil
}

func indexValue(obj interface{}, key interface{}) interface{} {
	switch o := obj.(type) {
	case map[string]interface{}:
		k := toStringValue(key)
		if v, ok := o[k]; ok {
			return v
		}
		return Undefined
	case []interface{}:
		idx, ok := toIndex(key)
		if !ok || idx < 0 || idx >= len(o) {
			if s, ok := key.(string); ok && s == "length" {
				return float64(len(o))
			}
			return Undefined
		}
		return o[idx]
	case string:
		if s, ok := key.(string); ok && s == "length" {
			return float64(len([]rune(o)))
		}
		idx, ok := toIndex(key)
		runes := []rune(o)
		if !ok || idx < 0 || idx >= len(runes) {
			return Undefined
		}
		return string(runes[idx])
	default:
		return Undefined
	}
}

func toIndex(key interface{}) (int, bool) {
	switch k := key.(type) {
	case float64:
		return int(k), true
	case string:
		n, err := strconv.Atoi(k)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func evalUnary(u UnaryNode, scope Scope) (interface{}, error) {
	v, err := Eval(u.Operand, scope)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case "!":
		return !truthy(v), nil
	case "-":
		return -toNumber(v), nil
	case "+":
		return toNumber(v), nil
	default:
		return nil, fmt.Errorf("exprlang: unknown unary operator %q", u.Op)
	}
}

func evalLogical(l LogicalNode, scope Scope) (interface{}, error) {
	left, err := Eval(l.Left, scope)
	if err != nil {
		return nil, err
	}
	switch l.Op {
	case "&&":
		if !truthy(left) {
			return left, nil
		}
		return Eval(l.Right, scope)
	case "||":
		if truthy(left) {
			return left, nil
		}
		return Eval(l.Right, scope)
	case "??":
		if !isNullish(left) {
			return left, nil
		}
		return Eval(l.Right, scope)
	default:
		return nil, fmt.Errorf("exprlang: unknown logical operator %q", l.Op)
	}
}

func evalBinary(b BinaryNode, scope Scope) (interface{}, error) {
	left, err := Eval(b.Left, scope)
	if err != nil {
		return nil, err
	}
	right, err := Eval(b.Right, scope)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "+":
		if _, ok := left.(string); ok {
			return left.(string) + toStringValue(right), nil
		}
		if _, ok := right.(string); ok {
			return toStringValue(left) + right.(string), nil
		}
		return toNumber(left) + toNumber(right), nil
	case "-":
		return toNumber(left) - toNumber(right), nil
	case "*":
		return toNumber(left) * toNumber(right), nil
	case "/":
		return toNumber(left) / toNumber(right), nil
	case "%":
		return math.Mod(toNumber(left), toNumber(right)), nil
	case "<":
		return compare(left, right) < 0, nil
	case "<=":
		return compare(left, right) <= 0, nil
	case ">":
		return compare(left, right) > 0, nil
	case ">=":
		return compare(left, right) >= 0, nil
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "===":
		return strictEqual(left, right), nil
	case "!==":
		return !strictEqual(left, right), nil
	default:
		return nil, fmt.Errorf("exprlang: unknown binary operator %q", b.Op)
	}
}

func isNullish(v interface{}) bool {
	if v == nil {
		return true
	}
	_, ok := v.(undefinedType)
	return ok
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case undefinedType:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	case []interface{}:
		return true
	case map[string]interface{}:
		return true
	default:
		return true
	}
}

func toNumber(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case nil:
		return 0
	case undefinedType:
		return math.NaN()
	default:
		return math.NaN()
	}
}

func toStringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	case undefinedType:
		return "undefined"
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = toStringValue(e)
		}
		return strings.Join(parts, ",")
	case map[string]interface{}:
		return "[object Object]"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func compare(a, b interface{}) int {
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs)
	}
	an, bn := toNumber(a), toNumber(b)
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}

func strictEqual(a, b interface{}) bool {
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b) && sameNullish(a, b)
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func sameNullish(a, b interface{}) bool {
	_, aUndef := a.(undefinedType)
	_, bUndef := b.(undefinedType)
	aNull := a == nil
	bNull := b == nil
	return (aNull && bNull) || (aUndef && bUndef) || (aNull && bUndef) || (aUndef && bNull)
}

func looseEqual(a, b interface{}) bool {
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	switch a.(type) {
	case float64, string, bool:
		switch b.(type) {
		case float64, string, bool:
			if strictEqual(a, b) {
				return true
			}
			return toNumber(a) == toNumber(b)
		}
	}
	return false
}
