// Package gate implements the gate check library (spec §4.2): pure
// pre/post-condition checks over a block's inputs/outputs, plus the three
// checks that require I/O (shell, http, llm_review).
package gate

import (
	"fmt"
)

// CheckType enumerates the bit-exact gate check type strings from spec §6.
type CheckType string

const (
	CheckPortNotEmpty  CheckType = "port_not_empty"
	CheckPortMatches   CheckType = "port_matches"
	CheckPortMinLength CheckType = "port_min_length"
	CheckPortType      CheckType = "port_type"
	CheckJSONSchema    CheckType = "json_schema"
	CheckDiff          CheckType = "diff"
	CheckCost          CheckType = "cost"
	CheckLatency       CheckType = "latency"
	CheckSemanticReview CheckType = "semantic_review"
	CheckExpr          CheckType = "expr"
	CheckShell         CheckType = "shell"
	CheckHTTP          CheckType = "http"
	CheckLLMReview     CheckType = "llm_review"
)

// KnownCheckTypes lists every check type the parser accepts; used to reject
// unknown types and to build "did you mean" suggestions.
var KnownCheckTypes = []CheckType{
	CheckPortNotEmpty, CheckPortMatches, CheckPortMinLength, CheckPortType,
	CheckJSONSchema, CheckDiff, CheckCost, CheckLatency, CheckSemanticReview,
	CheckExpr, CheckShell, CheckHTTP, CheckLLMReview,
}

func IsKnownCheckType(t CheckType) bool {
	for _, k := range KnownCheckTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Composition governs how a list of gate results aggregates to a single
// pass/fail (spec §4.2): all requires every gate pass, any requires at
// least one (and passes vacuously on an empty list).
type Composition string

const (
	CompositionAll Composition = "all"
	CompositionAny Composition = "any"
)

// Def is a parsed gate definition (one entry of a block's pre_gates or
// post_gates list). Fields beyond Name/Type are check-specific and stored
// generically so the parser stays agnostic of how many check kinds exist.
type Def struct {
	Name   string
	Type   CheckType
	Fields map[string]interface{}
}

func (d Def) field(key string) (interface{}, bool) {
	v, ok := d.Fields[key]
	return v, ok
}

func (d Def) stringField(key, def string) string {
	if v, ok := d.field(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (d Def) floatField(key string, def float64) float64 {
	if v, ok := d.field(key); ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func (d Def) intField(key string, def int) int {
	return int(d.floatField(key, float64(def)))
}

// Result is the outcome of evaluating a single gate (spec §4.2).
type Result struct {
	Name   string
	Passed bool
	Reason string
	Audit  map[string]interface{}
}

// Aggregate applies Composition to a list of gate results. An empty list
// passes for CompositionAny (vacuous truth) and passes for CompositionAll
// too (nothing to fail), matching spec §4.2's "empty list passes" note for
// any; all trivially holds for a nil/empty gate sequence.
func Aggregate(results []Result, mode Composition) bool {
	if mode == CompositionAny {
		if len(results) == 0 {
			return true
		}
		for _, r := range results {
			if r.Passed {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failing result, if any, for on_gate_fail
// rule lookup (spec §4.6 step 5/11 picks the *first* matching failure).
func FirstFailure(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.Passed {
			return r, true
		}
	}
	return Result{}, false
}

func fail(name, reason string) Result {
	return Result{Name: name, Passed: false, Reason: reason}
}

func pass(name string) Result {
	return Result{Name: name, Passed: true}
}

// Ports merges inputs and outputs into the single namespace gate checks
// read from (spec §4.2: "ports = inputs ∪ outputs; outputs override on
// conflict").
func Ports(inputs, outputs map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(inputs)+len(outputs))
	for k, v := range inputs {
		merged[k] = v
	}
	for k, v := range outputs {
		merged[k] = v
	}
	return merged
}

func portValue(ports map[string]interface{}, name string) (interface{}, bool) {
	v, ok := ports[name]
	return v, ok
}

func unknownPortErr(name string) error {
	return fmt.Errorf("gate: port %q not present", name)
}
