package dag

import (
	"strings"

	"github.com/openskelo/openskelo/gate"
)

var checkTypeNames = func() []string {
	out := make([]string, 0, len(gate.KnownCheckTypes))
	for _, t := range gate.KnownCheckTypes {
		out = append(out, string(t))
	}
	return out
}()

// parseGates validates a block's pre_gates or post_gates list (spec §4.1
// step 3): unknown check types are rejected with a "did you mean"
// suggestion, and each known type's required fields are checked.
func parseGates(blockID string, raw []GateConfig) ([]gate.Def, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	out := make([]gate.Def, 0, len(raw))
	for _, gc := range raw {
		if strings.TrimSpace(gc.Name) == "" {
			return nil, errBlock(blockID, "dag: block %q has a gate with no name", blockID)
		}
		if seen[gc.Name] {
			return nil, errGate(blockID, gc.Name, "dag: block %q has duplicate gate name %q", blockID, gc.Name)
		}
		seen[gc.Name] = true

		ct := gate.CheckType(gc.Type)
		if !gate.IsKnownCheckType(ct) {
			return nil, errGate(blockID, gc.Name, "dag: gate %q on block %q has unknown type %q%s", gc.Name, blockID, gc.Type, didYouMean(gc.Type, checkTypeNames))
		}

		d := gate.Def{Name: gc.Name, Type: ct, Fields: gc.Fields}
		if err := validateGateFields(blockID, d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func validateGateFields(blockID string, d gate.Def) error {
	switch d.Type {
	case gate.CheckPortNotEmpty:
		return requireStringField(blockID, d, "port")
	case gate.CheckPortMatches:
		if err := requireStringField(blockID, d, "port"); err != nil {
			return err
		}
		pattern := d.Fields["pattern"]
		ps, ok := pattern.(string)
		if !ok || ps == "" {
			return errGate(blockID, d.Name, "dag: gate %q on block %q requires a non-empty string \"pattern\"", d.Name, blockID)
		}
		if _, err := gate.CompileSafePattern(ps); err != nil {
			return errGate(blockID, d.Name, "dag: gate %q on block %q has an unsafe or invalid pattern: %v", d.Name, blockID, err)
		}
		return nil
	case gate.CheckPortMinLength:
		if err := requireStringField(blockID, d, "port"); err != nil {
			return err
		}
		min, ok := numberField(d, "min")
		if !ok || min < 0 {
			return errGate(blockID, d.Name, "dag: gate %q on block %q requires \"min\" to be a number >= 0", d.Name, blockID)
		}
		return nil
	case gate.CheckPortType:
		if err := requireStringField(blockID, d, "port"); err != nil {
			return err
		}
		return requireStringField(blockID, d, "expected")
	case gate.CheckJSONSchema:
		return requireStringField(blockID, d, "port")
	case gate.CheckDiff:
		if err := requireStringField(blockID, d, "port_a"); err != nil {
			return err
		}
		if err := requireStringField(blockID, d, "port_b"); err != nil {
			return err
		}
		if mode, ok := d.Fields["mode"]; ok {
			ms, _ := mode.(string)
			if ms != "equal" && ms != "not_equal" {
				return errGate(blockID, d.Name, "dag: gate %q on block %q has mode %q, must be \"equal\" or \"not_equal\"", d.Name, blockID, ms)
			}
		}
		return nil
	case gate.CheckCost, gate.CheckLatency:
		if _, ok := numberField(d, "max"); !ok {
			return errGate(blockID, d.Name, "dag: gate %q on block %q requires a numeric \"max\"", d.Name, blockID)
		}
		return nil
	case gate.CheckSemanticReview:
		if err := requireStringField(blockID, d, "port"); err != nil {
			return err
		}
		kws, ok := d.Fields["keywords"].([]interface{})
		if !ok || len(kws) == 0 {
			return errGate(blockID, d.Name, "dag: gate %q on block %q requires a non-empty \"keywords\" array", d.Name, blockID)
		}
		if min, ok := numberField(d, "min_matches"); ok && min < 1 {
			return errGate(blockID, d.Name, "dag: gate %q on block %q requires \"min_matches\" >= 1", d.Name, blockID)
		}
		return nil
	case gate.CheckExpr:
		return requireStringField(blockID, d, "expression")
	case gate.CheckShell:
		return requireStringField(blockID, d, "command")
	case gate.CheckHTTP:
		if err := requireStringField(blockID, d, "url"); err != nil {
			return err
		}
		if status, ok := numberField(d, "expect_status"); ok && (status < 100 || status > 599) {
			return errGate(blockID, d.Name, "dag: gate %q on block %q has out-of-range \"expect_status\" %v", d.Name, blockID, status)
		}
		return nil
	case gate.CheckLLMReview:
		if err := requireStringField(blockID, d, "port"); err != nil {
			return err
		}
		if err := requireStringField(blockID, d, "provider"); err != nil {
			return err
		}
		crit, ok := d.Fields["criteria"].([]interface{})
		if !ok || len(crit) == 0 {
			return errGate(blockID, d.Name, "dag: gate %q on block %q requires a non-empty \"criteria\" array", d.Name, blockID)
		}
		if th, ok := numberField(d, "pass_threshold"); ok && (th < 0 || th > 1) {
			return errGate(blockID, d.Name, "dag: gate %q on block %q requires \"pass_threshold\" in [0,1]", d.Name, blockID)
		}
		return nil
	}
	return nil
}

func requireStringField(blockID string, d gate.Def, key string) error {
	v, ok := d.Fields[key]
	if !ok {
		return errGate(blockID, d.Name, "dag: gate %q on block %q requires a %q field", d.Name, blockID, key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return errGate(blockID, d.Name, "dag: gate %q on block %q requires a non-empty string %q field", d.Name, blockID, key)
	}
	return nil
}

func numberField(d gate.Def, key string) (float64, bool) {
	v, ok := d.Fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
