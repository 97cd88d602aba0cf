package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openskelo/openskelo/dag"
)

// parseOutput implements spec §4.6 step 8: strict JSON first, then JSON
// inside a fenced code block, then (single-output blocks only) the raw
// string assigned to the lone port. Returns ok=false when none applies,
// which the caller treats as a contract failure rather than guessing.
func parseOutput(raw string, outputs map[string]dag.Port) (map[string]interface{}, bool) {
	if obj, ok := tryParseJSONObject(raw); ok {
		return obj, true
	}
	if fenced, ok := extractFencedBlock(raw); ok {
		if obj, ok := tryParseJSONObject(fenced); ok {
			return obj, true
		}
	}
	if len(outputs) == 1 {
		for name := range outputs {
			return map[string]interface{}{name: raw}, true
		}
	}
	return nil, false
}

func tryParseJSONObject(s string) (map[string]interface{}, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func extractFencedBlock(raw string) (string, bool) {
	const fence = "```"
	start := strings.Index(raw, fence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 && nl < 20 {
		// skip an optional language tag on the opening fence line, e.g. ```json
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, fence)
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

// validateContract checks outputs against the declared port contract (spec
// §4.6 step 9): presence of required ports and primitive type agreement.
func validateContract(outputs map[string]interface{}, ports map[string]dag.Port) []string {
	var errs []string
	for name, p := range ports {
		v, present := outputs[name]
		if !present {
			if p.Required {
				errs = append(errs, fmt.Sprintf("missing required output '%s'", name))
			}
			continue
		}
		if err := checkPortType(name, p.Type, v); err != "" {
			errs = append(errs, err)
		}
	}
	return errs
}

func checkPortType(name string, t dag.PortType, v interface{}) string {
	ok := false
	switch t {
	case dag.PortString, dag.PortFile, dag.PortArtifact:
		_, ok = v.(string)
	case dag.PortNumber:
		switch v.(type) {
		case float64, int, int64:
			ok = true
		}
	case dag.PortBoolean:
		_, ok = v.(bool)
	case dag.PortJSON:
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			ok = true
		}
	default:
		ok = true
	}
	if !ok {
		return fmt.Sprintf("output %q expected type %s, got incompatible value", name, t)
	}
	return ""
}

// truncatePreview caps a raw-output preview for forensic records (spec
// §4.7: "a truncated preview of the raw output").
func truncatePreview(raw string, maxLen int) string {
	if len(raw) <= maxLen {
		return raw
	}
	return raw[:maxLen] + "…"
}
