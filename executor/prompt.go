package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openskelo/openskelo/dag"
)

// buildDispatchPrompt assembles the structured prompt for an AI-path
// dispatch (spec §4.6 step 7): an inputs table, the expected-output list
// with a JSON template example, and any post-gate-derived quality
// criteria.
func buildDispatchPrompt(b dag.BlockDef, inputs map[string]interface{}) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are executing block %q.\n\n", b.ID)

	sb.WriteString("Inputs:\n")
	for _, name := range sortedPortNames(b.Inputs) {
		v, ok := inputs[name]
		if !ok {
			v = "(not provided)"
		}
		fmt.Fprintf(&sb, "- %s: %v\n", name, v)
	}

	sb.WriteString("\nRespond with a single JSON object containing exactly these keys:\n")
	for _, name := range sortedPortNames(b.Outputs) {
		p := b.Outputs[name]
		fmt.Fprintf(&sb, "- %s (%s)%s\n", name, p.Type, optionalSuffix(p))
	}

	sb.WriteString("\nExample shape:\n")
	sb.WriteString(templateJSON(b.Outputs))

	if len(b.PostGates) > 0 {
		sb.WriteString("\nQuality criteria your output must satisfy:\n")
		for _, g := range b.PostGates {
			fmt.Fprintf(&sb, "- %s (%s)\n", g.Name, g.Type)
		}
	}
	return sb.String()
}

// buildRepairPrompt lists the specific contract violations from the prior
// attempt and repeats the JSON shape template (spec §4.6 step 9).
func buildRepairPrompt(b dag.BlockDef, errs []string) string {
	var sb strings.Builder
	sb.WriteString("Your previous response did not satisfy the required output contract:\n")
	for _, e := range errs {
		fmt.Fprintf(&sb, "- %s\n", e)
	}
	sb.WriteString("\nRespond again with a single JSON object matching exactly this shape:\n")
	sb.WriteString(templateJSON(b.Outputs))
	return sb.String()
}

func optionalSuffix(p dag.Port) string {
	if !p.Required {
		return ", optional"
	}
	return ""
}

func sortedPortNames(ports map[string]dag.Port) []string {
	names := make([]string, 0, len(ports))
	for n := range ports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func templateJSON(ports map[string]dag.Port) string {
	var sb strings.Builder
	sb.WriteString("{\n")
	names := sortedPortNames(ports)
	for i, name := range names {
		comma := ","
		if i == len(names)-1 {
			comma = ""
		}
		fmt.Fprintf(&sb, "  %q: %s%s\n", name, exampleValue(ports[name].Type), comma)
	}
	sb.WriteString("}\n")
	return sb.String()
}

func exampleValue(t dag.PortType) string {
	switch t {
	case dag.PortString, dag.PortFile, dag.PortArtifact:
		return `"..."`
	case dag.PortNumber:
		return "0"
	case dag.PortBoolean:
		return "true"
	case dag.PortJSON:
		return "{}"
	default:
		return `"..."`
	}
}

// inferOutputSchema builds a minimal JSON-schema-shaped description of a
// block's output ports, included in the dispatch request (spec §6).
func inferOutputSchema(b dag.BlockDef) map[string]interface{} {
	props := map[string]interface{}{}
	var required []string
	for name, p := range b.Outputs {
		props[name] = map[string]interface{}{"type": jsonSchemaType(p.Type)}
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func jsonSchemaType(t dag.PortType) string {
	switch t {
	case dag.PortNumber:
		return "number"
	case dag.PortBoolean:
		return "boolean"
	case dag.PortJSON:
		return "object"
	default:
		return "string"
	}
}
