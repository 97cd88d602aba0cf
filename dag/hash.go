package dag

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/openskelo/openskelo/gate"
)

// HashBlockDef computes a stable content hash of a BlockDef (SPEC_FULL §3.1):
// FNV-1a over a canonical JSON encoding of its id, mode, ports, agent ref,
// deterministic spec, gates, gate composition, timeout, strict_output and
// contract_repair_attempts. DisplayName, OnGateFail, Retry and Approval are
// not part of the hash. Nothing in this module calls it; it is exposed for
// callers that want to cache/compare block templates.
func HashBlockDef(b BlockDef) string {
	h := fnv.New64a()
	h.Write(canonicalBlockJSON(b))
	return fmt.Sprintf("%016x", h.Sum64())
}

// canonicalBlockJSON renders b as JSON with deterministic key/slice
// ordering, relying on encoding/json's automatic sorting of map keys and
// on sorting the field's own slices where order is not semantically
// meaningful.
func canonicalBlockJSON(b BlockDef) []byte {
	type gateView struct {
		Name   string                 `json:"name"`
		Type   string                 `json:"type"`
		Fields map[string]interface{} `json:"fields"`
	}
	toGateViews := func(gates []gate.Def) []gateView {
		out := make([]gateView, 0, len(gates))
		for _, g := range gates {
			out = append(out, gateView{Name: g.Name, Type: string(g.Type), Fields: g.Fields})
		}
		return out
	}

	portNamesSorted := func(ports map[string]Port) []string {
		names := make([]string, 0, len(ports))
		for n := range ports {
			names = append(names, n)
		}
		sort.Strings(names)
		return names
	}

	view := struct {
		ID              string          `json:"id"`
		Mode            string          `json:"mode"`
		Inputs          map[string]Port `json:"inputs"`
		InputOrder      []string        `json:"input_order"`
		Outputs         map[string]Port `json:"outputs"`
		OutputOrder     []string        `json:"output_order"`
		Agent           AgentRef        `json:"agent"`
		Deterministic   interface{}     `json:"deterministic,omitempty"`
		PreGates        []gateView      `json:"pre_gates"`
		PostGates       []gateView      `json:"post_gates"`
		GateComposition GateComposition `json:"gate_composition"`
		TimeoutMs       int64           `json:"timeout_ms"`
		StrictOutput    bool            `json:"strict_output"`
		RepairAttempts  int             `json:"contract_repair_attempts"`
	}{
		ID:              b.ID,
		Mode:            string(b.Mode),
		Inputs:          b.Inputs,
		InputOrder:      portNamesSorted(b.Inputs),
		Outputs:         b.Outputs,
		OutputOrder:     portNamesSorted(b.Outputs),
		Agent:           b.Agent,
		Deterministic:   b.Deterministic,
		PreGates:        toGateViews(b.PreGates),
		PostGates:       toGateViews(b.PostGates),
		GateComposition: b.GateComposition,
		TimeoutMs:       b.TimeoutMs,
		StrictOutput:    b.StrictOutput,
		RepairAttempts:  b.ContractRepairAttempts,
	}

	data, err := json.Marshal(view)
	if err != nil {
		// All fields are JSON-marshalable by construction; this would only
		// trip on an unsupported type introduced by a future field.
		return []byte(fmt.Sprintf("hash-error:%v", err))
	}
	return data
}
