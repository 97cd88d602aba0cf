package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func simpleBlock(id, mode string) BlockConfig {
	return BlockConfig{
		ID:   id,
		Mode: mode,
		Inputs: map[string]PortConfig{
			"in": {Type: "string", Required: boolPtr(true)},
		},
		Outputs: map[string]PortConfig{
			"out": {Type: "string"},
		},
	}
}

func TestParseMinimalDAG(t *testing.T) {
	cfg := Config{
		Name: "pipeline",
		Blocks: []BlockConfig{
			simpleBlock("a", "deterministic"),
		},
	}
	cfg.Blocks[0].Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}

	d, err := Parse(cfg)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", d.Name)
	assert.Equal(t, []string{"a"}, d.Entrypoints)
	assert.Equal(t, []string{"a"}, d.Terminals)
	assert.Equal(t, []string{"a"}, d.Order)
}

func TestParseRejectsEmptyName(t *testing.T) {
	_, err := Parse(Config{Blocks: []BlockConfig{simpleBlock("a", "ai")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestParseRejectsNoBlocks(t *testing.T) {
	_, err := Parse(Config{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one block")
}

func TestParseRejectsDuplicateBlockID(t *testing.T) {
	cfg := Config{
		Name: "x",
		Blocks: []BlockConfig{
			simpleBlock("a", "ai"),
			simpleBlock("a", "ai"),
		},
	}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate block id")
}

func TestParseRejectsUnknownMode(t *testing.T) {
	cfg := Config{Name: "x", Blocks: []BlockConfig{simpleBlock("a", "mystery")}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestParseDeterministicRequiresHandler(t *testing.T) {
	cfg := Config{Name: "x", Blocks: []BlockConfig{simpleBlock("a", "deterministic")}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deterministic.handler")
}

func TestParseEdgeUnknownBlockSuggestsClosest(t *testing.T) {
	a := simpleBlock("alpha", "deterministic")
	a.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	b := simpleBlock("beta", "deterministic")
	b.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	cfg := Config{
		Name:   "x",
		Blocks: []BlockConfig{a, b},
		Edges: []EdgeConfig{
			{From: "alph", FromPort: "out", To: "beta", ToPort: "in"},
		},
	}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "alpha"?`)
}

func TestParseEdgeUnknownPort(t *testing.T) {
	a := simpleBlock("alpha", "deterministic")
	a.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	b := simpleBlock("beta", "deterministic")
	b.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	cfg := Config{
		Name:   "x",
		Blocks: []BlockConfig{a, b},
		Edges: []EdgeConfig{
			{From: "alpha", FromPort: "outt", To: "beta", ToPort: "in"},
		},
	}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output port")
}

func TestParseEdgeDoubleWiredInputPort(t *testing.T) {
	a := simpleBlock("a", "deterministic")
	a.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	b := simpleBlock("b", "deterministic")
	b.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	c := simpleBlock("c", "deterministic")
	c.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	cfg := Config{
		Name:   "x",
		Blocks: []BlockConfig{a, b, c},
		Edges: []EdgeConfig{
			{From: "a", FromPort: "out", To: "c", ToPort: "in"},
			{From: "b", FromPort: "out", To: "c", ToPort: "in"},
		},
	}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one edge")
}

func TestParseDetectsCycle(t *testing.T) {
	a := simpleBlock("a", "deterministic")
	a.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	b := simpleBlock("b", "deterministic")
	b.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	cfg := Config{
		Name:   "x",
		Blocks: []BlockConfig{a, b},
		Edges: []EdgeConfig{
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
			{From: "b", FromPort: "out", To: "a", ToPort: "in"},
		},
	}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestParseUnknownGateTypeSuggestsClosest(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.PreGates = []GateConfig{
		{Name: "g1", Type: "port_not_emty", Fields: map[string]interface{}{"port": "in"}},
	}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "port_not_empty"?`)
}

func TestParseGateMissingRequiredField(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.PreGates = []GateConfig{
		{Name: "g1", Type: "port_matches", Fields: map[string]interface{}{"port": "in"}},
	}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"pattern"`)
}

func TestParseGateReDoSGuardRejectsAtParseTime(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.PreGates = []GateConfig{
		{Name: "g1", Type: "port_matches", Fields: map[string]interface{}{
			"port": "in", "pattern": "(a+)+$",
		}},
	}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsafe or invalid pattern")
}

func TestParseDuplicateGateName(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.PreGates = []GateConfig{
		{Name: "g1", Type: "port_not_empty", Fields: map[string]interface{}{"port": "in"}},
		{Name: "g1", Type: "port_not_empty", Fields: map[string]interface{}{"port": "in"}},
	}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate gate name")
}

func TestParseOnGateFailUnknownGate(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.PreGates = []GateConfig{
		{Name: "g1", Type: "port_not_empty", Fields: map[string]interface{}{"port": "in"}},
	}
	a.OnGateFail = []OnGateFailConfig{
		{WhenGate: "g2", RouteTo: "a", MaxBounces: 1},
	}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown gate")
}

func TestParseOnGateFailUnknownRouteTo(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.PreGates = []GateConfig{
		{Name: "g1", Type: "port_not_empty", Fields: map[string]interface{}{"port": "in"}},
	}
	a.OnGateFail = []OnGateFailConfig{
		{WhenGate: "g1", RouteTo: "ghost", MaxBounces: 1},
	}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route_to references unknown block")
}

func TestParseOnGateFailRequiresPositiveMaxBounces(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.PreGates = []GateConfig{
		{Name: "g1", Type: "port_not_empty", Fields: map[string]interface{}{"port": "in"}},
	}
	a.OnGateFail = []OnGateFailConfig{
		{WhenGate: "g1", RouteTo: "a", MaxBounces: 0},
	}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_bounces > 0")
}

func TestParseContractRepairAttemptsClamped(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.ContractRepairAttempts = intPtr(99)
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	d, err := Parse(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Blocks["a"].ContractRepairAttempts)

	a2 := simpleBlock("a", "ai")
	a2.ContractRepairAttempts = intPtr(-5)
	cfg2 := Config{Name: "x", Blocks: []BlockConfig{a2}}
	d2, err := Parse(cfg2)
	require.NoError(t, err)
	assert.Equal(t, 0, d2.Blocks["a"].ContractRepairAttempts)
}

func TestParseRetryBackoffUnknown(t *testing.T) {
	a := simpleBlock("a", "ai")
	a.Retry = &RetryConfig{MaxAttempts: 3, Backoff: "fibonacci"}
	cfg := Config{Name: "x", Blocks: []BlockConfig{a}}
	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none, linear, exponential")
}

func TestParseEntrypointsAndTerminalsComputed(t *testing.T) {
	a := simpleBlock("a", "deterministic")
	a.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	b := simpleBlock("b", "deterministic")
	b.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	c := simpleBlock("c", "deterministic")
	c.Deterministic = &DeterministicConfig{Handler: "builtin:passthrough"}
	cfg := Config{
		Name:   "x",
		Blocks: []BlockConfig{a, b, c},
		Edges: []EdgeConfig{
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
			{From: "b", FromPort: "out", To: "c", ToPort: "in"},
		},
	}
	d, err := Parse(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, d.Entrypoints)
	assert.Equal(t, []string{"c"}, d.Terminals)
	assert.Equal(t, []string{"a", "b", "c"}, d.Order)
}

func TestParseJSONAndYAMLAgree(t *testing.T) {
	jsonDoc := []byte(`{
		"name": "pipeline",
		"blocks": [
			{"id": "a", "mode": "deterministic", "deterministic": {"handler": "builtin:passthrough"},
			 "outputs": {"out": "string"}}
		]
	}`)
	yamlDoc := []byte("name: pipeline\nblocks:\n  - id: a\n    mode: deterministic\n    deterministic:\n      handler: builtin:passthrough\n    outputs:\n      out: string\n")

	dj, err := ParseJSON(jsonDoc)
	require.NoError(t, err)
	dy, err := ParseYAML(yamlDoc)
	require.NoError(t, err)
	assert.Equal(t, dj.Name, dy.Name)
	assert.Equal(t, dj.Blocks["a"].Outputs["out"].Type, dy.Blocks["a"].Outputs["out"].Type)
}

func TestHashBlockDefStableUnderFieldOrder(t *testing.T) {
	b1 := BlockDef{ID: "a", Mode: ModeAI, Inputs: map[string]Port{"x": {Name: "x", Type: PortString}, "y": {Name: "y", Type: PortNumber}}}
	b2 := BlockDef{ID: "a", Mode: ModeAI, Inputs: map[string]Port{"y": {Name: "y", Type: PortNumber}, "x": {Name: "x", Type: PortString}}}
	assert.Equal(t, HashBlockDef(b1), HashBlockDef(b2))
}

func TestHashBlockDefChangesWithContent(t *testing.T) {
	b1 := BlockDef{ID: "a", Mode: ModeAI}
	b2 := BlockDef{ID: "a", Mode: ModeDeterministic}
	assert.NotEqual(t, HashBlockDef(b1), HashBlockDef(b2))
}
