package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openskelo/openskelo/gate"
	"github.com/openskelo/openskelo/resilience"
)

// Parse validates cfg in the order specified by spec §4.1 and returns a
// DAG, or the first structured ParseError encountered.
func Parse(cfg Config) (*DAG, error) {
	// Step 1: name present; blocks non-empty.
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, &ParseError{Message: "dag: name is required"}
	}
	if len(cfg.Blocks) == 0 {
		return nil, &ParseError{Message: "dag: at least one block is required"}
	}

	blockIDs := make([]string, 0, len(cfg.Blocks))
	for _, b := range cfg.Blocks {
		blockIDs = append(blockIDs, b.ID)
	}

	// Step 2: parse each block.
	blocks := make(map[string]BlockDef, len(cfg.Blocks))
	for _, bc := range cfg.Blocks {
		if strings.TrimSpace(bc.ID) == "" {
			return nil, &ParseError{Message: "dag: block with empty id"}
		}
		if _, exists := blocks[bc.ID]; exists {
			return nil, errBlock(bc.ID, "dag: duplicate block id %q", bc.ID)
		}
		b, err := parseBlock(bc)
		if err != nil {
			return nil, err
		}
		blocks[bc.ID] = b
	}

	// Step 3 happens inside parseBlock (gates parsed per-block).

	// Step 4: validate edges.
	edges := make([]Edge, 0, len(cfg.Edges))
	seenTarget := map[string]bool{}
	for _, ec := range cfg.Edges {
		fromBlock, ok := blocks[ec.From]
		if !ok {
			return nil, errBlock(ec.From, "dag: edge references unknown block %q%s", ec.From, didYouMean(ec.From, blockIDs))
		}
		toBlock, ok := blocks[ec.To]
		if !ok {
			return nil, errBlock(ec.To, "dag: edge references unknown block %q%s", ec.To, didYouMean(ec.To, blockIDs))
		}
		if _, ok := fromBlock.Outputs[ec.FromPort]; !ok {
			return nil, errPort(ec.From, ec.FromPort, "dag: block %q has no output port %q%s", ec.From, ec.FromPort, didYouMean(ec.FromPort, portNames(fromBlock.Outputs)))
		}
		if _, ok := toBlock.Inputs[ec.ToPort]; !ok {
			return nil, errPort(ec.To, ec.ToPort, "dag: block %q has no input port %q%s", ec.To, ec.ToPort, didYouMean(ec.ToPort, portNames(toBlock.Inputs)))
		}
		targetKey := ec.To + "." + ec.ToPort
		if seenTarget[targetKey] {
			return nil, errPort(ec.To, ec.ToPort, "dag: input port %q on block %q is wired by more than one edge", ec.ToPort, ec.To)
		}
		seenTarget[targetKey] = true
		edges = append(edges, Edge{From: ec.From, FromPort: ec.FromPort, To: ec.To, ToPort: ec.ToPort, Transform: ec.Transform})
	}

	// Step 5: validate on_gate_fail (done per-block in parseBlock, but
	// route_to/reset_blocks need the full block set, so re-validate here).
	for id, b := range blocks {
		for _, rule := range b.OnGateFail {
			if _, ok := blocks[rule.RouteTo]; !ok {
				return nil, errBlock(id, "dag: block %q on_gate_fail.route_to references unknown block %q%s", id, rule.RouteTo, didYouMean(rule.RouteTo, blockIDs))
			}
			for _, rb := range rule.ResetBlocks {
				if _, ok := blocks[rb]; !ok {
					return nil, errBlock(id, "dag: block %q on_gate_fail.reset_blocks references unknown block %q%s", id, rb, didYouMean(rb, blockIDs))
				}
			}
		}
	}

	d := &DAG{Name: cfg.Name, Blocks: blocks, Edges: edges}
	d.buildIndexes()

	// Step 6: compute entrypoints/terminals unless supplied.
	if len(cfg.Entrypoints) > 0 {
		d.Entrypoints = cfg.Entrypoints
	} else {
		d.Entrypoints = computeEntrypoints(d)
	}
	if len(cfg.Terminals) > 0 {
		d.Terminals = cfg.Terminals
	} else {
		d.Terminals = computeTerminals(d)
	}

	// Step 7: cycle detection via Kahn's algorithm.
	order, err := kahnOrder(d)
	if err != nil {
		return nil, err
	}
	d.Order = order

	return d, nil
}

func portNames(ports map[string]Port) []string {
	names := make([]string, 0, len(ports))
	for n := range ports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func computeEntrypoints(d *DAG) []string {
	var out []string
	for id := range d.Blocks {
		if len(d.incoming[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func computeTerminals(d *DAG) []string {
	var out []string
	for id := range d.Blocks {
		if len(d.outgoing[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// kahnOrder computes a topological order over (blocks, edges) via Kahn's
// algorithm. If the resulting order does not cover every block, the
// remaining blocks participate in a cycle (spec §4.1 step 7).
func kahnOrder(d *DAG) ([]string, error) {
	indegree := make(map[string]int, len(d.Blocks))
	for id := range d.Blocks {
		indegree[id] = len(d.incoming[id])
	}
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var next []string
		for _, e := range d.outgoing[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
		sort.Strings(queue)
	}

	if len(order) != len(d.Blocks) {
		remaining := make([]string, 0, len(d.Blocks)-len(order))
		done := make(map[string]bool, len(order))
		for _, id := range order {
			done[id] = true
		}
		for id := range d.Blocks {
			if !done[id] {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &ParseError{Message: fmt.Sprintf("dag: cycle detected involving blocks: %s", strings.Join(remaining, ", "))}
	}
	return order, nil
}

func parseBlock(bc BlockConfig) (BlockDef, error) {
	mode := BlockMode(bc.Mode)
	if mode != ModeAI && mode != ModeDeterministic && mode != ModeApproval {
		return BlockDef{}, errBlock(bc.ID, "dag: block %q has unknown mode %q (expected ai, deterministic, or approval)", bc.ID, bc.Mode)
	}

	inputs, err := parsePorts(bc.ID, "input", bc.Inputs)
	if err != nil {
		return BlockDef{}, err
	}
	outputs, err := parsePorts(bc.ID, "output", bc.Outputs)
	if err != nil {
		return BlockDef{}, err
	}

	var agent AgentRef
	if bc.Agent != nil {
		agent = AgentRef{AgentID: bc.Agent.AgentID, Role: bc.Agent.Role, Capability: bc.Agent.Capability}
	}

	var det *DeterministicSpec
	if mode == ModeDeterministic {
		if bc.Deterministic == nil || strings.TrimSpace(bc.Deterministic.Handler) == "" {
			return BlockDef{}, errBlock(bc.ID, "dag: block %q has mode=deterministic but no non-empty deterministic.handler", bc.ID)
		}
		det = &DeterministicSpec{Handler: bc.Deterministic.Handler, Config: bc.Deterministic.Config}
	} else if bc.Deterministic != nil {
		return BlockDef{}, errBlock(bc.ID, "dag: block %q has deterministic spec but mode is %q", bc.ID, bc.Mode)
	}

	preGates, err := parseGates(bc.ID, bc.PreGates)
	if err != nil {
		return BlockDef{}, err
	}
	postGates, err := parseGates(bc.ID, bc.PostGates)
	if err != nil {
		return BlockDef{}, err
	}

	composition := GateComposition{Pre: gate.CompositionAll, Post: gate.CompositionAll}
	if bc.GateComposition != nil {
		if bc.GateComposition.Pre != "" {
			composition.Pre = gate.Composition(bc.GateComposition.Pre)
		}
		if bc.GateComposition.Post != "" {
			composition.Post = gate.Composition(bc.GateComposition.Post)
		}
	}
	if composition.Pre != gate.CompositionAll && composition.Pre != gate.CompositionAny {
		return BlockDef{}, errBlock(bc.ID, "dag: block %q gate_composition.pre must be \"all\" or \"any\"", bc.ID)
	}
	if composition.Post != gate.CompositionAll && composition.Post != gate.CompositionAny {
		return BlockDef{}, errBlock(bc.ID, "dag: block %q gate_composition.post must be \"all\" or \"any\"", bc.ID)
	}

	gateNames := allGateNames(preGates, postGates)
	onGateFail, err := parseOnGateFail(bc.ID, bc.OnGateFail, gateNames)
	if err != nil {
		return BlockDef{}, err
	}

	retry, err := parseRetry(bc.ID, bc.Retry)
	if err != nil {
		return BlockDef{}, err
	}

	var approval *ApprovalPolicy
	if mode == ModeApproval {
		ap := ApprovalPolicy{Required: true}
		if bc.Approval != nil {
			ap = ApprovalPolicy{
				Required:   true,
				Prompt:     bc.Approval.Prompt,
				Approver:   bc.Approval.Approver,
				TimeoutSec: bc.Approval.TimeoutSec,
			}
		}
		approval = &ap
	} else if bc.Approval != nil {
		approval = &ApprovalPolicy{
			Required:   bc.Approval.Required,
			Prompt:     bc.Approval.Prompt,
			Approver:   bc.Approval.Approver,
			TimeoutSec: bc.Approval.TimeoutSec,
		}
	}

	strictOutput := true
	if bc.StrictOutput != nil {
		strictOutput = *bc.StrictOutput
	}

	repairAttempts := 1
	if bc.ContractRepairAttempts != nil {
		repairAttempts = *bc.ContractRepairAttempts
	}
	if repairAttempts < 0 {
		repairAttempts = 0
	}
	if repairAttempts > 3 {
		repairAttempts = 3
	}

	return BlockDef{
		ID:                     bc.ID,
		DisplayName:            bc.DisplayName,
		Mode:                   mode,
		Inputs:                 inputs,
		Outputs:                outputs,
		Agent:                  agent,
		Deterministic:          det,
		PreGates:               preGates,
		PostGates:              postGates,
		GateComposition:        composition,
		OnGateFail:             onGateFail,
		Retry:                  retry,
		Approval:               approval,
		TimeoutMs:              bc.TimeoutMs,
		StrictOutput:           strictOutput,
		ContractRepairAttempts: repairAttempts,
	}, nil
}

func parsePorts(blockID, kind string, raw map[string]PortConfig) (map[string]Port, error) {
	out := make(map[string]Port, len(raw))
	for name, pc := range raw {
		if !knownPortTypes[PortType(pc.Type)] {
			return nil, errPort(blockID, name, "dag: block %q %s port %q has unknown type %q", blockID, kind, name, pc.Type)
		}
		required := true
		if pc.Required != nil {
			required = *pc.Required
		}
		out[name] = Port{
			Name:        name,
			Type:        PortType(pc.Type),
			Required:    required,
			Description: pc.Description,
			Default:     pc.Default,
			HasDefault:  pc.HasDefault,
		}
	}
	return out, nil
}

func allGateNames(seqs ...[]gate.Def) map[string]bool {
	out := map[string]bool{}
	for _, seq := range seqs {
		for _, g := range seq {
			out[g.Name] = true
		}
	}
	return out
}

func parseOnGateFail(blockID string, raw []OnGateFailConfig, gateNames map[string]bool) ([]OnGateFailRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(gateNames))
	for n := range gateNames {
		names = append(names, n)
	}
	out := make([]OnGateFailRule, 0, len(raw))
	for _, rc := range raw {
		if !gateNames[rc.WhenGate] {
			return nil, errGate(blockID, rc.WhenGate, "dag: block %q on_gate_fail.when_gate references unknown gate %q%s", blockID, rc.WhenGate, didYouMean(rc.WhenGate, names))
		}
		if rc.MaxBounces <= 0 {
			return nil, errBlock(blockID, "dag: block %q on_gate_fail for gate %q must have max_bounces > 0", blockID, rc.WhenGate)
		}
		if strings.TrimSpace(rc.RouteTo) == "" {
			return nil, errBlock(blockID, "dag: block %q on_gate_fail for gate %q missing route_to", blockID, rc.WhenGate)
		}
		out = append(out, OnGateFailRule{
			WhenGate:     rc.WhenGate,
			RouteTo:      rc.RouteTo,
			ResetBlocks:  rc.ResetBlocks,
			MaxBounces:   rc.MaxBounces,
			FeedbackFrom: rc.FeedbackFrom,
			Reason:       rc.Reason,
		})
	}
	return out, nil
}

var knownBackoffs = map[string]resilience.Backoff{
	"none":        resilience.BackoffNone,
	"linear":      resilience.BackoffLinear,
	"exponential": resilience.BackoffExponential,
}

func parseRetry(blockID string, raw *RetryConfig) (RetryPolicy, error) {
	policy := RetryPolicy{MaxAttempts: 1, Backoff: resilience.BackoffNone, DelayMs: 0}
	if raw == nil {
		return policy, nil
	}
	if raw.MaxAttempts > 0 {
		policy.MaxAttempts = raw.MaxAttempts
	}
	policy.DelayMs = raw.DelayMs
	policy.MaxDelayMs = raw.MaxDelayMs
	if raw.Backoff != "" {
		b, ok := knownBackoffs[raw.Backoff]
		if !ok {
			return RetryPolicy{}, errBlock(blockID, "dag: block %q retry.backoff must be one of none, linear, exponential, got %q", blockID, raw.Backoff)
		}
		policy.Backoff = b
	}
	return policy, nil
}
