package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/openskelo/openskelo/dag"
	"github.com/openskelo/openskelo/exprlang"
)

// CreateRun builds a Run from a parsed DAG and seed context: every block
// starts as a pending BlockInstance (spec §4.4 createRun).
func CreateRun(d *dag.DAG, seedContext map[string]interface{}) *Run {
	now := time.Now()
	ctx := make(map[string]interface{}, len(seedContext))
	for k, v := range seedContext {
		ctx[k] = v
	}

	blocks := make(map[string]*BlockInstance, len(d.Blocks))
	for id, b := range d.Blocks {
		blocks[id] = &BlockInstance{
			InstanceID: uuid.NewString(),
			BlockID:    id,
			Status:     BlockPending,
			RetryState: RetryState{MaxAttempts: maxAttempts(b.Retry.MaxAttempts)},
			CreatedAt:  now,
		}
	}

	run := &Run{
		ID:        uuid.NewString(),
		DAGName:   d.Name,
		Status:    RunPending,
		Blocks:    blocks,
		Context:   ctx,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, inst := range run.Blocks {
		inst.RunID = run.ID
	}
	return run
}

func maxAttempts(configured int) int {
	if configured < 1 {
		return 1
	}
	return configured
}

// edgeForInput finds the (at most one, by DAG invariant) incoming edge
// landing on blockID's port, if any.
func edgeForInput(d *dag.DAG, blockID, port string) (dag.Edge, bool) {
	for _, e := range d.IncomingEdges(blockID) {
		if e.ToPort == port {
			return e, true
		}
	}
	return dag.Edge{}, false
}

// inputSatisfiable implements spec §4.4 resolveReady's per-port rule: a
// port is satisfiable if it is explicitly overridden, or (a) it has no
// incoming edge and is present in context or has a default, or (b) its
// incoming edge's source block is completed and produced that output.
func inputSatisfiable(d *dag.DAG, run *Run, blockID string, port dag.Port) bool {
	if _, ok := run.Context[OverrideInputKey(blockID, port.Name)]; ok {
		return true
	}
	if e, ok := edgeForInput(d, blockID, port.Name); ok {
		src, ok := run.Blocks[e.From]
		if !ok || src.Status != BlockCompleted {
			return false
		}
		_, has := src.Outputs[e.FromPort]
		return has
	}
	if _, ok := run.Context[port.Name]; ok {
		return true
	}
	return port.HasDefault
}

// ResolveReady returns the ids of pending blocks for which every required
// input is currently satisfiable (spec §4.4). It is a pure function of
// (d, run): calling it twice without mutating run between calls returns
// the same set.
func ResolveReady(d *dag.DAG, run *Run) []string {
	var ready []string
	for id, inst := range run.Blocks {
		if inst.Status != BlockPending {
			continue
		}
		b := d.Blocks[id]
		ok := true
		for _, p := range b.Inputs {
			if !p.Required {
				continue
			}
			if !inputSatisfiable(d, run, id, p) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// WireInputs materializes blockId's input mapping following the priority
// per-block override > incoming edge (with transform) > run context >
// port default (spec §4.4 wireInputs). Missing required inputs are left
// unset; the pre-gate catches them.
func WireInputs(d *dag.DAG, run *Run, blockID string) map[string]interface{} {
	b := d.Blocks[blockID]
	out := make(map[string]interface{}, len(b.Inputs))
	for name, p := range b.Inputs {
		if v, ok := run.Context[OverrideInputKey(blockID, name)]; ok {
			out[name] = v
			continue
		}
		if e, ok := edgeForInput(d, blockID, name); ok {
			if src, ok := run.Blocks[e.From]; ok && src.Status == BlockCompleted {
				if v, ok := src.Outputs[e.FromPort]; ok {
					out[name] = exprlang.ApplyTransform(e.Transform, v)
					continue
				}
			}
			continue
		}
		if v, ok := run.Context[name]; ok {
			out[name] = v
			continue
		}
		if p.HasDefault {
			out[name] = p.Default
		}
	}
	return out
}

// IsComplete reports whether run has reached a point where every declared
// terminal (or, absent declared terminals, every block) is completed or
// skipped (spec §4.4 isComplete).
func IsComplete(d *dag.DAG, run *Run) bool {
	terminals := d.Terminals
	if len(terminals) == 0 {
		for id := range d.Blocks {
			terminals = append(terminals, id)
		}
	}
	for _, id := range terminals {
		inst, ok := run.Blocks[id]
		if !ok {
			return false
		}
		if inst.Status != BlockCompleted && inst.Status != BlockSkipped {
			return false
		}
	}
	return true
}
