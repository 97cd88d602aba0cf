package executor

import (
	"context"
	"sort"

	"github.com/openskelo/openskelo/dag"
)

// AgentCandidate is one entry the agent directory can resolve a block's
// AgentRef selector to (SPEC_FULL §4.9).
type AgentCandidate struct {
	AgentID    string
	Role       string
	Capability string
	Provider   string
	Model      string
}

// AgentDirectory answers "which agents match this selector", leaving the
// specific/role+capability/role-only/any resolution policy (spec §4.6
// step 7) to the executor. Kept as an external collaborator because the
// catalog of agents and their capabilities is host/config-driven.
type AgentDirectory interface {
	Candidates(ctx context.Context, ref dag.AgentRef) ([]AgentCandidate, error)
}

// StaticDirectory is a fixed, in-memory AgentDirectory: the simplest
// implementation a host (or a test) can hand the executor.
type StaticDirectory struct {
	Agents []AgentCandidate
}

func (s StaticDirectory) Candidates(_ context.Context, ref dag.AgentRef) ([]AgentCandidate, error) {
	var out []AgentCandidate
	for _, a := range s.Agents {
		if ref.AgentID != "" {
			if a.AgentID == ref.AgentID {
				out = append(out, a)
			}
			continue
		}
		if ref.Role != "" && a.Role != ref.Role {
			continue
		}
		if ref.Capability != "" && a.Capability != ref.Capability {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// resolveAgent implements spec §4.6 step 7's resolution order: specific id
// first, then role+capability (or role-only), then any. A role/capability
// selector matching more than one candidate is ambiguous; an id-specific
// selector or the empty "any" selector never is.
func resolveAgent(ctx context.Context, dir AgentDirectory, ref dag.AgentRef) (AgentCandidate, FailureCode, error) {
	if dir == nil {
		return AgentCandidate{}, CodeAgentNotFound, nil
	}
	var candidates []AgentCandidate
	for _, sel := range []dag.AgentRef{ref, {Role: ref.Role, Capability: ref.Capability}, {Role: ref.Role}, {}} {
		found, err := dir.Candidates(ctx, sel)
		if err != nil {
			return AgentCandidate{}, "", err
		}
		if len(found) > 0 {
			candidates, ref = found, sel
			break
		}
	}
	if len(candidates) == 0 {
		return AgentCandidate{}, CodeAgentNotFound, nil
	}
	if ref.AgentID != "" || ref.IsEmpty() {
		sorted := append([]AgentCandidate(nil), candidates...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })
		return sorted[0], "", nil
	}
	if len(candidates) > 1 {
		return AgentCandidate{}, CodeAgentRouteAmbiguous, nil
	}
	return candidates[0], "", nil
}
