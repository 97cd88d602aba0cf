// Package dag implements the DAG parser (spec §4.1): validates a
// tree-shaped configuration document into a DAG, or fails with a precise,
// suggestion-bearing error.
package dag

import (
	"github.com/openskelo/openskelo/gate"
	"github.com/openskelo/openskelo/resilience"
)

// PortType is the semantic type of a Port (spec §3).
type PortType string

const (
	PortString   PortType = "string"
	PortNumber   PortType = "number"
	PortBoolean  PortType = "boolean"
	PortJSON     PortType = "json"
	PortFile     PortType = "file"
	PortArtifact PortType = "artifact"
)

var knownPortTypes = map[PortType]bool{
	PortString: true, PortNumber: true, PortBoolean: true,
	PortJSON: true, PortFile: true, PortArtifact: true,
}

// Port is the typed connection point on a block (spec §3).
type Port struct {
	Name        string
	Type        PortType
	Required    bool
	Description string
	Default     interface{}
	HasDefault  bool
}

// BlockMode enumerates how a block is executed (spec §3).
type BlockMode string

const (
	ModeAI            BlockMode = "ai"
	ModeDeterministic BlockMode = "deterministic"
	ModeApproval      BlockMode = "approval"
)

// AgentRef selects which agent an ai-mode block dispatches to (spec §4.9):
// a specific id, a role+capability pair, a role-only selector, or empty
// (resolved entirely by the provider adapter).
type AgentRef struct {
	AgentID    string
	Role       string
	Capability string
}

func (r AgentRef) IsEmpty() bool {
	return r.AgentID == "" && r.Role == "" && r.Capability == ""
}

// DeterministicSpec configures a deterministic-mode block's handler.
type DeterministicSpec struct {
	Handler string
	Config  map[string]interface{}
}

// RetryPolicy configures block-level retry (spec §3/§4.4).
type RetryPolicy struct {
	MaxAttempts int
	Backoff     resilience.Backoff
	DelayMs     int64
	MaxDelayMs  int64
}

// ApprovalPolicy configures an approval-mode block (spec §3).
type ApprovalPolicy struct {
	Required   bool
	Prompt     string
	Approver   string
	TimeoutSec int
}

// OnGateFailRule is one entry of a block's on_gate_fail list (spec §3).
type OnGateFailRule struct {
	WhenGate     string
	RouteTo      string
	ResetBlocks  []string
	MaxBounces   int
	FeedbackFrom string
	Reason       string
}

// GateComposition governs pre/post gate aggregation (spec §3, default all).
type GateComposition struct {
	Pre  gate.Composition
	Post gate.Composition
}

// BlockDef is the static template for a block (spec §3).
type BlockDef struct {
	ID                     string
	DisplayName            string
	Mode                   BlockMode
	Inputs                 map[string]Port
	Outputs                map[string]Port
	Agent                  AgentRef
	Deterministic          *DeterministicSpec
	PreGates               []gate.Def
	PostGates              []gate.Def
	GateComposition        GateComposition
	OnGateFail             []OnGateFailRule
	Retry                  RetryPolicy
	Approval               *ApprovalPolicy
	TimeoutMs              int64
	StrictOutput           bool
	ContractRepairAttempts int
}

// Edge is directed wiring between an output port and an input port,
// optionally reshaped by a transform expression (spec §3).
type Edge struct {
	From       string
	FromPort   string
	To         string
	ToPort     string
	Transform  string
}

// DAG is a validated, acyclic graph of blocks (spec §3).
type DAG struct {
	Name        string
	Blocks      map[string]BlockDef
	Edges       []Edge
	Order       []string // topological order (Kahn's algorithm, ready blocks taken in id order)
	Entrypoints []string
	Terminals   []string

	// incoming/outgoing indexes built once at parse time for O(1) lookups
	// by the block engine and executor.
	incoming map[string][]Edge // to-block -> edges landing on it
	outgoing map[string][]Edge // from-block -> edges leaving it
}

// IncomingEdges returns the edges landing on blockID's input ports.
func (d *DAG) IncomingEdges(blockID string) []Edge {
	return d.incoming[blockID]
}

// OutgoingEdges returns the edges leaving blockID's output ports.
func (d *DAG) OutgoingEdges(blockID string) []Edge {
	return d.outgoing[blockID]
}

func (d *DAG) buildIndexes() {
	d.incoming = make(map[string][]Edge, len(d.Blocks))
	d.outgoing = make(map[string][]Edge, len(d.Blocks))
	for _, e := range d.Edges {
		d.incoming[e.To] = append(d.incoming[e.To], e)
		d.outgoing[e.From] = append(d.outgoing[e.From], e)
	}
}
