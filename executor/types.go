// Package executor implements the DAG executor (spec §4.5-§4.7): the
// driver loop and single-block protocol that sit on top of the stateless
// block engine, dispatching to externally supplied provider adapters,
// deterministic handlers, and gate checks.
package executor

import (
	"context"
	"time"

	"github.com/openskelo/openskelo/dag"
	"github.com/openskelo/openskelo/engine"
)

// FailureCode is one of the bit-exact user-visible failure codes (spec §7).
type FailureCode string

const (
	CodePreGateFailed       FailureCode = "PRE_GATE_FAILED"
	CodePostGateFailed      FailureCode = "POST_GATE_FAILED"
	CodeGateFailReroute     FailureCode = "GATE_FAIL_REROUTE"
	CodeAgentNotFound       FailureCode = "AGENT_NOT_FOUND"
	CodeAgentRouteAmbiguous FailureCode = "AGENT_ROUTE_AMBIGUOUS"
	CodeProviderNotFound    FailureCode = "PROVIDER_NOT_FOUND"
	CodeDispatchFailed      FailureCode = "DISPATCH_FAILED"
	CodeDispatchException   FailureCode = "DISPATCH_EXCEPTION"
	CodeDispatchTimeout     FailureCode = "DISPATCH_TIMEOUT"
	CodeDetConfigInvalid    FailureCode = "DET_CONFIG_INVALID"
	CodeDetExecFailed       FailureCode = "DET_EXEC_FAILED"
	CodeOutputContractFailed FailureCode = "OUTPUT_CONTRACT_FAILED"
	CodeBudgetExceeded      FailureCode = "BUDGET_EXCEEDED"
	CodeHandoffUnsatisfiable FailureCode = "HANDOFF_UNSATISFIABLE"
	CodeRunStuck            FailureCode = "RUN_STUCK"
)

// Stage categorizes a FailureInfo for dashboards (spec §4.7).
type Stage string

const (
	StageDispatch Stage = "dispatch"
	StageParse    Stage = "parse"
	StageContract Stage = "contract"
	StageGate     Stage = "gate"
	StageHandoff  Stage = "handoff"
	StageTimeout  Stage = "timeout"
	StageBudget   Stage = "budget"
	StageOrphan   Stage = "orphan"
	StageUnknown  Stage = "unknown"
)

// FailureInfo carries the forensic detail attached to a terminal block
// failure (spec §4.7).
type FailureInfo struct {
	Stage            Stage
	Message          string
	ContractTrace    *engine.ContractTrace
	RawOutputPreview string
}

// DispatchRequest is the AI-path provider dispatch contract (spec §6).
type DispatchRequest struct {
	TaskID             string
	DAGName            string
	BlockName          string
	Prompt             string
	Inputs             map[string]interface{}
	AcceptanceCriteria []string
	BounceCount        int
	OutputSchema       map[string]interface{}
	ModelParams        map[string]interface{}
	AgentHint          *dag.AgentRef
}

// DispatchResult is what a provider adapter returns (spec §6). Output is
// an arbitrary string; the executor parses it.
type DispatchResult struct {
	Success             bool
	Output              string
	TokensIn            int64
	TokensOut           int64
	ActualAgentID       string
	ActualModel         string
	ActualProvider      string
	ActualModelProvider string
	Error               string
	RepairAttempted     bool
	RepairSucceeded     bool
}

// ProviderAdapter dispatches an AI-path block to an external model
// provider (spec §6, consumed collaborator).
type ProviderAdapter interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

// ApprovalWaiter resolves when an external event signals that a paused run
// should be re-inspected. When nil, the driver falls back to periodic
// polling (spec §4.5 step 3 / §6).
type ApprovalWaiter interface {
	Await(ctx context.Context, runID, blockID string) error
}

// CancellationSource is the cooperative cancellation predicate the host
// provides (spec §5).
type CancellationSource interface {
	Cancelled(runID string) bool
}

// Observer receives best-effort lifecycle callbacks (spec §6). All methods
// must be non-blocking or offload their own work; the driver calls each one
// synchronously and recovers from a panicking observer.
type Observer interface {
	OnBlockStart(run *engine.Run, blockID string)
	OnBlockComplete(run *engine.Run, blockID string)
	OnBlockFail(run *engine.Run, blockID string, humanError string, code FailureCode, info FailureInfo)
	OnRunComplete(run *engine.Run)
	OnRunFail(run *engine.Run)
	OnApprovalRequired(run *engine.Run, blockID string, request ApprovalRequest)
}

// NoOpObserver implements Observer with no-ops; the safe default.
type NoOpObserver struct{}

func (NoOpObserver) OnBlockStart(*engine.Run, string)                                     {}
func (NoOpObserver) OnBlockComplete(*engine.Run, string)                                   {}
func (NoOpObserver) OnBlockFail(*engine.Run, string, string, FailureCode, FailureInfo)      {}
func (NoOpObserver) OnRunComplete(*engine.Run)                                             {}
func (NoOpObserver) OnRunFail(*engine.Run)                                                 {}
func (NoOpObserver) OnApprovalRequired(*engine.Run, string, ApprovalRequest)                {}

var _ Observer = NoOpObserver{}

// ApprovalRequest is the record stashed into the run context's
// __approval_request key (spec §3/§4.6 step 3).
type ApprovalRequest struct {
	Token          string
	RunID          string
	BlockID        string
	DAGName        string
	Status         string
	RequestedAt    time.Time
	Prompt         string
	Approver       string
	TimeoutSec     int
	ContextPreview map[string]interface{}
}

// Config tunes the driver (spec §4.5/§4.6/§5).
type Config struct {
	MaxParallel          int
	MaxTokensPerBlock    int64
	MaxTokensPerRun      int64
	ApprovalPollInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults: maxParallel=4, no
// token ceilings, 250ms approval polling.
func DefaultConfig() Config {
	return Config{
		MaxParallel:          4,
		ApprovalPollInterval: 250 * time.Millisecond,
	}
}
