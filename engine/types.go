// Package engine implements the stateless block engine (spec §4.4): the
// pure functions over a parsed DAG and a mutable Run that the executor's
// driver loop calls into. Nothing here blocks, dispatches to a provider, or
// evaluates a gate — that is the executor's job.
package engine

import (
	"time"

	"github.com/openskelo/openskelo/gate"
	"github.com/openskelo/openskelo/resilience"
)

// BlockStatus is a BlockInstance's lifecycle state (spec §3).
type BlockStatus string

const (
	BlockPending   BlockStatus = "pending"
	BlockRunning   BlockStatus = "running"
	BlockCompleted BlockStatus = "completed"
	BlockFailed    BlockStatus = "failed"
	BlockRetrying  BlockStatus = "retrying"
	BlockSkipped   BlockStatus = "skipped"
)

func (s BlockStatus) Terminal() bool {
	return s == BlockCompleted || s == BlockFailed || s == BlockSkipped
}

// RunStatus is a Run's lifecycle state (spec §3). Iterated is part of the
// enumeration for host interoperability but the executor itself never
// transitions a run into it (spec §9 design note).
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunPausedApproval  RunStatus = "paused_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
	RunIterated        RunStatus = "iterated"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RetryState tracks a BlockInstance's attempt counter and scheduled wake-up.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	NextRetryAt *time.Time
	LastError   string
}

// ContractTrace records the output-contract repair loop's forensic detail
// (spec §4.6 step 9 / §4.7).
type ContractTrace struct {
	InitialErrors []string
	Attempts      []ContractAttempt
	FinalOK       bool
}

// ContractAttempt is one repair dispatch's outcome.
type ContractAttempt struct {
	Errors  []string
	Outputs map[string]interface{}
}

// RepairInfo summarizes whether a contract repair was attempted/succeeded,
// attached to the ExecutionRecord (spec §3).
type RepairInfo struct {
	Attempted bool
	Succeeded bool
}

// ExecutionRecord is attached to a BlockInstance on each completed dispatch
// attempt (spec §3).
type ExecutionRecord struct {
	AgentID           string
	Provider          string
	TransportProvider string
	Model             string
	RawOutput         string
	TokensIn          int64
	TokensOut         int64
	DurationMs        int64
	Error             string
	StructuredRepair  *RepairInfo
	ContractTrace     *ContractTrace
}

// BlockInstance is a BlockDef's per-run state (spec §3).
type BlockInstance struct {
	InstanceID string
	BlockID    string
	RunID      string
	Status     BlockStatus

	Inputs  map[string]interface{}
	Outputs map[string]interface{}

	PreGateResults  []gate.Result
	PostGateResults []gate.Result

	LastExecution *ExecutionRecord

	ActiveAgentID    string
	ActiveModel      string
	ActiveProvider   string

	RetryState RetryState

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Run is the mutable container for one DAG execution (spec §3). All
// mutation is owned by the executor's driver; block tasks only read it
// until they hand control back via the lifecycle functions in this
// package.
type Run struct {
	ID      string
	DAGName string
	Status  RunStatus
	Blocks  map[string]*BlockInstance
	Context map[string]interface{}

	CreatedAt time.Time
	UpdatedAt time.Time
}

func nextDelay(policy resilience.Backoff, attempt int, delayMs, maxDelayMs int64) time.Duration {
	return resilience.NextDelay(policy, attempt, delayMs, maxDelayMs)
}
