package engine

import (
	"time"

	"github.com/openskelo/openskelo/core"
	"github.com/openskelo/openskelo/dag"
)

func instanceOrErr(run *Run, blockID string) (*BlockInstance, error) {
	inst, ok := run.Blocks[blockID]
	if !ok {
		return nil, core.NewFrameworkError("engine", "block_not_found", core.ErrBlockNotFound).WithID(blockID)
	}
	return inst, nil
}

// StartBlock transitions blockID to running, stamps started_at, increments
// the retry attempt counter, and moves the run to running if it was
// pending (spec §4.4 startBlock).
func StartBlock(run *Run, blockID string) error {
	inst, err := instanceOrErr(run, blockID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return core.NewFrameworkError("engine.startBlock", "instance_terminal", core.ErrInstanceTerminal).WithID(blockID)
	}
	now := time.Now()
	inst.Status = BlockRunning
	inst.StartedAt = &now
	inst.RetryState.Attempt++
	if run.Status == RunPending {
		run.Status = RunRunning
	}
	run.UpdatedAt = now
	return nil
}

// CompleteBlock records produced outputs and the execution record, marking
// the instance completed (spec §4.4 completeBlock). Repeated calls on an
// already-terminal instance are rejected.
func CompleteBlock(run *Run, blockID string, outputs map[string]interface{}, exec *ExecutionRecord) error {
	inst, err := instanceOrErr(run, blockID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return core.NewFrameworkError("engine.completeBlock", "instance_terminal", core.ErrInstanceTerminal).WithID(blockID)
	}
	now := time.Now()
	inst.Outputs = outputs
	inst.LastExecution = exec
	inst.Status = BlockCompleted
	inst.CompletedAt = &now
	run.UpdatedAt = now
	return nil
}

// FailBlock applies the retry/backoff decision from spec §4.4 failBlock: if
// attempt < max_attempts, the instance goes to retrying with a computed
// next_retry_at; otherwise it goes to failed, and if every other block is
// already terminal the run itself transitions to failed.
func FailBlock(d *dag.DAG, run *Run, blockID string, policy dag.RetryPolicy, errMsg string) error {
	inst, err := instanceOrErr(run, blockID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return core.NewFrameworkError("engine.failBlock", "instance_terminal", core.ErrInstanceTerminal).WithID(blockID)
	}
	now := time.Now()
	inst.RetryState.LastError = errMsg
	if inst.RetryState.Attempt < inst.RetryState.MaxAttempts {
		delay := nextDelay(policy.Backoff, inst.RetryState.Attempt, policy.DelayMs, policy.MaxDelayMs)
		next := now.Add(delay)
		inst.Status = BlockRetrying
		inst.RetryState.NextRetryAt = &next
		run.UpdatedAt = now
		return nil
	}
	inst.Status = BlockFailed
	inst.CompletedAt = &now
	run.UpdatedAt = now

	if allOthersTerminal(d, run, blockID) {
		run.Status = RunFailed
	}
	return nil
}

func allOthersTerminal(d *dag.DAG, run *Run, exceptID string) bool {
	for id := range d.Blocks {
		if id == exceptID {
			continue
		}
		inst, ok := run.Blocks[id]
		if !ok || !inst.Status.Terminal() {
			return false
		}
	}
	return true
}

// WakeRetrying flips every instance whose next_retry_at has elapsed back
// to pending, returning their block ids.
func WakeRetrying(run *Run, now time.Time) []string {
	var woke []string
	for id, inst := range run.Blocks {
		if inst.Status == BlockRetrying && inst.RetryState.NextRetryAt != nil && !now.Before(*inst.RetryState.NextRetryAt) {
			inst.Status = BlockPending
			inst.RetryState.NextRetryAt = nil
			woke = append(woke, id)
		}
	}
	if len(woke) > 0 {
		run.UpdatedAt = now
	}
	return woke
}

// EarliestRetryAt returns the soonest next_retry_at among retrying
// instances, and whether any exist.
func EarliestRetryAt(run *Run) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, inst := range run.Blocks {
		if inst.Status == BlockRetrying && inst.RetryState.NextRetryAt != nil {
			if !found || inst.RetryState.NextRetryAt.Before(earliest) {
				earliest = *inst.RetryState.NextRetryAt
				found = true
			}
		}
	}
	return earliest, found
}

// SkipBlock marks a still-running instance skipped without recording any
// outputs it may yet produce (spec §5: a provider that ignores cancellation
// "may still produce a result but the driver will mark the instance
// skipped"). A no-op on an instance that has already reached a terminal
// status.
func SkipBlock(run *Run, blockID string) {
	inst, ok := run.Blocks[blockID]
	if !ok || inst.Status.Terminal() {
		return
	}
	now := time.Now()
	inst.Status = BlockSkipped
	inst.CompletedAt = &now
	run.UpdatedAt = now
}

// ResetBlock reverts blockID to pending, clearing its outputs, execution
// record, and timestamps, as performed by a gate-failure reroute (spec
// §4.6 step 5). This is the one documented exception to a Run's otherwise
// monotonic status progression (spec §3).
func ResetBlock(run *Run, blockID string) {
	inst, ok := run.Blocks[blockID]
	if !ok {
		return
	}
	inst.Status = BlockPending
	inst.Outputs = nil
	inst.LastExecution = nil
	inst.PreGateResults = nil
	inst.PostGateResults = nil
	inst.StartedAt = nil
	inst.CompletedAt = nil
	inst.RetryState.Attempt = 0
	inst.RetryState.NextRetryAt = nil
	inst.ActiveAgentID = ""
	inst.ActiveModel = ""
	inst.ActiveProvider = ""
	run.UpdatedAt = time.Now()
}
