package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openskelo/openskelo/dag"
	"github.com/openskelo/openskelo/engine"
	"github.com/openskelo/openskelo/gate"
	"github.com/openskelo/openskelo/telemetry"
)

// outcomeKind classifies how a dispatched block task finished so the
// driver knows which engine lifecycle function to apply.
type outcomeKind string

const (
	outcomeComplete outcomeKind = "complete"
	outcomeFail     outcomeKind = "fail"
	outcomeBounce   outcomeKind = "bounce"
)

// blockOutcome is everything a block task computes off the driver
// goroutine; the driver applies it to Run with the engine's lifecycle
// functions, the only place Run is mutated (spec §5).
type blockOutcome struct {
	blockID string
	kind    outcomeKind

	outputs map[string]interface{}
	exec    *engine.ExecutionRecord

	code    FailureCode
	message string
	info    FailureInfo

	bounceGate        string
	bounceResetBlocks []string
	bounceRouteTo     string
	bounceFeedback    map[string]interface{}
}

const rawOutputPreviewLen = 500

// runBlockTask executes spec §4.6 steps 5-11 for one scheduled block. It
// receives an immutable snapshot of everything it needs (inputs, bounce
// counters, prior run token usage) so it never touches the shared Run —
// keeping all Run mutation on the driver goroutine.
func (ex *Executor) runBlockTask(
	ctx context.Context,
	d *dag.DAG,
	runID, dagName string,
	blockID string,
	b dag.BlockDef,
	inputs map[string]interface{},
	bounceCounters map[string]int,
	priorRunTokens int64,
) blockOutcome {
	ctx, span := telemetry.StartSpan(ctx, "openskelo/executor", "block."+blockID)
	defer span.End()
	telemetry.AddEvent(ctx, "block.dispatch", attribute.String("block_id", blockID), attribute.String("mode", string(b.Mode)))

	// Step 5: pre-gates.
	preResults, prePassed, err := gate.EvalSequence(ctx, b.PreGates, inputs, nil, b.GateComposition.Pre, ex.gateEvalContext())
	if err != nil {
		return ex.failOutcome(ctx, blockID, CodePreGateFailed, StageGate, fmt.Sprintf("pre-gate evaluation error: %v", err))
	}
	if !prePassed {
		if out, ok := ex.bounceOutcome(blockID, b, preResults, bounceCounters); ok {
			return out
		}
		return ex.failOutcome(ctx, blockID, CodePreGateFailed, StageGate, firstFailureReason(preResults))
	}

	var outputs map[string]interface{}
	var exec engine.ExecutionRecord
	var contractTrace *engine.ContractTrace

	switch b.Mode {
	case dag.ModeDeterministic:
		outputs, exec, err = ex.runDeterministic(ctx, b, blockID, runID, inputs)
		if err != nil {
			code := CodeDetExecFailed
			stage := StageDispatch
			if isConfigError(err) {
				code = CodeDetConfigInvalid
			} else if isContractError(err) {
				code = CodeOutputContractFailed
				stage = StageContract
			}
			return ex.failOutcome(ctx, blockID, code, stage, err.Error())
		}
	default: // ai
		var out blockOutcome
		outputs, exec, contractTrace, out, err = ex.runAIDispatch(ctx, b, blockID, runID, dagName, inputs, bounceCounters)
		if err != nil {
			return out
		}
	}

	// Step 10: budget.
	if code, msg := checkBudget(ex.Config, priorRunTokens, exec.TokensIn, exec.TokensOut); code != "" {
		return ex.failOutcome(ctx, blockID, code, StageBudget, msg)
	}

	// Step 11: post-gates.
	postResults, postPassed, err := gate.EvalSequence(ctx, b.PostGates, inputs, outputs, b.GateComposition.Post, ex.gateEvalContext())
	if err != nil {
		return ex.failOutcome(ctx, blockID, CodePostGateFailed, StageGate, fmt.Sprintf("post-gate evaluation error: %v", err))
	}
	if !postPassed {
		if out, ok := ex.bounceOutcome(blockID, b, postResults, bounceCounters); ok {
			return out
		}
		return ex.failOutcome(ctx, blockID, CodePostGateFailed, StageGate, firstFailureReason(postResults))
	}

	exec.ContractTrace = contractTrace
	telemetry.AddEvent(ctx, "block.dispatch.complete", attribute.String("block_id", blockID))
	return blockOutcome{blockID: blockID, kind: outcomeComplete, outputs: outputs, exec: &exec}
}

func isConfigError(err error) bool {
	_, ok := err.(*handlerConfigError)
	return ok
}

func isContractError(err error) bool {
	_, ok := err.(*contractError)
	return ok
}

type handlerConfigError struct{ msg string }

func (e *handlerConfigError) Error() string { return e.msg }

type contractError struct{ msg string }

func (e *contractError) Error() string { return e.msg }

func (ex *Executor) runDeterministic(ctx context.Context, b dag.BlockDef, blockID, runID string, inputs map[string]interface{}) (map[string]interface{}, engine.ExecutionRecord, error) {
	handler, ok := ex.Handlers.Resolve(b.Deterministic.Handler)
	if !ok {
		return nil, engine.ExecutionRecord{}, &handlerConfigError{msg: fmt.Sprintf("unknown deterministic handler %q", b.Deterministic.Handler)}
	}
	start := time.Now()
	outputs, err := handler.Handle(ctx, engine.HandlerRequest{
		Inputs:  inputs,
		Config:  b.Deterministic.Config,
		BlockID: blockID,
		RunID:   runID,
	})
	if err != nil {
		return nil, engine.ExecutionRecord{}, err
	}
	exec := engine.ExecutionRecord{DurationMs: time.Since(start).Milliseconds()}

	if errs := validateContract(outputs, b.Outputs); len(errs) > 0 {
		return nil, engine.ExecutionRecord{}, &contractError{msg: errs[0]}
	}
	return outputs, exec, nil
}

// runAIDispatch implements spec §4.6 steps 7-9: agent resolution, provider
// dispatch under a hard timeout, output parsing, and the contract repair
// loop.
func (ex *Executor) runAIDispatch(
	ctx context.Context,
	b dag.BlockDef,
	blockID, runID, dagName string,
	inputs map[string]interface{},
	bounceCounters map[string]int,
) (map[string]interface{}, engine.ExecutionRecord, *engine.ContractTrace, blockOutcome, error) {
	candidate, code, err := resolveAgent(ctx, ex.Agents, b.Agent)
	if err != nil {
		return nil, engine.ExecutionRecord{}, nil, blockOutcome{}, err
	}
	if code != "" {
		return nil, engine.ExecutionRecord{}, nil, ex.failOutcome(ctx, blockID, code, StageDispatch, fmt.Sprintf("no agent resolved for block %q", blockID)), fmt.Errorf("agent resolution failed")
	}
	if ex.Provider == nil {
		return nil, engine.ExecutionRecord{}, nil, ex.failOutcome(ctx, blockID, CodeProviderNotFound, StageDispatch, "no provider adapter configured"), fmt.Errorf("no provider")
	}

	totalBounces := 0
	for _, n := range bounceCounters {
		totalBounces += n
	}

	prompt := buildDispatchPrompt(b, inputs)
	req := DispatchRequest{
		TaskID:       blockID,
		DAGName:      dagName,
		BlockName:    b.ID,
		Prompt:       prompt,
		Inputs:       inputs,
		BounceCount:  totalBounces,
		OutputSchema: inferOutputSchema(b),
		AgentHint:    &b.Agent,
	}

	result, tookMs, timedOut, err := ex.dispatchWithTimeout(ctx, req, b.TimeoutMs)
	if timedOut {
		return nil, engine.ExecutionRecord{}, nil, ex.failOutcome(ctx, blockID, CodeDispatchTimeout, StageTimeout, fmt.Sprintf("dispatch for block %q timed out after %dms", blockID, b.TimeoutMs)), fmt.Errorf("timeout")
	}
	if err != nil {
		return nil, engine.ExecutionRecord{}, nil, ex.failOutcome(ctx, blockID, CodeDispatchException, StageDispatch, err.Error()), err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("dispatch for block %q returned success=false", blockID)
		}
		return nil, engine.ExecutionRecord{}, nil, ex.failOutcome(ctx, blockID, CodeDispatchFailed, StageDispatch, msg), fmt.Errorf("dispatch failed")
	}

	exec := engine.ExecutionRecord{
		AgentID:           result.ActualAgentID,
		Provider:          result.ActualProvider,
		TransportProvider: result.ActualModelProvider,
		Model:             result.ActualModel,
		RawOutput:         result.Output,
		TokensIn:          result.TokensIn,
		TokensOut:         result.TokensOut,
		DurationMs:        tookMs,
	}
	if candidate.AgentID != "" && exec.AgentID == "" {
		exec.AgentID = candidate.AgentID
	}

	outputs, ok := parseOutput(result.Output, b.Outputs)
	trace := &engine.ContractTrace{}
	if !ok {
		trace.InitialErrors = []string{"response was not valid JSON and block declares more than one output"}
		trace.FinalOK = false
		exec.ContractTrace = trace
		failed := ex.failOutcome(ctx, blockID, CodeOutputContractFailed, StageContract, "missing required output: could not parse model response as JSON")
		failed.info.ContractTrace = trace
		failed.info.RawOutputPreview = truncatePreview(exec.RawOutput, rawOutputPreviewLen)
		return nil, exec, trace, failed, fmt.Errorf("contract")
	}

	errs := validateContract(outputs, b.Outputs)
	trace.InitialErrors = errs

	attempts := b.ContractRepairAttempts
	for i := 0; i < attempts && len(errs) > 0; i++ {
		repairReq := req
		repairReq.Prompt = buildRepairPrompt(b, errs)
		repairResult, _, repairTimedOut, rerr := ex.dispatchWithTimeout(ctx, repairReq, b.TimeoutMs)
		if repairTimedOut || rerr != nil || !repairResult.Success {
			trace.Attempts = append(trace.Attempts, engine.ContractAttempt{Errors: errs})
			continue
		}
		repaired, ok := parseOutput(repairResult.Output, b.Outputs)
		if !ok {
			trace.Attempts = append(trace.Attempts, engine.ContractAttempt{Errors: errs})
			continue
		}
		for k, v := range repaired {
			outputs[k] = v
		}
		errs = validateContract(outputs, b.Outputs)
		trace.Attempts = append(trace.Attempts, engine.ContractAttempt{Errors: errs, Outputs: repaired})
		exec.RawOutput = repairResult.Output
		exec.TokensIn += repairResult.TokensIn
		exec.TokensOut += repairResult.TokensOut
	}
	trace.FinalOK = len(errs) == 0
	exec.ContractTrace = trace
	exec.StructuredRepair = &engine.RepairInfo{Attempted: len(trace.Attempts) > 0, Succeeded: trace.FinalOK && len(trace.Attempts) > 0}

	if b.StrictOutput && len(errs) > 0 {
		failed := ex.failOutcome(ctx, blockID, CodeOutputContractFailed, StageContract, errs[0])
		failed.info.ContractTrace = trace
		failed.info.RawOutputPreview = truncatePreview(exec.RawOutput, rawOutputPreviewLen)
		return nil, exec, trace, failed, fmt.Errorf("contract")
	}
	return outputs, exec, trace, blockOutcome{}, nil
}

func (ex *Executor) dispatchWithTimeout(ctx context.Context, req DispatchRequest, timeoutMs int64) (DispatchResult, int64, bool, error) {
	dispatchCtx := ctx
	cancel := func() {}
	if timeoutMs > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	}
	defer cancel()

	start := time.Now()
	type out struct {
		res DispatchResult
		err error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := ex.Provider.Dispatch(dispatchCtx, req)
		ch <- out{res, err}
	}()

	select {
	case <-dispatchCtx.Done():
		if timeoutMs > 0 {
			return DispatchResult{}, time.Since(start).Milliseconds(), true, nil
		}
		return DispatchResult{}, time.Since(start).Milliseconds(), false, dispatchCtx.Err()
	case o := <-ch:
		return o.res, time.Since(start).Milliseconds(), false, o.err
	}
}

// checkBudget implements spec §4.6 step 10: per-block and per-run token
// ceilings. A zero ceiling means unbounded.
func checkBudget(cfg Config, priorRunTokens, tokensIn, tokensOut int64) (FailureCode, string) {
	used := tokensIn + tokensOut
	if cfg.MaxTokensPerBlock > 0 && used > cfg.MaxTokensPerBlock {
		return CodeBudgetExceeded, fmt.Sprintf("block used %d tokens, exceeding per-block limit %d", used, cfg.MaxTokensPerBlock)
	}
	if cfg.MaxTokensPerRun > 0 && priorRunTokens+used > cfg.MaxTokensPerRun {
		return CodeBudgetExceeded, fmt.Sprintf("run token usage %d exceeds per-run limit %d", priorRunTokens+used, cfg.MaxTokensPerRun)
	}
	return "", ""
}

func (ex *Executor) failOutcome(ctx context.Context, blockID string, code FailureCode, stage Stage, message string) blockOutcome {
	telemetry.RecordError(ctx, fmt.Errorf("%s: %s", code, message))
	return blockOutcome{
		blockID: blockID,
		kind:    outcomeFail,
		code:    code,
		message: message,
		info:    FailureInfo{Stage: stage, Message: message},
	}
}

// bounceOutcome looks up the first on_gate_fail rule matching the first
// failing gate and, if its bounce budget isn't exhausted, produces a
// bounce outcome instead of a terminal failure (spec §4.6 step 5/11).
func (ex *Executor) bounceOutcome(blockID string, b dag.BlockDef, results []gate.Result, bounceCounters map[string]int) (blockOutcome, bool) {
	failed, ok := gate.FirstFailure(results)
	if !ok {
		return blockOutcome{}, false
	}
	var rule *dag.OnGateFailRule
	for i := range b.OnGateFail {
		if b.OnGateFail[i].WhenGate == failed.Name {
			rule = &b.OnGateFail[i]
			break
		}
	}
	if rule == nil {
		return blockOutcome{}, false
	}
	if bounceCounters[rule.WhenGate] >= rule.MaxBounces {
		return blockOutcome{}, false
	}

	out := blockOutcome{
		blockID:           blockID,
		kind:              outcomeBounce,
		code:              CodeGateFailReroute,
		message:            fmt.Sprintf("gate %q failed, rerouting to %q", failed.Name, rule.RouteTo),
		bounceGate:         rule.WhenGate,
		bounceResetBlocks:  rule.ResetBlocks,
		bounceRouteTo:      rule.RouteTo,
	}
	if rule.FeedbackFrom == "gate_verdicts" {
		out.bounceFeedback = map[string]interface{}{
			"gate":   failed.Name,
			"reason": failed.Reason,
			"audit":  failed.Audit,
		}
	}
	return out, true
}

func firstFailureReason(results []gate.Result) string {
	if r, ok := gate.FirstFailure(results); ok {
		return r.Reason
	}
	return "gate evaluation failed"
}
