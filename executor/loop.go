package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openskelo/openskelo/core"
	"github.com/openskelo/openskelo/dag"
	"github.com/openskelo/openskelo/engine"
	"github.com/openskelo/openskelo/gate"
	"github.com/openskelo/openskelo/telemetry"
)

// Executor is the single-process DAG driver (spec §4.5-§4.7). One
// Executor instance can drive many independent Runs; nothing here is
// Run-specific state.
type Executor struct {
	Provider     ProviderAdapter
	Handlers     *engine.HandlerRegistry
	Agents       AgentDirectory
	HTTPClient   *http.Client
	Approval     ApprovalWaiter
	Cancellation CancellationSource
	Observer     Observer
	Logger       core.Logger
	Config       Config
}

// Option configures an Executor built with New.
type Option func(*Executor)

func WithProvider(p ProviderAdapter) Option       { return func(e *Executor) { e.Provider = p } }
func WithHandlers(h *engine.HandlerRegistry) Option { return func(e *Executor) { e.Handlers = h } }
func WithAgents(a AgentDirectory) Option          { return func(e *Executor) { e.Agents = a } }
func WithHTTPClient(c *http.Client) Option        { return func(e *Executor) { e.HTTPClient = c } }
func WithApproval(a ApprovalWaiter) Option        { return func(e *Executor) { e.Approval = a } }
func WithCancellation(c CancellationSource) Option { return func(e *Executor) { e.Cancellation = c } }
func WithObserver(o Observer) Option               { return func(e *Executor) { e.Observer = o } }
func WithLogger(l core.Logger) Option              { return func(e *Executor) { e.Logger = l } }
func WithConfig(c Config) Option                   { return func(e *Executor) { e.Config = c } }

// New builds an Executor with the spec's documented defaults, applying
// opts on top.
func New(opts ...Option) *Executor {
	ex := &Executor{
		Handlers: engine.NewHandlerRegistry(),
		Observer: NoOpObserver{},
		Logger:   core.NoOpLogger{},
		Config:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.Config.MaxParallel <= 0 {
		ex.Config.MaxParallel = DefaultConfig().MaxParallel
	}
	if ex.Config.ApprovalPollInterval <= 0 {
		ex.Config.ApprovalPollInterval = DefaultConfig().ApprovalPollInterval
	}
	return ex
}

func (ex *Executor) gateEvalContext() gate.EvalContext {
	return gate.EvalContext{HTTPClient: ex.HTTPClient, ReviewDispatcher: ex}
}

// DispatchReview implements gate.ReviewDispatcher by issuing the review as
// a nested provider dispatch (spec §9: "out-of-band LLM gate... a
// synchronous nested dispatch from within gate evaluation").
func (ex *Executor) DispatchReview(ctx context.Context, req gate.ReviewRequest) (gate.ReviewResponse, error) {
	if ex.Provider == nil {
		return gate.ReviewResponse{}, fmt.Errorf("executor: no provider configured for llm_review dispatch")
	}
	result, err := ex.Provider.Dispatch(ctx, DispatchRequest{
		Prompt:      req.Prompt,
		ModelParams: map[string]interface{}{"provider": req.Provider, "model": req.Model},
	})
	if err != nil {
		return gate.ReviewResponse{}, err
	}
	if !result.Success {
		return gate.ReviewResponse{}, fmt.Errorf("review dispatch returned success=false: %s", result.Error)
	}
	return gate.ReviewResponse{RawOutput: result.Output, TokensIn: int(result.TokensIn), TokensOut: int(result.TokensOut)}, nil
}

// StuckDiagnostics is the forensic record stamped into
// engine.ContextKeyStuckDiagnostics when a run makes no further progress
// (spec §4.5 step 5).
type StuckDiagnostics struct {
	Blocked []BlockedDiagnostic
}

// BlockedDiagnostic describes one pending block whose required inputs
// cannot be satisfied.
type BlockedDiagnostic struct {
	BlockID               string
	MissingRequiredInputs []string
	UnmetUpstreamEdges    []UnmetEdge
}

// UnmetEdge names an incoming edge whose source block hasn't produced the
// needed output yet, along with that source's current status.
type UnmetEdge struct {
	FromBlock   string
	FromPort    string
	ToPort      string
	FromStatus  engine.BlockStatus
}

// Run drives run to a terminal status, implementing the main loop of spec
// §4.5. It returns once run.Status is terminal; callers that want
// asynchronous execution should invoke Run in their own goroutine.
func (ex *Executor) Run(ctx context.Context, d *dag.DAG, run *engine.Run) error {
	ctx, span := telemetry.StartSpan(ctx, "openskelo/executor", "run")
	defer span.End()

	type taskResult struct {
		outcome blockOutcome
	}
	resultCh := make(chan taskResult, ex.Config.MaxParallel)
	inFlight := 0
	inFlightBlocks := map[string]bool{}

	// drain consumes outcomes for blocks still in flight at cancellation
	// time without applying them: a provider that ignores ctx.Done() may
	// still deliver a result, but the driver marks the instance skipped
	// rather than completing or failing it on a cancelled run (spec §5).
	drain := func() {
		for inFlight > 0 {
			<-resultCh
			inFlight--
		}
		for blockID := range inFlightBlocks {
			engine.SkipBlock(run, blockID)
		}
		inFlightBlocks = map[string]bool{}
	}

	for {
		if run.Status.Terminal() {
			return nil
		}

		if ex.Cancellation != nil && ex.Cancellation.Cancelled(run.ID) {
			drain()
			run.Status = engine.RunCancelled
			ex.safeObserve(func() { ex.Observer.OnRunFail(run) })
			return nil
		}

		if run.Status == engine.RunPausedApproval {
			ex.awaitApproval(ctx, run)
			run.Status = engine.RunRunning
			continue
		}

		ready := engine.ResolveReady(d, run)

		if len(ready) == 0 {
			if engine.IsComplete(d, run) {
				run.Status = engine.RunCompleted
				ex.safeObserve(func() { ex.Observer.OnRunComplete(run) })
				return nil
			}
			if earliest, any := engine.EarliestRetryAt(run); any {
				if wait := time.Until(earliest); wait > 0 {
					ex.sleep(ctx, wait)
				}
				engine.WakeRetrying(run, time.Now())
				continue
			}
			if inFlight > 0 {
				res := <-resultCh
				delete(inFlightBlocks, res.outcome.blockID)
				ex.applyOutcome(ctx, d, run, res.outcome)
				inFlight--
				continue
			}
			ex.markStuck(ctx, d, run)
			return nil
		}

		runID, dagName := run.ID, run.DAGName
		for _, blockID := range ready {
			if inFlight >= ex.Config.MaxParallel {
				break
			}
			if ex.startOrPauseForApproval(d, run, blockID) {
				break // paused; stop scheduling more this round
			}
			b := d.Blocks[blockID]
			inputs := engine.WireInputs(d, run, blockID)
			bounceCounters := snapshotBounceCounters(run, blockID, b)
			priorTokens := sumRunTokens(run)

			ex.safeObserve(func() { ex.Observer.OnBlockStart(run, blockID) })
			inFlightBlocks[blockID] = true
			go func() {
				outcome := ex.runBlockTask(ctx, d, runID, dagName, blockID, b, inputs, bounceCounters, priorTokens)
				resultCh <- taskResult{outcome}
			}()
			inFlight++
		}

		if run.Status == engine.RunPausedApproval {
			continue
		}

		if inFlight > 0 {
			res := <-resultCh
			delete(inFlightBlocks, res.outcome.blockID)
			ex.applyOutcome(ctx, d, run, res.outcome)
			inFlight--
		}
	}
}

func (ex *Executor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (ex *Executor) awaitApproval(ctx context.Context, run *engine.Run) {
	if ex.Approval != nil {
		_ = ex.Approval.Await(ctx, run.ID, "")
		return
	}
	ex.sleep(ctx, ex.Config.ApprovalPollInterval)
}

// startOrPauseForApproval implements spec §4.6 steps 3-4: if the block
// needs approval that hasn't been granted, stash the request and pause
// the run, returning true. Otherwise it starts the block (status ->
// running) and returns false, leaving dispatch to the caller.
func (ex *Executor) startOrPauseForApproval(d *dag.DAG, run *engine.Run, blockID string) bool {
	b := d.Blocks[blockID]
	if needsApproval(b, run, blockID) {
		req := ApprovalRequest{
			Token:          fmt.Sprintf("%s:%s", run.ID, blockID),
			RunID:          run.ID,
			BlockID:        blockID,
			DAGName:        run.DAGName,
			Status:         "pending",
			RequestedAt:    time.Now(),
			ContextPreview: engine.WireInputs(d, run, blockID),
		}
		if b.Approval != nil {
			req.Prompt = b.Approval.Prompt
			req.Approver = b.Approval.Approver
			req.TimeoutSec = b.Approval.TimeoutSec
		}
		run.Context[engine.ContextKeyApprovalRequest] = req
		run.Status = engine.RunPausedApproval
		ex.safeObserve(func() { ex.Observer.OnApprovalRequired(run, blockID, req) })
		return true
	}

	if err := engine.StartBlock(run, blockID); err != nil {
		return false
	}
	if b.Mode == dag.ModeAI {
		inst := run.Blocks[blockID]
		inst.ActiveAgentID = b.Agent.AgentID
	}
	return false
}

func needsApproval(b dag.BlockDef, run *engine.Run, blockID string) bool {
	required := b.Mode == dag.ModeApproval
	if b.Approval != nil && b.Approval.Required {
		required = true
	}
	if !required {
		return false
	}
	if v, ok := run.Context[engine.ContextKeyDevAutoApprove]; ok {
		if b, ok := v.(bool); ok && b {
			return false
		}
	}
	if v, ok := run.Context[engine.ApprovalFlagKey(blockID)]; ok {
		if b, ok := v.(bool); ok && b {
			return false
		}
	}
	return true
}

func snapshotBounceCounters(run *engine.Run, blockID string, b dag.BlockDef) map[string]int {
	out := map[string]int{}
	for _, rule := range b.OnGateFail {
		key := engine.BounceCounterKey(blockID, rule.WhenGate)
		if v, ok := run.Context[key]; ok {
			if n, ok := v.(int); ok {
				out[rule.WhenGate] = n
			}
		}
	}
	return out
}

func sumRunTokens(run *engine.Run) int64 {
	var total int64
	for _, inst := range run.Blocks {
		if inst.LastExecution != nil {
			total += inst.LastExecution.TokensIn + inst.LastExecution.TokensOut
		}
	}
	return total
}

// applyOutcome applies a block task's outcome to Run. Like every other Run
// mutation in this file it runs on the driver goroutine, the single writer
// of Run (spec §5).
func (ex *Executor) applyOutcome(ctx context.Context, d *dag.DAG, run *engine.Run, out blockOutcome) {
	switch out.kind {
	case outcomeComplete:
		if err := engine.CompleteBlock(run, out.blockID, out.outputs, out.exec); err != nil {
			return
		}
		ex.safeObserve(func() { ex.Observer.OnBlockComplete(run, out.blockID) })
		ex.checkHandoff(ctx, d, run, out.blockID)

	case outcomeBounce:
		key := engine.BounceCounterKey(out.blockID, out.bounceGate)
		count, _ := run.Context[key].(int)
		run.Context[key] = count + 1

		engine.ResetBlock(run, out.blockID)
		for _, rb := range out.bounceResetBlocks {
			engine.ResetBlock(run, rb)
		}
		engine.ResetBlock(run, out.bounceRouteTo)
		if out.bounceFeedback != nil {
			run.Context[engine.ContextKeyGateVerdicts] = out.bounceFeedback
		}
		ex.safeObserve(func() {
			ex.Observer.OnBlockFail(run, out.blockID, out.message, CodeGateFailReroute, FailureInfo{Stage: StageGate, Message: out.message})
		})

	case outcomeFail:
		policy := d.Blocks[out.blockID].Retry
		_ = engine.FailBlock(d, run, out.blockID, policy, out.message)
		inst := run.Blocks[out.blockID]
		if inst.Status == engine.BlockFailed {
			run.Context[engine.ContextKeyFailureCode] = string(out.code)
			run.Context[engine.ContextKeyFailureReason] = out.message
			if !run.Status.Terminal() {
				run.Status = engine.RunFailed
			}
			telemetry.RecordError(ctx, fmt.Errorf("block %q failed: %s", out.blockID, out.message))
			ex.safeObserve(func() { ex.Observer.OnBlockFail(run, out.blockID, out.message, out.code, out.info) })
			ex.safeObserve(func() { ex.Observer.OnRunFail(run) })
		} else {
			ex.safeObserve(func() { ex.Observer.OnBlockFail(run, out.blockID, out.message, out.code, out.info) })
		}
	}
}

// checkHandoff implements spec §4.6 step 12: after a block completes,
// every downstream block must still be able to obtain its required
// inputs.
func (ex *Executor) checkHandoff(ctx context.Context, d *dag.DAG, run *engine.Run, blockID string) {
	for _, e := range d.OutgoingEdges(blockID) {
		downstream := d.Blocks[e.To]
		for _, p := range downstream.Inputs {
			if !p.Required {
				continue
			}
			if downstreamInputSatisfiable(d, run, e.To, p) {
				continue
			}
			msg := fmt.Sprintf("block %q can no longer obtain required input %q for downstream block %q", blockID, p.Name, e.To)
			run.Context[engine.ContextKeyFailureCode] = string(CodeHandoffUnsatisfiable)
			run.Context[engine.ContextKeyFailureReason] = msg
			run.Status = engine.RunFailed
			telemetry.RecordError(ctx, fmt.Errorf("%s", msg))
			ex.safeObserve(func() {
				ex.Observer.OnBlockFail(run, blockID, msg, CodeHandoffUnsatisfiable, FailureInfo{Stage: StageHandoff, Message: msg})
			})
			ex.safeObserve(func() { ex.Observer.OnRunFail(run) })
			return
		}
	}
}

// downstreamInputSatisfiable mirrors engine's inputSatisfiable rule but
// additionally treats an upstream block that hasn't failed/been skipped
// yet as still progressable (spec §4.6 step 12: "has a source that is
// completed or still progressable").
func downstreamInputSatisfiable(d *dag.DAG, run *engine.Run, blockID string, p dag.Port) bool {
	if _, ok := run.Context[engine.OverrideInputKey(blockID, p.Name)]; ok {
		return true
	}
	for _, e := range d.IncomingEdges(blockID) {
		if e.ToPort != p.Name {
			continue
		}
		src, ok := run.Blocks[e.From]
		if !ok {
			return false
		}
		if src.Status == engine.BlockCompleted {
			_, has := src.Outputs[e.FromPort]
			return has
		}
		return !src.Status.Terminal()
	}
	if _, ok := run.Context[p.Name]; ok {
		return true
	}
	return p.HasDefault
}

func (ex *Executor) markStuck(ctx context.Context, d *dag.DAG, run *engine.Run) {
	var blocked []BlockedDiagnostic
	for id, inst := range run.Blocks {
		if inst.Status != engine.BlockPending {
			continue
		}
		b := d.Blocks[id]
		var missing []string
		var unmet []UnmetEdge
		for _, p := range b.Inputs {
			if !p.Required {
				continue
			}
			if e, ok := func() (dag.Edge, bool) {
				for _, e := range d.IncomingEdges(id) {
					if e.ToPort == p.Name {
						return e, true
					}
				}
				return dag.Edge{}, false
			}(); ok {
				src := run.Blocks[e.From]
				if src == nil || src.Status != engine.BlockCompleted {
					status := engine.BlockPending
					if src != nil {
						status = src.Status
					}
					unmet = append(unmet, UnmetEdge{FromBlock: e.From, FromPort: e.FromPort, ToPort: p.Name, FromStatus: status})
					missing = append(missing, p.Name)
				}
				continue
			}
			if _, ok := run.Context[p.Name]; ok {
				continue
			}
			if p.HasDefault {
				continue
			}
			missing = append(missing, p.Name)
		}
		if len(missing) > 0 {
			blocked = append(blocked, BlockedDiagnostic{BlockID: id, MissingRequiredInputs: missing, UnmetUpstreamEdges: unmet})
		}
	}

	diag := StuckDiagnostics{Blocked: blocked}
	run.Context[engine.ContextKeyStuckDiagnostics] = diag
	run.Context[engine.ContextKeyFailureCode] = string(CodeRunStuck)
	run.Status = engine.RunFailed
	telemetry.RecordError(ctx, fmt.Errorf("run %q stuck: no block ready and none in flight", run.ID))
	ex.safeObserve(func() { ex.Observer.OnRunFail(run) })
}

func (ex *Executor) safeObserve(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ex.Logger.Error("observer callback panicked", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
		}
	}()
	fn()
}
