package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openskelo/openskelo/dag"
	"github.com/openskelo/openskelo/engine"
	"github.com/openskelo/openskelo/executor"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// scriptedProvider returns a queued response per call, keyed by block name.
// Concurrent-safe so it can back a maxParallel > 1 driver loop.
type scriptedProvider struct {
	mu        sync.Mutex
	responses map[string][]func() (executor.DispatchResult, error)
	calls     map[string]int
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{responses: map[string][]func() (executor.DispatchResult, error){}, calls: map[string]int{}}
}

func (p *scriptedProvider) queue(block string, fn func() (executor.DispatchResult, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[block] = append(p.responses[block], fn)
}

func (p *scriptedProvider) Dispatch(ctx context.Context, req executor.DispatchRequest) (executor.DispatchResult, error) {
	p.mu.Lock()
	queue := p.responses[req.BlockName]
	idx := p.calls[req.BlockName]
	p.calls[req.BlockName] = idx + 1
	p.mu.Unlock()

	if idx >= len(queue) {
		return executor.DispatchResult{Success: true, Output: "{}"}, nil
	}
	return queue[idx]()
}

func jsonResult(s string) func() (executor.DispatchResult, error) {
	return func() (executor.DispatchResult, error) {
		return executor.DispatchResult{Success: true, Output: s}, nil
	}
}

func sleepingResult(d time.Duration, s string) func() (executor.DispatchResult, error) {
	return func() (executor.DispatchResult, error) {
		time.Sleep(d)
		return executor.DispatchResult{Success: true, Output: s}, nil
	}
}

func aiAgentDir() executor.StaticDirectory {
	return executor.StaticDirectory{Agents: []executor.AgentCandidate{{AgentID: "agent-1", Role: "worker"}}}
}

func mustParse(t *testing.T, cfg dag.Config) *dag.DAG {
	t.Helper()
	d, err := dag.Parse(cfg)
	require.NoError(t, err)
	return d
}

func runToCompletion(t *testing.T, ex *executor.Executor, d *dag.DAG, run *engine.Run) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background(), d, run) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach a terminal status in time")
	}
}

// 1. Happy 5-block DAG: Plan -> Build -> (Test || Review) -> Deploy.
func TestHappyFiveBlockDAG(t *testing.T) {
	aiBlock := func(id string, inputs map[string]dag.PortConfig) dag.BlockConfig {
		return dag.BlockConfig{
			ID:     id,
			Mode:   "ai",
			Inputs: inputs,
			Outputs: map[string]dag.PortConfig{
				"out": {Type: "string", Required: boolPtr(true)},
			},
			Agent: &dag.AgentRefConfig{Role: "worker"},
		}
	}
	cfg := dag.Config{
		Name: "pipeline",
		Blocks: []dag.BlockConfig{
			aiBlock("Plan", nil),
			aiBlock("Build", map[string]dag.PortConfig{"in": {Type: "string", Required: boolPtr(true)}}),
			aiBlock("Test", map[string]dag.PortConfig{"in": {Type: "string", Required: boolPtr(true)}}),
			aiBlock("Review", map[string]dag.PortConfig{"in": {Type: "string", Required: boolPtr(true)}}),
			aiBlock("Deploy", map[string]dag.PortConfig{
				"test_in":   {Type: "string", Required: boolPtr(true)},
				"review_in": {Type: "string", Required: boolPtr(true)},
			}),
		},
		Edges: []dag.EdgeConfig{
			{From: "Plan", FromPort: "out", To: "Build", ToPort: "in"},
			{From: "Build", FromPort: "out", To: "Test", ToPort: "in"},
			{From: "Build", FromPort: "out", To: "Review", ToPort: "in"},
			{From: "Test", FromPort: "out", To: "Deploy", ToPort: "test_in"},
			{From: "Review", FromPort: "out", To: "Deploy", ToPort: "review_in"},
		},
	}
	d := mustParse(t, cfg)

	provider := newScriptedProvider()
	for _, b := range []string{"Plan", "Build", "Test", "Review", "Deploy"} {
		provider.queue(b, jsonResult(`{"out":"`+b+`-output"}`))
	}

	ex := executor.New(
		executor.WithProvider(provider),
		executor.WithAgents(aiAgentDir()),
	)
	run := engine.CreateRun(d, nil)
	runToCompletion(t, ex, d, run)

	require.Equal(t, engine.RunCompleted, run.Status)
	deploy := run.Blocks["Deploy"]
	require.Equal(t, engine.BlockCompleted, deploy.Status)
	assert.Equal(t, "Deploy-output", deploy.Outputs["out"])
}

// 2. Contract repair success: game_spec present first pass, dev_plan added on repair.
func TestContractRepairSuccess(t *testing.T) {
	cfg := dag.Config{
		Name: "repair",
		Blocks: []dag.BlockConfig{
			{
				ID:   "Design",
				Mode: "ai",
				Outputs: map[string]dag.PortConfig{
					"game_spec": {Type: "json", Required: boolPtr(true)},
					"dev_plan":  {Type: "string", Required: boolPtr(true)},
				},
				Agent:                  &dag.AgentRefConfig{Role: "worker"},
				ContractRepairAttempts: intPtr(2),
			},
		},
	}
	d := mustParse(t, cfg)

	provider := newScriptedProvider()
	provider.queue("Design", jsonResult(`{"game_spec":{"genre":"rpg"}}`))
	provider.queue("Design", jsonResult(`{"game_spec":{"genre":"rpg"},"dev_plan":"ship it"}`))

	ex := executor.New(executor.WithProvider(provider), executor.WithAgents(aiAgentDir()))
	run := engine.CreateRun(d, nil)
	runToCompletion(t, ex, d, run)

	require.Equal(t, engine.RunCompleted, run.Status)
	inst := run.Blocks["Design"]
	assert.Equal(t, "ship it", inst.Outputs["dev_plan"])
	require.NotNil(t, inst.LastExecution)
	require.NotNil(t, inst.LastExecution.ContractTrace)
	assert.Len(t, inst.LastExecution.ContractTrace.Attempts, 1)
	assert.True(t, inst.LastExecution.ContractTrace.FinalOK)
}

// 3. Contract failure after repairs: dev_plan missing on every attempt.
func TestContractFailureAfterRepairs(t *testing.T) {
	cfg := dag.Config{
		Name: "repair-fail",
		Blocks: []dag.BlockConfig{
			{
				ID:   "Design",
				Mode: "ai",
				Outputs: map[string]dag.PortConfig{
					"game_spec": {Type: "json", Required: boolPtr(true)},
					"dev_plan":  {Type: "string", Required: boolPtr(true)},
				},
				Agent:                  &dag.AgentRefConfig{Role: "worker"},
				ContractRepairAttempts: intPtr(2),
			},
		},
	}
	d := mustParse(t, cfg)

	provider := newScriptedProvider()
	missing := jsonResult(`{"game_spec":{"genre":"rpg"}}`)
	provider.queue("Design", missing)
	provider.queue("Design", missing)
	provider.queue("Design", missing)

	ex := executor.New(executor.WithProvider(provider), executor.WithAgents(aiAgentDir()))
	run := engine.CreateRun(d, nil)
	runToCompletion(t, ex, d, run)

	require.Equal(t, engine.RunFailed, run.Status)
	assert.Equal(t, "OUTPUT_CONTRACT_FAILED", run.Context[engine.ContextKeyFailureCode])
	reason, _ := run.Context[engine.ContextKeyFailureReason].(string)
	assert.Contains(t, reason, "missing required output 'dev_plan'")
}

// 4. Stuck-run diagnostics: Build's required input game_spec has no edge,
// no default, no context entry.
func TestStuckRunDiagnostics(t *testing.T) {
	cfg := dag.Config{
		Name: "stuck",
		Blocks: []dag.BlockConfig{
			{
				ID:   "Build",
				Mode: "deterministic",
				Inputs: map[string]dag.PortConfig{
					"game_spec": {Type: "json", Required: boolPtr(true)},
				},
				Outputs:       map[string]dag.PortConfig{"out": {Type: "string"}},
				Deterministic: &dag.DeterministicConfig{Handler: "builtin:passthrough"},
			},
		},
	}
	d := mustParse(t, cfg)

	ex := executor.New()
	run := engine.CreateRun(d, nil)
	runToCompletion(t, ex, d, run)

	require.Equal(t, engine.RunFailed, run.Status)
	assert.Equal(t, "RUN_STUCK", run.Context[engine.ContextKeyFailureCode])
	diag, ok := run.Context[engine.ContextKeyStuckDiagnostics].(executor.StuckDiagnostics)
	require.True(t, ok)
	require.Len(t, diag.Blocked, 1)
	assert.Equal(t, "Build", diag.Blocked[0].BlockID)
	assert.Contains(t, diag.Blocked[0].MissingRequiredInputs, "game_spec")
}

// 5. LLM-review gate composition: 2/4 criteria pass.
func TestLLMReviewGateComposition(t *testing.T) {
	verdicts := `[
		{"criterion":"a","passed":true,"reasoning":"ok"},
		{"criterion":"b","passed":true,"reasoning":"ok"},
		{"criterion":"c","passed":false,"reasoning":"no"},
		{"criterion":"d","passed":false,"reasoning":"no"}
	]`

	build := func(passThreshold float64) (*dag.DAG, *scriptedProvider) {
		cfg := dag.Config{
			Name: "review",
			Blocks: []dag.BlockConfig{
				{
					ID:   "Answer",
					Mode: "ai",
					Outputs: map[string]dag.PortConfig{
						"answer": {Type: "string", Required: boolPtr(true)},
					},
					Agent: &dag.AgentRefConfig{Role: "worker"},
					PostGates: []dag.GateConfig{
						{Name: "judge", Type: "llm_review", Fields: map[string]interface{}{
							"port":           "answer",
							"provider":       "reviewer",
							"criteria":       []interface{}{"a", "b", "c", "d"},
							"pass_threshold": passThreshold,
						}},
					},
				},
			},
		}
		d := mustParse(t, cfg)
		provider := newScriptedProvider()
		provider.queue("Answer", jsonResult(`{"answer":"42"}`))
		return d, provider
	}

	t.Run("passes at 0.5", func(t *testing.T) {
		d, provider := build(0.5)
		ex := executor.New(executor.WithProvider(reviewRoutingProvider{provider, verdicts}), executor.WithAgents(aiAgentDir()))
		run := engine.CreateRun(d, nil)
		runToCompletion(t, ex, d, run)
		assert.Equal(t, engine.RunCompleted, run.Status)
	})

	t.Run("fails at 1.0", func(t *testing.T) {
		d, provider := build(1.0)
		ex := executor.New(executor.WithProvider(reviewRoutingProvider{provider, verdicts}), executor.WithAgents(aiAgentDir()))
		run := engine.CreateRun(d, nil)
		runToCompletion(t, ex, d, run)
		assert.Equal(t, engine.RunFailed, run.Status)
		assert.Equal(t, "POST_GATE_FAILED", run.Context[engine.ContextKeyFailureCode])
	})
}

// reviewRoutingProvider answers the llm_review nested dispatch (no
// BlockName set on that request) with canned verdicts, and routes every
// other dispatch to the wrapped scriptedProvider.
type reviewRoutingProvider struct {
	inner    *scriptedProvider
	verdicts string
}

func (p reviewRoutingProvider) Dispatch(ctx context.Context, req executor.DispatchRequest) (executor.DispatchResult, error) {
	if req.BlockName == "" {
		return executor.DispatchResult{Success: true, Output: p.verdicts}, nil
	}
	return p.inner.Dispatch(ctx, req)
}

// 6. Reroute bounce: post-gate judge routes back to itself with
// max_bounces=1; exhausting the budget fails the run.
func TestRerouteBounceExhaustion(t *testing.T) {
	cfg := dag.Config{
		Name: "bounce",
		Blocks: []dag.BlockConfig{
			{
				ID:   "Draft",
				Mode: "ai",
				Outputs: map[string]dag.PortConfig{
					"text": {Type: "string", Required: boolPtr(true)},
				},
				Agent: &dag.AgentRefConfig{Role: "worker"},
				PostGates: []dag.GateConfig{
					{Name: "judge", Type: "port_min_length", Fields: map[string]interface{}{
						"port": "text",
						"min":  float64(100),
					}},
				},
				OnGateFail: []dag.OnGateFailConfig{
					{WhenGate: "judge", RouteTo: "Draft", MaxBounces: 1},
				},
			},
		},
	}
	d := mustParse(t, cfg)

	provider := newScriptedProvider()
	provider.queue("Draft", jsonResult(`{"text":"short"}`))
	provider.queue("Draft", jsonResult(`{"text":"still short"}`))

	ex := executor.New(executor.WithProvider(provider), executor.WithAgents(aiAgentDir()))
	run := engine.CreateRun(d, nil)
	runToCompletion(t, ex, d, run)

	require.Equal(t, engine.RunFailed, run.Status)
	assert.Equal(t, "POST_GATE_FAILED", run.Context[engine.ContextKeyFailureCode])
}

// 7. Dispatch timeout: timeout_ms=30, provider sleeps 200ms.
func TestDispatchTimeout(t *testing.T) {
	cfg := dag.Config{
		Name: "slow",
		Blocks: []dag.BlockConfig{
			{
				ID:        "Slow",
				Mode:      "ai",
				Outputs:   map[string]dag.PortConfig{"out": {Type: "string"}},
				Agent:     &dag.AgentRefConfig{Role: "worker"},
				TimeoutMs: 30,
			},
		},
	}
	d := mustParse(t, cfg)

	provider := newScriptedProvider()
	provider.queue("Slow", sleepingResult(200*time.Millisecond, `{"out":"late"}`))

	ex := executor.New(executor.WithProvider(provider), executor.WithAgents(aiAgentDir()))
	run := engine.CreateRun(d, nil)
	runToCompletion(t, ex, d, run)

	require.Equal(t, engine.RunFailed, run.Status)
	assert.Equal(t, "DISPATCH_TIMEOUT", run.Context[engine.ContextKeyFailureCode])
	reason, _ := run.Context[engine.ContextKeyFailureReason].(string)
	assert.Contains(t, reason, "timed out")
}
