package run

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmforge/choreo/internal/agent"
	"github.com/llmforge/choreo/internal/graph"
	"github.com/llmforge/choreo/internal/model"
)

type plannerFunc func(ctx context.Context, req agent.PlanRequest) (*graph.Subgraph, error)

func (f plannerFunc) Plan(ctx context.Context, req agent.PlanRequest) (*graph.Subgraph, error) {
	return f(ctx, req)
}

type executorFunc func(ctx context.Context, step model.Step, view agent.ContextView) (agent.Output, error)

func (f executorFunc) Execute(ctx context.Context, step model.Step, view agent.ContextView) (agent.Output, error) {
	return f(ctx, step, view)
}

func isExpansion(req agent.PlanRequest) bool {
	return strings.HasPrefix(req.Reason, "expand")
}

// expandOnce answers the initial placeholder expansion with sub and declines
// every later planning request.
func expandOnce(sub *graph.Subgraph) plannerFunc {
	var used atomic.Bool
	return func(_ context.Context, req agent.PlanRequest) (*graph.Subgraph, error) {
		if isExpansion(req) && used.CompareAndSwap(false, true) {
			return sub, nil
		}
		return nil, nil
	}
}

func newTestEngine(t *testing.T, planner agent.Planner, action agent.Executor, evaluator agent.Evaluator) *Engine {
	t.Helper()
	e, err := NewEngine(Options{
		Config:    model.DefaultConfig(),
		Planner:   planner,
		Executors: ExecutorSet{Action: action},
		Evaluator: evaluator,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func waitRun(t *testing.T, e *Engine, runID string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := e.WaitRun(ctx, runID)
	require.NoError(t, err)
	return snap
}

func TestRun_PlaceholderExpandsAndSucceeds(t *testing.T) {
	sub := &graph.Subgraph{
		Steps: []model.Step{
			{ID: "a", Kind: model.StepKindAgentAction, OutputKey: "a_out"},
			{ID: "b", Kind: model.StepKindAgentAction, Inputs: []model.InputRef{{Key: "a_out"}}},
		},
		Deps: map[string][]string{"a": nil, "b": {"a"}},
		Exit: "b",
	}
	exec := executorFunc(func(_ context.Context, step model.Step, view agent.ContextView) (agent.Output, error) {
		if step.ID == "b" {
			entry, ok := view.Latest("a_out")
			if !ok {
				return agent.Output{}, errors.New("b cannot see a's output")
			}
			return agent.Output{Value: entry.Value.(string) + "+b", Confidence: 0.9}, nil
		}
		return agent.Output{Value: "a", Confidence: 0.9}, nil
	})

	e := newTestEngine(t, expandOnce(sub), exec, nil)
	runID, err := e.StartRun("two step task", model.EngineConfig{})
	require.NoError(t, err)

	snap := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusSucceeded, snap.Status)
	require.Empty(t, snap.Cause)

	// The exit step inherits the final output key from the placeholder.
	entry, err := e.Output(runID, "")
	require.NoError(t, err)
	require.Equal(t, "a+b", entry.Value)
	require.Equal(t, "b", entry.StepID)
}

func TestRun_AlwaysFailingStepIsAttemptedMaxRetriesPlusOneTimes(t *testing.T) {
	sub := &graph.Subgraph{
		Steps: []model.Step{{ID: "a", Kind: model.StepKindAgentAction}},
		Deps:  map[string][]string{"a": nil},
		Exit:  "a",
	}
	var attempts atomic.Int32
	exec := executorFunc(func(context.Context, model.Step, agent.ContextView) (agent.Output, error) {
		attempts.Add(1)
		return agent.Output{}, errors.New("model unavailable")
	})

	e := newTestEngine(t, expandOnce(sub), exec, nil)
	runID, err := e.StartRun("doomed task", model.EngineConfig{MaxRetriesPerStep: 2})
	require.NoError(t, err)

	snap := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusFailed, snap.Status)
	require.Equal(t, int32(3), attempts.Load(), "initial attempt plus two retries")
	require.Contains(t, snap.Cause, "model unavailable")

	require.Len(t, snap.Abandoned, 1)
	require.Equal(t, "a", snap.Abandoned[0].StepID)

	_, err = e.Output(runID, "")
	require.ErrorIs(t, err, ErrOutputNotFound)
}

func TestRun_StepKindWithoutExecutorSettlesFailed(t *testing.T) {
	sub := &graph.Subgraph{
		Steps: []model.Step{{ID: "t", Kind: model.StepKindToolCall, ToolName: "nope"}},
		Deps:  map[string][]string{"t": nil},
		Exit:  "t",
	}

	// No Tool executor is configured, so every dispatch of "t" fails
	// before reaching the scheduler; the run must still exhaust the
	// retry budget and settle instead of waiting for outcomes.
	e := newTestEngine(t, expandOnce(sub), nil, nil)
	runID, err := e.StartRun("tool task", model.EngineConfig{MaxRetriesPerStep: 1})
	require.NoError(t, err)

	snap := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusFailed, snap.Status)
	require.Contains(t, snap.Cause, "no executor for step kind")
}

func TestRun_RequestReplanSubstitutesAndWithholdsOutput(t *testing.T) {
	first := &graph.Subgraph{
		Steps: []model.Step{{ID: "c", Kind: model.StepKindAgentAction}},
		Deps:  map[string][]string{"c": nil},
		Exit:  "c",
	}
	second := &graph.Subgraph{
		Steps: []model.Step{{ID: "d", Kind: model.StepKindAgentAction}},
		Deps:  map[string][]string{"d": nil},
		Exit:  "d",
	}
	planner := plannerFunc(func(_ context.Context, req agent.PlanRequest) (*graph.Subgraph, error) {
		if isExpansion(req) {
			return first, nil
		}
		if req.Anchor.ID == "c" {
			return second, nil
		}
		return nil, nil
	})
	exec := executorFunc(func(_ context.Context, step model.Step, _ agent.ContextView) (agent.Output, error) {
		if step.ID == "c" {
			return agent.Output{Value: "dubious", Confidence: 0.1}, nil
		}
		return agent.Output{Value: "solid", Confidence: 0.95}, nil
	})
	evaluator := agent.ThresholdEvaluator{Accept: 0.75, Replan: 0.25}

	e := newTestEngine(t, planner, exec, evaluator)
	runID, err := e.StartRun("replan task", model.EngineConfig{})
	require.NoError(t, err)

	snap := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusSucceeded, snap.Status)

	// The low-confidence output never reached the store.
	entry, err := e.Output(runID, "")
	require.NoError(t, err)
	require.Equal(t, "solid", entry.Value)
	require.Equal(t, 1, entry.Version)
	require.Equal(t, "d", entry.StepID)
}

func TestRun_CancelWithInFlightSteps(t *testing.T) {
	sub := &graph.Subgraph{
		Steps: []model.Step{{ID: "slow", Kind: model.StepKindAgentAction}},
		Deps:  map[string][]string{"slow": nil},
		Exit:  "slow",
	}
	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, _ model.Step, _ agent.ContextView) (agent.Output, error) {
		close(started)
		<-ctx.Done()
		return agent.Output{Value: "late result"}, ctx.Err()
	})

	e := newTestEngine(t, expandOnce(sub), exec, nil)
	runID, err := e.StartRun("slow task", model.EngineConfig{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}
	require.NoError(t, e.CancelRun(runID))

	snap := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusCancelled, snap.Status)
	require.False(t, snap.FinishedAt.IsZero())

	// The in-flight result was discarded, not committed.
	_, err = e.Output(runID, "")
	require.ErrorIs(t, err, ErrOutputNotFound)
}

func TestRun_PlannerDeclinesEverything(t *testing.T) {
	planner := plannerFunc(func(context.Context, agent.PlanRequest) (*graph.Subgraph, error) {
		return nil, nil
	})
	e := newTestEngine(t, planner, nil, nil)

	runID, err := e.StartRun("unplannable task", model.EngineConfig{MaxRetriesPerStep: -1})
	require.NoError(t, err)

	snap := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusFailed, snap.Status)
	require.Contains(t, snap.Cause, "planning exhausted")
}

func TestRun_IndependentStepsBothCommit(t *testing.T) {
	sub := &graph.Subgraph{
		Steps: []model.Step{
			{ID: "x", Kind: model.StepKindAgentAction, OutputKey: "x_out"},
			{ID: "y", Kind: model.StepKindAgentAction, OutputKey: "y_out"},
			{ID: "join", Kind: model.StepKindAgentAction},
		},
		Deps: map[string][]string{"x": nil, "y": nil, "join": {"x", "y"}},
		Exit: "join",
	}
	exec := executorFunc(func(_ context.Context, step model.Step, view agent.ContextView) (agent.Output, error) {
		if step.ID == "join" {
			_, okX := view.Latest("x_out")
			_, okY := view.Latest("y_out")
			if !okX || !okY {
				return agent.Output{}, errors.New("join cannot observe both branch outputs")
			}
		}
		return agent.Output{Value: step.ID, Confidence: 1}, nil
	})

	e := newTestEngine(t, expandOnce(sub), exec, nil)
	runID, err := e.StartRun("parallel task", model.EngineConfig{MaxConcurrency: 2})
	require.NoError(t, err)

	snap := waitRun(t, e, runID)
	require.Equal(t, model.RunStatusSucceeded, snap.Status)
}

func TestController_OutputWithheldUntilProducerSucceeds(t *testing.T) {
	c, err := newController("run_gate", Params{Task: "gated task", Config: model.EngineConfig{}})
	require.NoError(t, err)
	defer c.cancel()
	defer c.sched.Release()

	key := c.cfg.FinalOutputKey
	require.NoError(t, c.graph.Insert(model.Step{ID: "p", Kind: model.StepKindAgentAction, OutputKey: key}, nil))
	require.NotEmpty(t, c.graph.ReadySteps())
	require.NoError(t, c.graph.MarkRunning("p"))

	_, err = c.store.Put(key, "early", "p")
	require.NoError(t, err)

	_, ok := c.Output("")
	require.False(t, ok, "value visible while its producer is still running")

	confidence := 1.0
	require.NoError(t, c.graph.MarkSucceeded("p", &confidence))

	entry, ok := c.Output("")
	require.True(t, ok)
	require.Equal(t, "early", entry.Value)
}

func TestEngine_UnknownRun(t *testing.T) {
	e := newTestEngine(t, plannerFunc(func(context.Context, agent.PlanRequest) (*graph.Subgraph, error) {
		return nil, nil
	}), nil, nil)

	_, err := e.RunStatus("run_00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, e.CancelRun("nope"), ErrRunNotFound)
	_, err = e.Output("nope", "")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestEngine_StartRunAfterClose(t *testing.T) {
	e, err := NewEngine(Options{
		Config:  model.DefaultConfig(),
		Planner: plannerFunc(func(context.Context, agent.PlanRequest) (*graph.Subgraph, error) { return nil, nil }),
	})
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	_, err = e.StartRun("task", model.EngineConfig{})
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestRun_ExportsRecordOnCompletion(t *testing.T) {
	dir := t.TempDir()
	sub := &graph.Subgraph{
		Steps: []model.Step{{ID: "a", Kind: model.StepKindAgentAction}},
		Deps:  map[string][]string{"a": nil},
		Exit:  "a",
	}
	exec := executorFunc(func(context.Context, model.Step, agent.ContextView) (agent.Output, error) {
		return agent.Output{Value: "done", Confidence: 1}, nil
	})

	e := newTestEngine(t, expandOnce(sub), exec, nil)
	runID, err := e.StartRun("recorded task", model.EngineConfig{ExportDir: dir})
	require.NoError(t, err)
	waitRun(t, e, runID)

	rec, err := LoadRecord(filepath.Join(dir, runID+".yaml"))
	require.NoError(t, err)
	require.Equal(t, runID, rec.Run.RunID)
	require.Equal(t, model.RunStatusSucceeded, rec.Run.Status)
	require.Contains(t, rec.Context, rec.Run.FinalOutputKey)
}
