package replan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmforge/choreo/internal/agent"
	"github.com/llmforge/choreo/internal/graph"
	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/store"
)

// fakePlanner replays canned subgraphs in order.
type fakePlanner struct {
	subs  []*graph.Subgraph
	err   error
	calls int
	reqs  []agent.PlanRequest
}

func (p *fakePlanner) Plan(_ context.Context, req agent.PlanRequest) (*graph.Subgraph, error) {
	p.calls++
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.subs) == 0 {
		return nil, nil
	}
	sub := p.subs[0]
	p.subs = p.subs[1:]
	return sub, nil
}

func singleStepSub(id, outputKey string) *graph.Subgraph {
	return &graph.Subgraph{
		Steps: []model.Step{{ID: id, Kind: model.StepKindAgentAction, OutputKey: outputKey}},
		Deps:  map[string][]string{id: nil},
		Exit:  id,
	}
}

func readyStep(t *testing.T, g *graph.PlanGraph, id string) model.Step {
	t.Helper()
	for _, s := range g.ReadySteps() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("step %s not ready", id)
	return model.Step{}
}

func TestExpand_SplicesFragment(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Insert(model.Step{ID: "ph", Kind: model.StepKindPlaceholder}, nil))
	require.NoError(t, g.Insert(model.Step{ID: "after"}, []string{"ph"}))

	planner := &fakePlanner{subs: []*graph.Subgraph{singleStepSub("expanded", "out")}}
	r := New(planner, "test task")

	ph := readyStep(t, g, "ph")
	require.NoError(t, r.Expand(context.Background(), g, store.New(), ph))

	_, ok := g.Step("ph")
	require.False(t, ok, "placeholder must be gone after expansion")
	after, ok := g.Step("after")
	require.True(t, ok)
	require.Equal(t, []string{"expanded"}, after.Dependencies)

	require.Equal(t, "test task", planner.reqs[0].Task)
	require.Equal(t, "ph", planner.reqs[0].Anchor.ID)
}

func TestExpand_EmptyFragmentIsPlanningExhausted(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Insert(model.Step{ID: "ph", Kind: model.StepKindPlaceholder}, nil))

	r := New(&fakePlanner{}, "task")
	err := r.Expand(context.Background(), g, store.New(), readyStep(t, g, "ph"))
	var exhausted *PlanningExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "ph", exhausted.StepID)
}

func TestRepair_RetriesWithinBudget(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Insert(model.Step{ID: "s1", MaxRetries: 2}, nil))
	readyStep(t, g, "s1")
	require.NoError(t, g.MarkRunning("s1"))
	require.NoError(t, g.MarkFailed("s1", "boom"))

	planner := &fakePlanner{}
	r := New(planner, "task")

	failed, _ := g.Step("s1")
	dec, err := r.Repair(context.Background(), g, store.New(), failed)
	require.NoError(t, err)
	require.Equal(t, DecisionRetry, dec.Kind)
	require.Zero(t, planner.calls, "retry must not consult the planner")

	s, _ := g.Step("s1")
	require.Equal(t, model.StepStatusReady, s.Status)
	require.Equal(t, 1, s.RetryCount)
}

func TestRepair_SubstitutesAfterRetriesExhausted(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Insert(model.Step{ID: "s1", MaxRetries: 0, OutputKey: "out"}, nil))
	require.NoError(t, g.Insert(model.Step{ID: "s2"}, []string{"s1"}))
	readyStep(t, g, "s1")
	require.NoError(t, g.MarkRunning("s1"))
	require.NoError(t, g.MarkFailed("s1", "boom"))

	planner := &fakePlanner{subs: []*graph.Subgraph{singleStepSub("alt", "out")}}
	r := New(planner, "task")

	failed, _ := g.Step("s1")
	dec, err := r.Repair(context.Background(), g, store.New(), failed)
	require.NoError(t, err)
	require.Equal(t, DecisionSubstitute, dec.Kind)

	_, ok := g.Step("s1")
	require.False(t, ok, "failed step replaced by substitute")
	s2, _ := g.Step("s2")
	require.Equal(t, []string{"alt"}, s2.Dependencies)
}

func TestRepair_AbandonsWhenPlannerDeclines(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Insert(model.Step{ID: "s1", MaxRetries: 0}, nil))
	require.NoError(t, g.Insert(model.Step{ID: "s2"}, []string{"s1"}))
	require.NoError(t, g.Insert(model.Step{ID: "s3"}, []string{"s2"}))
	readyStep(t, g, "s1")
	require.NoError(t, g.MarkRunning("s1"))
	require.NoError(t, g.MarkFailed("s1", "boom"))

	r := New(&fakePlanner{}, "task")

	failed, _ := g.Step("s1")
	dec, err := r.Repair(context.Background(), g, store.New(), failed)
	require.NoError(t, err)
	require.Equal(t, DecisionAbandon, dec.Kind)
	require.ElementsMatch(t, []string{"s2", "s3"}, dec.Skipped)

	s1, _ := g.Step("s1")
	require.Equal(t, model.StepStatusFailed, s1.Status)
	for _, id := range []string{"s2", "s3"} {
		s, _ := g.Step(id)
		require.Equal(t, model.StepStatusSkipped, s.Status)
	}

	ab := r.Abandonments()
	require.Len(t, ab, 1)
	require.Equal(t, "s1", ab[0].StepID)
	require.Equal(t, "boom", ab[0].Cause)
}

func TestRepair_AbandonsWhenPlannerErrs(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Insert(model.Step{ID: "s1", MaxRetries: 0}, nil))
	readyStep(t, g, "s1")
	require.NoError(t, g.MarkRunning("s1"))
	require.NoError(t, g.MarkFailed("s1", "boom"))

	r := New(&fakePlanner{err: errors.New("model offline")}, "task")

	failed, _ := g.Step("s1")
	dec, err := r.Repair(context.Background(), g, store.New(), failed)
	require.NoError(t, err)
	require.Equal(t, DecisionAbandon, dec.Kind)
}

func TestPlanningExhausted(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.Insert(model.Step{ID: "ph", Kind: model.StepKindPlaceholder}, nil))

	planner := &fakePlanner{subs: nil}
	r := New(planner, "task")
	r.MaxPlanAttempts = 2

	ph := readyStep(t, g, "ph")
	for i := 0; i < 3; i++ {
		err := r.Expand(context.Background(), g, store.New(), ph)
		var exhausted *PlanningExhaustedError
		require.ErrorAs(t, err, &exhausted)
	}
	require.Equal(t, 2, planner.calls, "exhausted anchors skip the planner")
}
