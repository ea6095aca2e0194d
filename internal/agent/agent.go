// Package agent defines the capability-set interfaces for the executors
// that drive a workflow, and the model-backed implementations.
//
// Capabilities are split so callers depend only on what they need: a
// planner agent implements Planner, task agents implement Executor and
// optionally Evaluator.
package agent

import (
	"context"

	"github.com/llmforge/choreo/internal/graph"
	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/store"
)

// ContextView is the read surface an agent gets over the run's context
// store. The store is append-only, so committed reads are stable.
type ContextView interface {
	Latest(key string) (store.Entry, bool)
	Get(key string, version int) (store.Entry, bool)
	Snapshot() store.Snapshot
}

// Output is the result of one step attempt.
type Output struct {
	Value      any
	Confidence float64
}

// Verdict is an advisory evaluation of a step output. Reject and
// request-replan are hints to the replanner, not hard failures.
type Verdict string

const (
	VerdictAccept        Verdict = "accept"
	VerdictReject        Verdict = "reject"
	VerdictRequestReplan Verdict = "request_replan"
)

// PlanRequest asks a planner agent for a plan fragment anchored at a
// placeholder (expansion) or a failed step (substitution).
type PlanRequest struct {
	Task   string
	Reason string
	Anchor model.Step
	View   ContextView
}

// Planner produces plan fragments. Returning (nil, nil) means the planner
// has no further work for the anchor.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*graph.Subgraph, error)
}

// Executor runs a single step against the run context.
type Executor interface {
	Execute(ctx context.Context, step model.Step, view ContextView) (Output, error)
}

// Evaluator judges a completed step's output.
type Evaluator interface {
	Evaluate(step model.Step, out Output) Verdict
}

// ThresholdEvaluator maps output confidence to a verdict: at or above
// Accept the output stands, below Replan the branch should be replanned,
// in between is a reject hint.
type ThresholdEvaluator struct {
	Accept float64
	Replan float64
}

func (e ThresholdEvaluator) Evaluate(_ model.Step, out Output) Verdict {
	switch {
	case out.Confidence >= e.Accept:
		return VerdictAccept
	case out.Confidence < e.Replan:
		return VerdictRequestReplan
	default:
		return VerdictReject
	}
}

// ResolveInputs materialises a step's input references from the context
// view, keyed by the referenced key.
func ResolveInputs(step model.Step, view ContextView) (map[string]any, error) {
	inputs := make(map[string]any, len(step.Inputs))
	for _, ref := range step.Inputs {
		var (
			entry store.Entry
			ok    bool
		)
		if ref.Version != nil {
			entry, ok = view.Get(ref.Key, *ref.Version)
		} else {
			entry, ok = view.Latest(ref.Key)
		}
		if !ok {
			return nil, &ExecutionError{
				StepID: step.ID,
				Cause:  &MissingInputError{StepID: step.ID, Key: ref.Key},
			}
		}
		inputs[ref.Key] = entry.Value
	}
	return inputs, nil
}
