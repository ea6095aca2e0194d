// Package replan adapts a running plan graph when reality diverges from it:
// expanding placeholders, retrying and substituting failed steps, and
// abandoning branches that cannot be repaired.
package replan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmforge/choreo/internal/agent"
	"github.com/llmforge/choreo/internal/graph"
	"github.com/llmforge/choreo/internal/log"
	"github.com/llmforge/choreo/internal/model"
)

// DefaultMaxPlanAttempts bounds how often the planner is consulted for any
// single anchor step before the branch is given up.
const DefaultMaxPlanAttempts = 3

// PlanningExhaustedError reports that the planner was consulted for a step
// more times than the repair budget allows.
type PlanningExhaustedError struct {
	StepID   string
	Attempts int
}

func (e *PlanningExhaustedError) Error() string {
	return fmt.Sprintf("planning exhausted for step %q after %d attempts", e.StepID, e.Attempts)
}

// DecisionKind is the repair strategy chosen for a failed step.
type DecisionKind string

const (
	DecisionRetry      DecisionKind = "retry"
	DecisionSubstitute DecisionKind = "substitute"
	DecisionAbandon    DecisionKind = "abandon"
)

// Decision is the outcome of one repair round.
type Decision struct {
	Kind DecisionKind

	// Skipped lists the dependents taken out of play by an abandon
	// decision.
	Skipped []string
}

// Abandonment records one abandoned branch for the run record.
type Abandonment struct {
	StepID  string    `yaml:"step_id" json:"step_id"`
	Cause   string    `yaml:"cause" json:"cause"`
	Skipped []string  `yaml:"skipped,omitempty" json:"skipped,omitempty"`
	At      time.Time `yaml:"at" json:"at"`
}

// Replanner drives one run's plan adaptations. Not safe for concurrent use;
// the run controller serialises all graph mutations.
type Replanner struct {
	Planner         agent.Planner
	Task            string
	MaxPlanAttempts int

	mu         sync.Mutex
	attempts   map[string]int
	abandonLog []Abandonment
}

func New(planner agent.Planner, task string) *Replanner {
	return &Replanner{
		Planner:         planner,
		Task:            task,
		MaxPlanAttempts: DefaultMaxPlanAttempts,
		attempts:        make(map[string]int),
	}
}

// Expand asks the planner for the fragment a ready placeholder stands for
// and splices it in. When the planner yields no fragment the attempt fails
// with PlanningExhaustedError; the caller marks the placeholder failed and
// routes it through Repair.
func (r *Replanner) Expand(ctx context.Context, g *graph.PlanGraph, view agent.ContextView, placeholder model.Step) error {
	sub, err := r.plan(ctx, "expand placeholder", placeholder, view)
	if err != nil {
		return err
	}
	if sub == nil {
		return &PlanningExhaustedError{StepID: placeholder.ID, Attempts: r.attemptsFor(placeholder.ID)}
	}
	if err := g.ReplacePlaceholder(placeholder.ID, *sub); err != nil {
		return err
	}
	log.Infof("placeholder_expanded id=%s steps=%d exit=%s", placeholder.ID, len(sub.Steps), sub.Exit)
	return nil
}

// Repair picks a strategy for a failed step, in order of preference: retry
// while the step's budget allows, substitute a fresh fragment from the
// planner, otherwise abandon the branch.
func (r *Replanner) Repair(ctx context.Context, g *graph.PlanGraph, view agent.ContextView, failed model.Step) (Decision, error) {
	if failed.RetryCount < failed.MaxRetries {
		if err := g.Retry(failed.ID); err != nil {
			return Decision{}, err
		}
		log.Infof("step_retry_scheduled id=%s attempt=%d max=%d", failed.ID, failed.RetryCount+2, failed.MaxRetries+1)
		return Decision{Kind: DecisionRetry}, nil
	}

	return r.Replace(ctx, g, view, failed)
}

// Replace substitutes a fresh fragment for a failed step without consuming
// its retry budget, falling back to abandonment when the planner cannot
// produce one. Used directly for request-replan verdicts.
func (r *Replanner) Replace(ctx context.Context, g *graph.PlanGraph, view agent.ContextView, failed model.Step) (Decision, error) {
	sub, err := r.plan(ctx, "substitute failed step: "+failed.FailureCause, failed, view)
	switch {
	case err != nil:
		log.Warnf("substitute_planning_failed id=%s error=%v", failed.ID, err)
	case sub == nil:
		log.Infof("substitute_declined id=%s", failed.ID)
	default:
		if serr := g.Substitute(failed.ID, *sub); serr != nil {
			log.Warnf("substitute_splice_rejected id=%s error=%v", failed.ID, serr)
		} else {
			log.Infof("step_substituted id=%s steps=%d exit=%s", failed.ID, len(sub.Steps), sub.Exit)
			return Decision{Kind: DecisionSubstitute}, nil
		}
	}

	return r.abandon(g, failed), nil
}

// abandon skips every transitive dependent of the failed step that has not
// started. The failed step itself keeps its failed status.
func (r *Replanner) abandon(g *graph.PlanGraph, failed model.Step) Decision {
	var skipped []string
	for _, id := range g.TransitiveDependents(failed.ID) {
		if err := g.MarkSkipped(id, "upstream step "+failed.ID+" abandoned"); err != nil {
			// Already settled or running; leave it alone.
			continue
		}
		skipped = append(skipped, id)
	}

	r.mu.Lock()
	r.abandonLog = append(r.abandonLog, Abandonment{
		StepID:  failed.ID,
		Cause:   failed.FailureCause,
		Skipped: skipped,
		At:      time.Now().UTC(),
	})
	r.mu.Unlock()

	log.Warnf("branch_abandoned id=%s skipped=%d cause=%q", failed.ID, len(skipped), failed.FailureCause)
	return Decision{Kind: DecisionAbandon, Skipped: skipped}
}

// Abandonments returns the branches given up so far, oldest first.
func (r *Replanner) Abandonments() []Abandonment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Abandonment(nil), r.abandonLog...)
}

func (r *Replanner) attemptsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func (r *Replanner) plan(ctx context.Context, reason string, anchor model.Step, view agent.ContextView) (*graph.Subgraph, error) {
	max := r.MaxPlanAttempts
	if max <= 0 {
		max = DefaultMaxPlanAttempts
	}
	r.mu.Lock()
	r.attempts[anchor.ID]++
	n := r.attempts[anchor.ID]
	r.mu.Unlock()
	if n > max {
		return nil, &PlanningExhaustedError{StepID: anchor.ID, Attempts: n - 1}
	}

	return r.Planner.Plan(ctx, agent.PlanRequest{
		Task:   r.Task,
		Reason: reason,
		Anchor: anchor,
		View:   view,
	})
}
