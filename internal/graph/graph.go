// Package graph implements the per-run plan graph: a DAG of steps with
// dependency edges, placeholder splicing, and the step status machine.
package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmforge/choreo/internal/model"
)

// PlanGraph is owned by a single run. All mutation and the ready-set
// computation serialize behind one mutex, which doubles as the run's
// plan mutation lock.
type PlanGraph struct {
	mu    sync.Mutex
	steps map[string]*model.Step
	order []string
}

func New() *PlanGraph {
	return &PlanGraph{steps: make(map[string]*model.Step)}
}

// Insert adds a step with the given dependency ids. It fails with
// UnknownDependencyError when a dependency does not exist and with
// CycleError when the edges would close a cycle; in both cases the graph is
// left unchanged.
func (g *PlanGraph) Insert(step model.Step, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if step.ID == "" {
		return fmt.Errorf("insert: empty step id")
	}
	if _, ok := g.steps[step.ID]; ok {
		return fmt.Errorf("insert %q: %w", step.ID, ErrStepExists)
	}
	deps = dedupe(deps)
	for _, dep := range deps {
		if dep == step.ID {
			return &CycleError{Path: []string{step.ID, step.ID}}
		}
		if _, ok := g.steps[dep]; !ok {
			return &UnknownDependencyError{StepID: step.ID, DependencyID: dep}
		}
	}

	candidateIDs := append(append([]string(nil), g.order...), step.ID)
	candidateDeps := g.dependencyEdgesLocked()
	candidateDeps[step.ID] = deps
	if _, cyc := topoSort(candidateIDs, candidateDeps); cyc != nil {
		return cyc
	}

	s := step.Clone()
	s.Dependencies = deps
	if s.Status == "" {
		s.Status = model.StepStatusPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	g.steps[s.ID] = &s
	g.order = append(g.order, s.ID)
	return nil
}

// ReadySteps promotes pending steps whose dependencies have all succeeded to
// ready, then returns a point-in-time snapshot of every ready step, in FIFO
// order by the time each became ready (not by insertion order).
func (g *PlanGraph) ReadySteps() []model.Step {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range g.order {
		s := g.steps[id]
		if s.Status != model.StepStatusPending {
			continue
		}
		if g.dependenciesSucceededLocked(s) {
			s.Status = model.StepStatusReady
			s.ReadyAt = now
		}
	}

	var ready []model.Step
	for _, id := range g.order {
		if s := g.steps[id]; s.Status == model.StepStatusReady {
			ready = append(ready, s.Clone())
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if !ready[i].ReadyAt.Equal(ready[j].ReadyAt) {
			return ready[i].ReadyAt.Before(ready[j].ReadyAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// Mark transitions a step to the requested status. It fails with
// InvalidTransitionError when the status is not a legal successor, with no
// side effect. The dedicated helpers below should be preferred where extra
// bookkeeping applies.
func (g *PlanGraph) Mark(id string, to model.StepStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("mark %q: %w", id, ErrStepNotFound)
	}
	return g.markLocked(s, to)
}

func (g *PlanGraph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("mark running %q: %w", id, ErrStepNotFound)
	}
	if err := g.markLocked(s, model.StepStatusRunning); err != nil {
		return err
	}
	s.StartedAt = time.Now().UTC()
	return nil
}

// MarkSucceeded records a successful attempt. The caller must have committed
// the step output to the context store first; a step never reaches succeeded
// without one.
func (g *PlanGraph) MarkSucceeded(id string, confidence *float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("mark succeeded %q: %w", id, ErrStepNotFound)
	}
	if err := g.markLocked(s, model.StepStatusSucceeded); err != nil {
		return err
	}
	s.FinishedAt = time.Now().UTC()
	if confidence != nil {
		conf := *confidence
		s.Confidence = &conf
	}
	return nil
}

func (g *PlanGraph) MarkFailed(id, cause string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("mark failed %q: %w", id, ErrStepNotFound)
	}
	if err := g.markLocked(s, model.StepStatusFailed); err != nil {
		return err
	}
	s.FinishedAt = time.Now().UTC()
	s.FailureCause = cause
	return nil
}

func (g *PlanGraph) MarkSkipped(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("mark skipped %q: %w", id, ErrStepNotFound)
	}
	if err := g.markLocked(s, model.StepStatusSkipped); err != nil {
		return err
	}
	s.FinishedAt = time.Now().UTC()
	s.FailureCause = reason
	return nil
}

// Retry re-enters a failed step at ready and bumps its retry count. The
// caller enforces the max_retries cap.
func (g *PlanGraph) Retry(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("retry %q: %w", id, ErrStepNotFound)
	}
	if err := g.markLocked(s, model.StepStatusReady); err != nil {
		return err
	}
	s.RetryCount++
	s.ReadyAt = time.Now().UTC()
	s.FailureCause = ""
	return nil
}

func (g *PlanGraph) markLocked(s *model.Step, to model.StepStatus) error {
	if err := model.ValidateStepTransition(s.Status, to); err != nil {
		return &InvalidTransitionError{StepID: s.ID, From: s.Status, To: to}
	}
	s.Status = to
	return nil
}

// Step returns a copy of the step with the given id.
func (g *PlanGraph) Step(id string) (model.Step, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return model.Step{}, false
	}
	return s.Clone(), true
}

// Steps returns copies of all steps in insertion order.
func (g *PlanGraph) Steps() []model.Step {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.Step, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id].Clone())
	}
	return out
}

// ReadyPlaceholders returns the ready steps of placeholder kind; these must
// be expanded by the replanner before dispatch.
func (g *PlanGraph) ReadyPlaceholders() []model.Step {
	var out []model.Step
	for _, s := range g.ReadySteps() {
		if s.Kind == model.StepKindPlaceholder {
			out = append(out, s)
		}
	}
	return out
}

// TransitiveDependents returns the ids of every step that directly or
// transitively depends on the given step, by BFS over the reverse dependency
// graph.
func (g *PlanGraph) TransitiveDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	dependents := make(map[string][]string)
	for _, sid := range g.order {
		for _, dep := range g.steps[sid].Dependencies {
			dependents[dep] = append(dependents[dep], sid)
		}
	}

	visited := make(map[string]bool)
	queue := []string{id}
	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range dependents[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}
	return result
}

// Counts tallies steps per status.
type Counts struct {
	Pending   int
	Ready     int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
}

func (c Counts) Unsettled() int {
	return c.Pending + c.Ready + c.Running
}

func (g *PlanGraph) Counts() Counts {
	g.mu.Lock()
	defer g.mu.Unlock()
	var c Counts
	for _, id := range g.order {
		switch g.steps[id].Status {
		case model.StepStatusPending:
			c.Pending++
		case model.StepStatusReady:
			c.Ready++
		case model.StepStatusRunning:
			c.Running++
		case model.StepStatusSucceeded:
			c.Succeeded++
		case model.StepStatusFailed:
			c.Failed++
		case model.StepStatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// Progressable reports whether forward progress is still possible: a step is
// ready or running, or some pending step has no failed or skipped step
// anywhere in its dependency chains.
func (g *PlanGraph) Progressable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	memo := make(map[string]bool)
	var viable func(id string) bool
	viable = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		s, ok := g.steps[id]
		if !ok {
			return false
		}
		memo[id] = false // break accidental recursion; graph is acyclic
		var v bool
		switch s.Status {
		case model.StepStatusSucceeded, model.StepStatusReady, model.StepStatusRunning:
			v = true
		case model.StepStatusFailed, model.StepStatusSkipped:
			v = false
		default: // pending
			v = true
			for _, dep := range s.Dependencies {
				if !viable(dep) {
					v = false
					break
				}
			}
		}
		memo[id] = v
		return v
	}

	for _, id := range g.order {
		switch g.steps[id].Status {
		case model.StepStatusReady, model.StepStatusRunning:
			return true
		case model.StepStatusPending:
			if viable(id) {
				return true
			}
		}
	}
	return false
}

func (g *PlanGraph) dependenciesSucceededLocked(s *model.Step) bool {
	for _, dep := range s.Dependencies {
		d, ok := g.steps[dep]
		if !ok || d.Status != model.StepStatusSucceeded {
			return false
		}
	}
	return true
}

func (g *PlanGraph) dependencyEdgesLocked() map[string][]string {
	edges := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		edges[id] = append([]string(nil), g.steps[id].Dependencies...)
	}
	return edges
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
