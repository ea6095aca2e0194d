package graph

import (
	"fmt"
	"time"

	"github.com/llmforge/choreo/internal/model"
)

// Subgraph is a connected plan fragment produced by a planner agent. It is
// installed in place of an anchor step (a placeholder being expanded, or a
// failed step being substituted).
type Subgraph struct {
	Steps []model.Step

	// Deps maps a subgraph step id to the ids it depends on. References may
	// point at other subgraph steps or at steps already in the graph.
	Deps map[string][]string

	// Entry lists the subgraph steps that inherit the anchor's dependencies.
	// Empty means every step with no in-subgraph dependency.
	Entry []string

	// Exit is the subgraph step that pre-existing dependents of the anchor
	// are redirected to. It inherits the anchor's output key when it has
	// none of its own.
	Exit string
}

// ReplacePlaceholder atomically swaps a placeholder for the given subgraph.
// It fails with NotAPlaceholderError when the target is not a placeholder in
// pending or ready status. On any validation failure the graph is unchanged.
func (g *PlanGraph) ReplacePlaceholder(id string, sub Subgraph) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	anchor, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("replace placeholder %q: %w", id, ErrStepNotFound)
	}
	if anchor.Kind != model.StepKindPlaceholder ||
		(anchor.Status != model.StepStatusPending && anchor.Status != model.StepStatusReady) {
		return &NotAPlaceholderError{StepID: id, Kind: anchor.Kind, Status: anchor.Status}
	}
	return g.spliceLocked(anchor, sub)
}

// Substitute installs a subgraph anchored at a failed step, as decided by the
// replanner's repair policy. Semantics match ReplacePlaceholder otherwise.
func (g *PlanGraph) Substitute(id string, sub Subgraph) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	anchor, ok := g.steps[id]
	if !ok {
		return fmt.Errorf("substitute %q: %w", id, ErrStepNotFound)
	}
	if anchor.Status != model.StepStatusFailed {
		return fmt.Errorf("substitute %q: step is %s, not failed", id, anchor.Status)
	}
	return g.spliceLocked(anchor, sub)
}

func (g *PlanGraph) spliceLocked(anchor *model.Step, sub Subgraph) error {
	if len(sub.Steps) == 0 {
		return fmt.Errorf("splice %q: empty subgraph", anchor.ID)
	}

	subIDs := make(map[string]bool, len(sub.Steps))
	for _, s := range sub.Steps {
		if s.ID == "" {
			return fmt.Errorf("splice %q: subgraph step with empty id", anchor.ID)
		}
		if subIDs[s.ID] {
			return fmt.Errorf("splice %q: duplicate subgraph step id %q", anchor.ID, s.ID)
		}
		if _, taken := g.steps[s.ID]; taken && s.ID != anchor.ID {
			return fmt.Errorf("splice %q: subgraph step id %q: %w", anchor.ID, s.ID, ErrStepExists)
		}
		subIDs[s.ID] = true
	}
	if sub.Exit == "" || !subIDs[sub.Exit] {
		return fmt.Errorf("splice %q: exit step %q not in subgraph", anchor.ID, sub.Exit)
	}

	entries := sub.Entry
	if len(entries) == 0 {
		for _, s := range sub.Steps {
			if len(sub.Deps[s.ID]) == 0 {
				entries = append(entries, s.ID)
			}
		}
	}
	entrySet := make(map[string]bool, len(entries))
	for _, id := range entries {
		if !subIDs[id] {
			return fmt.Errorf("splice %q: entry step %q not in subgraph", anchor.ID, id)
		}
		entrySet[id] = true
	}

	// Build the candidate graph: existing steps minus the anchor, with
	// dependents' edges redirected to the exit node, plus the subgraph.
	now := time.Now().UTC()
	candidate := make(map[string]*model.Step, len(g.steps)+len(sub.Steps))
	var order []string
	for _, id := range g.order {
		if id == anchor.ID {
			continue
		}
		c := g.steps[id].Clone()
		c.Dependencies = replaceID(c.Dependencies, anchor.ID, sub.Exit)
		candidate[id] = &c
		order = append(order, id)
	}
	for _, s := range sub.Steps {
		c := s.Clone()
		c.Status = model.StepStatusPending
		c.CreatedAt = now
		c.Dependencies = dedupe(sub.Deps[s.ID])
		if entrySet[c.ID] {
			c.Dependencies = dedupe(append(c.Dependencies, anchor.Dependencies...))
		}
		if c.MaxRetries == 0 {
			c.MaxRetries = anchor.MaxRetries
		}
		if c.ID == sub.Exit && c.OutputKey == "" {
			c.OutputKey = anchor.OutputKey
		}
		candidate[c.ID] = &c
		order = append(order, c.ID)
	}

	edges := make(map[string][]string, len(candidate))
	for id, s := range candidate {
		for _, dep := range s.Dependencies {
			if _, ok := candidate[dep]; !ok {
				return &UnknownDependencyError{StepID: id, DependencyID: dep}
			}
		}
		edges[id] = s.Dependencies
	}
	if _, cyc := topoSort(order, edges); cyc != nil {
		return cyc
	}

	g.steps = candidate
	g.order = order
	return nil
}

func replaceID(ids []string, from, to string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == from {
			id = to
		}
		out = append(out, id)
	}
	return dedupe(out)
}
