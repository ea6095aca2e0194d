package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/llmforge/choreo/internal/model"
)

// ErrStepNotFound is returned when an operation references a step id that is
// not present in the graph.
var ErrStepNotFound = errors.New("step not found")

// ErrStepExists is returned by Insert when the step id is already taken.
var ErrStepExists = errors.New("step already exists")

// CycleError reports a dependency edge that would close a cycle. The graph
// is left unchanged.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "circular dependency detected: " + strings.Join(e.Path, " -> ")
}

// UnknownDependencyError reports a dependency reference to a step id that
// does not exist.
type UnknownDependencyError struct {
	StepID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q references unknown dependency %q", e.StepID, e.DependencyID)
}

// NotAPlaceholderError reports a placeholder replacement aimed at a step
// that is not an expandable placeholder.
type NotAPlaceholderError struct {
	StepID string
	Kind   model.StepKind
	Status model.StepStatus
}

func (e *NotAPlaceholderError) Error() string {
	return fmt.Sprintf("step %q is not an expandable placeholder (kind=%s status=%s)", e.StepID, e.Kind, e.Status)
}

// InvalidTransitionError reports a step status change that is not a legal
// successor of the current status. The step is left unchanged.
type InvalidTransitionError struct {
	StepID string
	From   model.StepStatus
	To     model.StepStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("step %q: invalid transition %q → %q", e.StepID, e.From, e.To)
}
