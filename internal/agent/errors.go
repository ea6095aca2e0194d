package agent

import (
	"fmt"
	"time"
)

// ExecutionError reports an unrecoverable fault from the underlying model or
// tool call, with the original cause attached. It is execution-class: the
// replanner may retry the step up to its max_retries.
type ExecutionError struct {
	AgentID string
	StepID  string
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent %q: step %q: %v", e.AgentID, e.StepID, e.Cause)
	}
	return fmt.Sprintf("step %q: %v", e.StepID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// TimeoutError reports an agent call that did not return within the
// scheduler's deadline. Retried under the same rules as any other failure.
type TimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepID, e.Timeout)
}

// MissingInputError reports an input reference that has no value in the
// context store.
type MissingInputError struct {
	StepID string
	Key    string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("step %q: no value for input key %q", e.StepID, e.Key)
}
