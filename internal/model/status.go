package model

import "fmt"

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

type RunStatus string

const (
	RunStatusInitializing RunStatus = "initializing"
	RunStatusPlanning     RunStatus = "planning"
	RunStatusExecuting    RunStatus = "executing"
	RunStatusReplanning   RunStatus = "replanning"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

var terminalStepStatuses = map[StepStatus]bool{
	StepStatusSucceeded: true,
	StepStatusSkipped:   true,
}

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusSucceeded: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
}

// Step status transitions: pending → ready → running → succeeded|failed.
// failed → ready is the retry path. skipped is terminal and only reachable
// from pending/ready via replanner pruning.
var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepStatusPending: {
		StepStatusReady:   true,
		StepStatusSkipped: true,
	},
	StepStatusReady: {
		StepStatusRunning: true,
		StepStatusSkipped: true,
		StepStatusFailed:  true, // placeholder expansion failure
	},
	StepStatusRunning: {
		StepStatusSucceeded: true,
		StepStatusFailed:    true,
	},
	StepStatusFailed: {
		StepStatusReady: true, // retry
	},
}

// Run status transitions: executing and replanning alternate until the run
// settles. cancelled is handled separately (accepted from any non-terminal
// state).
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusInitializing: {
		RunStatusPlanning: true,
	},
	RunStatusPlanning: {
		RunStatusExecuting: true,
		RunStatusFailed:    true,
	},
	RunStatusExecuting: {
		RunStatusReplanning: true,
		RunStatusSucceeded:  true,
		RunStatusFailed:     true,
	},
	RunStatusReplanning: {
		RunStatusExecuting: true,
		RunStatusFailed:    true,
	},
}

func IsStepTerminal(s StepStatus) bool {
	return terminalStepStatuses[s]
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func ValidateStepTransition(from, to StepStatus) error {
	if IsStepTerminal(from) {
		return fmt.Errorf("cannot transition from terminal step status %q", from)
	}
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("unknown step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q → %q", from, to)
	}
	return nil
}

func ValidateRunTransition(from, to RunStatus) error {
	if to == RunStatusCancelled {
		if IsRunTerminal(from) {
			return fmt.Errorf("cannot cancel run in terminal status %q", from)
		}
		return nil
	}
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}
