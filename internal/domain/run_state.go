package domain

import "strings"

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	RunStatePending          RunState = "pending"
	RunStateRunning          RunState = "running"
	RunStateAwaitingApproval RunState = "awaiting_approval"
	RunStateSucceeded        RunState = "succeeded"
	RunStateFailed           RunState = "failed"
	RunStateRejected         RunState = "rejected"
)

// StepStatus is the outcome recorded for one step attempt.
type StepStatus string

const (
	StepStatusSucceeded        StepStatus = "succeeded"
	StepStatusRetried          StepStatus = "retried"
	StepStatusFailed           StepStatus = "failed"
	StepStatusSkipped          StepStatus = "skipped"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
)

func NormalizeRunState(value string) RunState {
	switch state := RunState(strings.ToLower(strings.TrimSpace(value))); state {
	case RunStatePending, RunStateRunning, RunStateAwaitingApproval,
		RunStateSucceeded, RunStateFailed, RunStateRejected:
		return state
	default:
		return ""
	}
}

func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateRejected:
		return true
	default:
		return false
	}
}

// CanTransitionRunState enforces forward-only progression. The single
// backward edge is awaiting_approval -> running, taken when a human approves.
func CanTransitionRunState(current, next RunState) bool {
	if current == "" || next == "" {
		return false
	}
	if current.Terminal() {
		return false
	}
	if current == RunStateAwaitingApproval && next == RunStateRunning {
		return true
	}
	if current == RunStateAwaitingApproval && next == RunStateSucceeded {
		return false
	}
	return runStateOrder(current) < runStateOrder(next)
}

func runStateOrder(state RunState) int {
	switch state {
	case RunStatePending:
		return 1
	case RunStateRunning:
		return 2
	case RunStateAwaitingApproval:
		return 3
	case RunStateSucceeded, RunStateFailed, RunStateRejected:
		return 4
	default:
		return 0
	}
}
