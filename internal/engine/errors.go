package engine

import "fmt"

// PlanningError means the brief is infeasible. It is fatal and surfaced
// immediately, never retried.
type PlanningError struct {
	Objective string
	Reason    string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed for %q: %s", e.Objective, e.Reason)
}

// ContractViolation means a step was invoked in a malformed way (missing
// bindings, unknown transport, chain depth exceeded). Fatal for that step;
// no Observation is produced.
type ContractViolation struct {
	StepID string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation on step %s: %s", e.StepID, e.Reason)
}

// ExecutionFailure is a business failure inside a step. It normally travels
// as an Observation with failure status; the typed error exists for backends
// that need to signal it across a transport boundary.
type ExecutionFailure struct {
	StepID  string
	Attempt int
	Cause   string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("step %s failed (attempt %d): %s", e.StepID, e.Attempt, e.Cause)
}

// StaleVersionError is the optimistic-concurrency conflict on plan patching.
// The caller must re-derive the patch against the current version and retry.
type StaleVersionError struct {
	BaseVersion    int
	CurrentVersion int
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("patch base version %d is stale, plan is at version %d", e.BaseVersion, e.CurrentVersion)
}
