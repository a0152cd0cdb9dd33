package executor

import (
	"context"
	"fmt"

	"github.com/retrograph/retrograph/internal/engine"
)

// InProcessBackend runs operations as plain function calls inside the
// engine's process.
type InProcessBackend struct {
	ops *OpSet
}

// NewInProcessBackend creates a backend over the given op set.
func NewInProcessBackend(ops *OpSet) *InProcessBackend {
	return &InProcessBackend{ops: ops}
}

// Run executes the contract's op against the bound artifacts.
func (b *InProcessBackend) Run(ctx context.Context, contract *engine.ActionContract, bindings map[string]engine.Artifact) (StepResult, error) {
	return b.ops.run(ctx, contract.Op, contract.Params, bindings)
}

// Compensate runs the contract's compensation op. The compensation receives
// the same params as the forward op but no bindings: it must undo based on
// the externally visible state, not on artifacts that may no longer exist.
func (b *InProcessBackend) Compensate(ctx context.Context, contract *engine.ActionContract) error {
	if contract.CompensationRef == "" {
		return fmt.Errorf("step %s has no compensation", contract.StepID)
	}
	result, err := b.ops.run(ctx, contract.CompensationRef, contract.Params, nil)
	if err != nil {
		return err
	}
	if result.Status == engine.ObservationFailure {
		return fmt.Errorf("compensation %s failed: %s", contract.CompensationRef, result.Error)
	}
	return nil
}
