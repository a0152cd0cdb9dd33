package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
)

// Executor runs exactly one step per call. It never retries internally
// (retry policy lives in the controller) and always produces an Observation
// for business outcomes; it returns an error without an Observation only
// for malformed invocations.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor over a backend registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs the contract against its bound input artifacts. The attempt
// number orders observations for the same step.
func (e *Executor) Execute(ctx context.Context, contract *engine.ActionContract, bindings map[string]engine.Artifact, attempt int) (engine.Observation, error) {
	if err := contract.Validate(); err != nil {
		return engine.Observation{}, &engine.ContractViolation{StepID: contract.StepID, Reason: err.Error()}
	}
	for _, name := range contract.Consumes {
		if _, ok := bindings[name]; !ok {
			return engine.Observation{}, &engine.ContractViolation{
				StepID: contract.StepID,
				Reason: fmt.Sprintf("missing binding for consumed artifact %q", name),
			}
		}
	}

	backend, ok := e.registry.Lookup(contract.Transport)
	if !ok {
		return engine.Observation{}, &engine.ContractViolation{
			StepID: contract.StepID,
			Reason: fmt.Sprintf("no backend registered for transport %q", contract.Transport),
		}
	}

	inputDigests := make(map[string]string, len(contract.Consumes))
	for _, name := range contract.Consumes {
		inputDigests[name] = bindings[name].Digest
	}

	obs := engine.Observation{
		StepID:       contract.StepID,
		Attempt:      attempt,
		InputsDigest: engine.InputsDigest(inputDigests),
		ProducedAt:   time.Now().UTC(),
	}

	result, err := backend.Run(ctx, contract, bindings)
	if err != nil {
		// Transport failure: observable, recoverable through retry.
		obs.Status = engine.ObservationFailure
		obs.Error = err.Error()
		return obs, nil
	}

	obs.Status = result.Status
	obs.Payload = result.Payload
	obs.Error = result.Error
	if result.Status == engine.ObservationSuccess {
		obs.OutputsDigest = engine.DigestString(result.Payload)
	}
	return obs, nil
}

// Compensate dispatches the contract's compensation to its backend. Used by
// the replay manager during invalidation and by cancellation for steps whose
// side effects are already externally visible.
func (e *Executor) Compensate(ctx context.Context, contract *engine.ActionContract) error {
	backend, ok := e.registry.Lookup(contract.Transport)
	if !ok {
		return fmt.Errorf("no backend registered for transport %q", contract.Transport)
	}
	return backend.Compensate(ctx, contract)
}
