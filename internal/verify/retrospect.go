package verify

import (
	"context"
	"sync"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
)

// GroundTruth is the cross-check collaborator used by the slow path: it
// re-derives or independently verifies an observation against a higher-
// fidelity source. Implemented elsewhere (re-derivation through a backend,
// an external service, a longer consistency check).
type GroundTruth interface {
	Verify(ctx context.Context, contract *engine.ActionContract, obs engine.Observation) (passed bool, drift float64, reason string, err error)
}

// GroundTruthFunc adapts a function to the GroundTruth interface.
type GroundTruthFunc func(ctx context.Context, contract *engine.ActionContract, obs engine.Observation) (bool, float64, string, error)

// Verify implements GroundTruth.
func (f GroundTruthFunc) Verify(ctx context.Context, contract *engine.ActionContract, obs engine.Observation) (bool, float64, string, error) {
	return f(ctx, contract, obs)
}

// RetrospectRunner executes slow-path verifications asynchronously on its
// own bounded worker pool, sized independently from the execution pool.
// Scheduling is fire-and-forget; results come back on the Results channel
// and never block forward execution except at promotion gates.
type RetrospectRunner struct {
	checker GroundTruth
	sem     chan struct{}
	results chan engine.VerificationResult
	wg      sync.WaitGroup
}

// NewRetrospectRunner creates a runner with the given pool size. The result
// channel is buffered so in-flight checks can finish even when the
// coordinator is busy dispatching.
func NewRetrospectRunner(checker GroundTruth, workers int) *RetrospectRunner {
	if workers < 1 {
		workers = 1
	}
	return &RetrospectRunner{
		checker: checker,
		sem:     make(chan struct{}, workers),
		results: make(chan engine.VerificationResult, workers*4),
	}
}

// Schedule queues a slow-path verification for a successful observation.
// Returns immediately; the result is delivered on Results. A cancelled
// context drops the check without delivering a result.
func (r *RetrospectRunner) Schedule(ctx context.Context, contract *engine.ActionContract, obs engine.Observation) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return
		}

		result := r.check(ctx, contract, obs)
		select {
		case r.results <- result:
		case <-ctx.Done():
		}
	}()
}

// Results is the channel slow-path verification results arrive on.
func (r *RetrospectRunner) Results() <-chan engine.VerificationResult {
	return r.results
}

// Wait blocks until every scheduled check has finished or been dropped.
func (r *RetrospectRunner) Wait() {
	r.wg.Wait()
}

func (r *RetrospectRunner) check(ctx context.Context, contract *engine.ActionContract, obs engine.Observation) engine.VerificationResult {
	result := engine.VerificationResult{
		StepID:         obs.StepID,
		Phase:          engine.PhaseSlow,
		ObservedDigest: obs.OutputsDigest,
		CheckedAt:      time.Now().UTC(),
	}

	passed, drift, reason, err := r.checker.Verify(ctx, contract, obs)
	if err != nil {
		result.Passed = false
		result.DriftScore = 1
		result.Reason = "cross-check error: " + err.Error()
		return result
	}

	result.Passed = passed
	result.DriftScore = drift
	result.Reason = reason
	return result
}
