package lineage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/retrograph/retrograph/internal/engine"
)

// Compensator undoes a side-effecting step. The executor implements this by
// dispatching the contract's compensation_ref to the step's backend.
type Compensator interface {
	Compensate(ctx context.Context, contract *engine.ActionContract) error
}

// ReplayManager turns a retrospective failure into a bounded undo-and-redo:
// it computes the impacted downstream subgraph, runs compensations most
// downstream first, and emits a ReplayRequest for re-execution.
type ReplayManager struct {
	graph       *Graph
	compensator Compensator

	mu sync.Mutex
	// compensated tracks which invalidated digests already had their
	// producing step's compensation run. Running replay twice on the same
	// digest must not compensate twice.
	compensated map[string]bool
}

// NewReplayManager wires a replay manager to a lineage graph and a
// compensator.
func NewReplayManager(graph *Graph, compensator Compensator) *ReplayManager {
	return &ReplayManager{
		graph:       graph,
		compensator: compensator,
		compensated: make(map[string]bool),
	}
}

// HandleFailure processes a slow-path verification failure on rootDigest.
// It invalidates the digest and its transitive consumers, compensates every
// invalidated side-effecting step in reverse topological order, and returns
// the ReplayRequest naming the steps to re-execute.
func (m *ReplayManager) HandleFailure(ctx context.Context, plan *engine.Plan, rootDigest, reason string) (*engine.ReplayRequest, error) {
	rootNode, ok := m.graph.Node(rootDigest)
	if !ok {
		return nil, fmt.Errorf("unknown artifact digest %s", rootDigest)
	}

	affected := make(map[string]bool)
	if rootNode.ProducingStepID != "" {
		affected[rootNode.ProducingStepID] = true
	}
	for _, stepID := range m.graph.ImpactedBy(rootDigest) {
		affected[stepID] = true
	}

	m.graph.Invalidate(rootDigest)

	// Order the affected steps by the plan's topology so compensations run
	// most downstream first and the replay request lists producers first.
	sorted, err := engine.TopologicalSort(plan.Contracts)
	if err != nil {
		return nil, fmt.Errorf("plan topology: %w", err)
	}

	var ordered []string
	for _, c := range sorted {
		if affected[c.StepID] {
			ordered = append(ordered, c.StepID)
		}
	}

	for i := len(ordered) - 1; i >= 0; i-- {
		contract, ok := plan.Contract(ordered[i])
		if !ok || !contract.HasSideEffect {
			continue
		}
		if err := m.compensateStep(ctx, contract); err != nil {
			return nil, fmt.Errorf("compensate step %s: %w", contract.StepID, err)
		}
	}

	return &engine.ReplayRequest{
		ID:              uuid.New().String(),
		RootDigest:      rootDigest,
		AffectedStepIDs: ordered,
		Reason:          reason,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// compensateStep runs the contract's compensation unless the step's latest
// produced digest was already compensated.
func (m *ReplayManager) compensateStep(ctx context.Context, contract *engine.ActionContract) error {
	digest := m.latestDigest(contract.StepID)
	if digest == "" {
		// Step never produced anything this generation; nothing to undo.
		return nil
	}

	m.mu.Lock()
	done := m.compensated[digest]
	m.mu.Unlock()
	if done {
		return nil
	}

	if err := m.compensator.Compensate(ctx, contract); err != nil {
		return err
	}

	m.mu.Lock()
	m.compensated[digest] = true
	m.mu.Unlock()
	return nil
}

func (m *ReplayManager) latestDigest(stepID string) string {
	produced := m.graph.ProducedBy(stepID)
	if len(produced) == 0 {
		return ""
	}
	return produced[len(produced)-1]
}
