package planner

import (
	"fmt"
	"sync"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
)

// PlanPatcher owns the mutable head of a plan's version chain. Every change
// produces a new immutable version; the history is kept for audit and
// rollback. Patches against anything but the current version are rejected
// with StaleVersionError (optimistic concurrency).
type PlanPatcher struct {
	mu      sync.Mutex
	history []*engine.Plan // history[i].Version == i+1
}

// NewPlanPatcher starts the version chain at the proposed plan.
func NewPlanPatcher(initial *engine.Plan) *PlanPatcher {
	return &PlanPatcher{history: []*engine.Plan{initial}}
}

// Current returns the latest plan version.
func (p *PlanPatcher) Current() *engine.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history[len(p.history)-1]
}

// Version returns a specific plan version, if it exists.
func (p *PlanPatcher) Version(v int) (*engine.Plan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v < 1 || v > len(p.history) {
		return nil, false
	}
	return p.history[v-1], true
}

// History returns the full version chain, oldest first.
func (p *PlanPatcher) History() []*engine.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*engine.Plan(nil), p.history...)
}

// Apply produces the next plan version from a patch. The patch must target
// the current version exactly; rejection leaves the plan unchanged, so a
// stale caller can re-derive and retry.
func (p *PlanPatcher) Apply(patch *engine.PlanPatch) (*engine.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.history[len(p.history)-1]
	if patch.BaseVersion != current.Version {
		return nil, &engine.StaleVersionError{BaseVersion: patch.BaseVersion, CurrentVersion: current.Version}
	}

	next := current.Clone()
	base := current.Version
	next.Version = base + 1
	next.ParentVersion = &base
	next.CreatedAt = time.Now().UTC()

	removed := make(map[string]bool, len(patch.Remove))
	for _, id := range patch.Remove {
		removed[id] = true
	}
	if len(removed) > 0 {
		kept := next.Contracts[:0]
		for _, c := range next.Contracts {
			if !removed[c.StepID] {
				kept = append(kept, c)
			}
		}
		next.Contracts = kept
	}

	for _, mod := range patch.Modify {
		found := false
		for i := range next.Contracts {
			if next.Contracts[i].StepID == mod.StepID {
				next.Contracts[i] = mod
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("patch modifies unknown step %s", mod.StepID)
		}
	}

	next.Contracts = append(next.Contracts, patch.Add...)

	if err := engine.VerifyDAG(next.Contracts); err != nil {
		return nil, fmt.Errorf("patched plan is not a DAG: %w", err)
	}

	p.history = append(p.history, next)
	return next, nil
}

// RollbackTo creates a new version whose contracts are copied from an older
// version. Rolling back never rewrites history; the chain only grows.
func (p *PlanPatcher) RollbackTo(version int) (*engine.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if version < 1 || version > len(p.history) {
		return nil, fmt.Errorf("unknown plan version %d", version)
	}
	target := p.history[version-1]
	current := p.history[len(p.history)-1]

	next := target.Clone()
	base := current.Version
	next.Version = base + 1
	next.ParentVersion = &base
	next.CreatedAt = time.Now().UTC()

	p.history = append(p.history, next)
	return next, nil
}
