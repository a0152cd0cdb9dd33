// Package engine defines the data model shared by the planning and
// retrospective-validation components: briefs, contracts, plans, patches,
// observations, verification results, lineage records, and escalations.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepState represents the lifecycle state of a step inside the coordinator.
type StepState string

const (
	StepPending      StepState = "pending"       // Not yet dispatched
	StepRunning      StepState = "running"       // Executor call in flight
	StepObserved     StepState = "observed"      // Observation received, fast check pending
	StepFastVerified StepState = "fast_verified" // Fast-path check passed
	StepGated        StepState = "gated"         // Waiting on a promotion gate
	StepPromoted     StepState = "promoted"      // Gate cleared, side effect allowed
	StepCommitted    StepState = "committed"     // Terminal success for this generation
	StepInvalidated  StepState = "invalidated"   // Slow-path failure upstream
	StepCompensating StepState = "compensating"  // Undo action running
	StepRePending    StepState = "re_pending"    // Queued for re-execution after replay
)

// Phase distinguishes the synchronous cheap check from the asynchronous
// expensive check on a step's output.
type Phase string

const (
	PhaseFast Phase = "fast"
	PhaseSlow Phase = "slow"
)

// Severity classifies a failure for escalation routing.
type Severity string

const (
	SeverityNone Severity = ""
	SeverityS1   Severity = "S1" // Transient, auto-retry with backoff
	SeverityS2   Severity = "S2" // Recoverable via alternate contract
	SeverityS3   Severity = "S3" // Requires replan before continuing
	SeverityS4   Severity = "S4" // Critical, side effects may be visible
)

// Decision is the controller's verdict on an observed step.
type Decision string

const (
	DecisionContinue  Decision = "continue"
	DecisionRetry     Decision = "retry"
	DecisionAlternate Decision = "alternate"
	DecisionReplan    Decision = "replan"
	DecisionEscalate  Decision = "escalate"
)

// Transport selects how a step is executed. The set is closed: backends are
// registered per transport tag, never discovered by introspection.
type Transport string

const (
	TransportInProcess Transport = "in_process"
	TransportQueued    Transport = "queued"
	TransportSandboxed Transport = "sandboxed"
)

// ObservationStatus is the business outcome of one execution attempt.
type ObservationStatus string

const (
	ObservationSuccess ObservationStatus = "success"
	ObservationFailure ObservationStatus = "failure"
)

// Resolution is the state of an escalation ticket.
type Resolution string

const (
	ResolutionPending       Resolution = "pending"
	ResolutionAutoResolved  Resolution = "auto_resolved"
	ResolutionHumanResolved Resolution = "human_resolved"
)

// Constraints bound what a plan may cost and how the engine trades safety
// for latency. Zero values mean "unbounded" except RetryBudget, which the
// coordinator defaults from configuration.
type Constraints struct {
	MaxCostUSD    float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd"`
	MaxLatencyMS  int     `json:"max_latency_ms,omitempty" yaml:"max_latency_ms"`
	RetryBudget   int     `json:"retry_budget,omitempty" yaml:"retry_budget"`
	Optimistic    bool    `json:"optimistic,omitempty" yaml:"optimistic"`
	MaxChainDepth int     `json:"max_chain_depth,omitempty" yaml:"max_chain_depth"`
}

// TaskBrief is the caller-owned description of what to achieve. Immutable
// once submitted.
type TaskBrief struct {
	ID          string            `json:"id"`
	Objective   string            `json:"objective" validate:"required,min=3"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Constraints Constraints       `json:"constraints"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// PredicateKind selects how a predicate compares an artifact payload.
type PredicateKind string

const (
	PredNonEmpty PredicateKind = "non_empty"
	PredEquals   PredicateKind = "equals"
	PredContains PredicateKind = "contains"
	PredMatches  PredicateKind = "matches" // RE2 regular expression
	PredMaxBytes PredicateKind = "max_bytes"
)

// Predicate is a pure check over a named artifact. Preconditions inspect
// consumed artifacts, postconditions the produced one. Evaluation must not
// perform external calls; the fast path gates forward progress.
type Predicate struct {
	Kind     PredicateKind `json:"kind" yaml:"kind"`
	Artifact string        `json:"artifact" yaml:"artifact"`
	Value    string        `json:"value,omitempty" yaml:"value"`
}

/// ActionContract declares one executable step: what it consumes, what it
// must produce, and how to undo it if a retrospective check later proves
// its output wrong.
type ActionContract struct {
	StepID          string            `json:"step_id" yaml:"step_id"`
	Title           string            `json:"title" yaml:"title"`
	Op              string            `json:"op" yaml:"op"`
	Params          map[string]string `json:"params,omitempty" yaml:"params"`
	Consumes        []string          `json:"consumes,omitempty" yaml:"consumes"`
	Produces        string            `json:"produces" yaml:"produces"`
	Preconditions   []Predicate       `json:"preconditions,omitempty" yaml:"preconditions"`
	Postconditions  []Predicate       `json:"postconditions,omitempty" yaml:"postconditions"`
	HasSideEffect   bool              `json:"has_side_effect" yaml:"has_side_effect"`
	CompensationRef string            `json:"compensation_ref,omitempty" yaml:"compensation_ref"`
	AlternateOp     string            `json:"alternate_op,omitempty" yaml:"alternate_op"`
	Transport       Transport         `json:"transport" yaml:"transport"`
	Version         int               `json:"version" yaml:"version"`
	RetryBudget     int               `json:"retry_budget,omitempty" yaml:"retry_budget"`
	CostEstimateUSD float64           `json:"cost_estimate_usd,omitempty" yaml:"cost_estimate_usd"`
}

// EffectiveRetryBudget returns the contract's retry budget, falling back to
// the given default when the contract declares none. The budget counts
// total attempts, never fewer than one.
func (c *ActionContract) EffectiveRetryBudget(fallback int) int {
	budget := c.RetryBudget
	if budget <= 0 {
		budget = fallback
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

// Validate checks the contract for structural problems that would make it
// unexecutable.
func (c *ActionContract) Validate() error {
	if strings.TrimSpace(c.StepID) == "" {
		return fmt.Errorf("step_id required")
	}
	if strings.TrimSpace(c.Op) == "" {
		return fmt.Errorf("step %s: op required", c.StepID)
	}
	if strings.TrimSpace(c.Produces) == "" {
		return fmt.Errorf("step %s: produces required", c.StepID)
	}
	switch c.Transport {
	case TransportInProcess, TransportQueued, TransportSandboxed:
	case "":
		return fmt.Errorf("step %s: transport required", c.StepID)
	default:
		return fmt.Errorf("step %s: unknown transport %q", c.StepID, c.Transport)
	}
	if c.HasSideEffect && c.CompensationRef == "" {
		return fmt.Errorf("step %s: side-effecting step requires compensation_ref", c.StepID)
	}
	return nil
}

// Fingerprint identifies the contract's behavior: same op, params, and
// version means same output for the same inputs.
func (c *ActionContract) Fingerprint() string {
	parts := []string{c.Op, fmt.Sprintf("v%d", c.Version)}
	for _, k := range sortedKeys(c.Params) {
		parts = append(parts, k+"="+c.Params[k])
	}
	return DigestString(strings.Join(parts, "\x00"))
}

// Plan is an immutable, versioned DAG of contracts. New versions are only
// ever created by the patcher; a version observed by any executor is never
// mutated in place.
type Plan struct {
	ID            string           `json:"id"`
	BriefID       string           `json:"brief_id"`
	Version       int              `json:"version"`
	ParentVersion *int             `json:"parent_version,omitempty"`
	Contracts     []ActionContract `json:"contracts"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Contract returns the contract for a step ID.
func (p *Plan) Contract(stepID string) (*ActionContract, bool) {
	for i := range p.Contracts {
		if p.Contracts[i].StepID == stepID {
			return &p.Contracts[i], true
		}
	}
	return nil, false
}

// Producers maps each produced artifact name to the step that produces it.
func (p *Plan) Producers() map[string]string {
	out := make(map[string]string, len(p.Contracts))
	for _, c := range p.Contracts {
		out[c.Produces] = c.StepID
	}
	return out
}

// DependenciesOf returns the step IDs whose outputs the given step consumes.
// Artifacts supplied by the brief's inputs have no producing step and are
// omitted.
func (p *Plan) DependenciesOf(stepID string) []string {
	c, ok := p.Contract(stepID)
	if !ok {
		return nil
	}
	producers := p.Producers()
	var deps []string
	for _, name := range c.Consumes {
		if producer, ok := producers[name]; ok && producer != stepID {
			deps = append(deps, producer)
		}
	}
	return deps
}

// Leaves returns the steps whose produced artifact no other step consumes.
func (p *Plan) Leaves() []string {
	consumed := make(map[string]bool)
	for _, c := range p.Contracts {
		for _, in := range c.Consumes {
			consumed[in] = true
		}
	}
	var leaves []string
	for _, c := range p.Contracts {
		if !consumed[c.Produces] {
			leaves = append(leaves, c.StepID)
		}
	}
	return leaves
}

// Clone returns a deep copy suitable for building the next version.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Contracts = make([]ActionContract, len(p.Contracts))
	copy(cp.Contracts, p.Contracts)
	for i := range cp.Contracts {
		if p.Contracts[i].Params != nil {
			params := make(map[string]string, len(p.Contracts[i].Params))
			for k, v := range p.Contracts[i].Params {
				params[k] = v
			}
			cp.Contracts[i].Params = params
		}
	}
	if p.ParentVersion != nil {
		v := *p.ParentVersion
		cp.ParentVersion = &v
	}
	return &cp
}

// PlanPatch is a diff against a specific plan version. A patch whose
// BaseVersion is stale relative to the current plan is rejected.
type PlanPatch struct {
	BaseVersion int              `json:"base_version"`
	Add         []ActionContract `json:"add,omitempty"`
	Remove      []string         `json:"remove,omitempty"`
	Modify      []ActionContract `json:"modify,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Artifact is a named, content-addressed value flowing between steps.
type Artifact struct {
	Name    string `json:"name"`
	Digest  string `json:"digest"`
	Payload string `json:"payload"`
}

// Observation is the immutable record of one execution attempt. Business
// failures are normal observable outcomes, not errors.
type Observation struct {
	StepID        string            `json:"step_id"`
	Attempt       int               `json:"attempt"`
	InputsDigest  string            `json:"inputs_digest"`
	OutputsDigest string            `json:"outputs_digest"`
	Status        ObservationStatus `json:"status"`
	Payload       string            `json:"payload,omitempty"`
	Error         string            `json:"error,omitempty"`
	ProducedAt    time.Time         `json:"produced_at"`
}

// VerificationResult is the outcome of one check on one observation.
// Slow-phase failures after commit are first-class results that drive
// replay, never exceptions.
type VerificationResult struct {
	StepID         string    `json:"step_id"`
	Phase          Phase     `json:"phase"`
	Passed         bool      `json:"passed"`
	DriftScore     float64   `json:"drift_score"` // 0 = no drift, 1 = total mismatch
	Severity       Severity  `json:"severity,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ObservedDigest string    `json:"observed_digest,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// LineageNode links an artifact digest to its producer and consumers.
// Nodes are append-only: invalidation marks, never deletes.
type LineageNode struct {
	ArtifactDigest  string    `json:"artifact_digest"`
	ProducingStepID string    `json:"producing_step_id"`
	ConsumerStepIDs []string  `json:"consumer_step_ids,omitempty"`
	Invalidated     bool      `json:"invalidated"`
	Generation      int       `json:"generation"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// ReplayRequest names the downstream work that must be undone and redone
// after a retrospective failure.
type ReplayRequest struct {
	ID              string    `json:"id"`
	RootDigest      string    `json:"root_invalidated_digest"`
	AffectedStepIDs []string  `json:"affected_step_ids"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
}

// EscalationTicket records a failure that needs a resolution before the
// affected subgraph may continue. Resolution is the only mutable field and
// is guarded by the ticket book, not here.
type EscalationTicket struct {
	ID           string              `json:"id"`
	Severity     Severity            `json:"severity"`
	StepID       string              `json:"step_id"`
	Observation  *Observation        `json:"observation,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Resolution   Resolution          `json:"resolution"`
	Note         string              `json:"note,omitempty"`
	OpenedAt     time.Time           `json:"opened_at"`
	ResolvedAt   *time.Time          `json:"resolved_at,omitempty"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
