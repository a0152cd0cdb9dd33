package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/retrograph/retrograph/internal/engine"
)

// Planner produces an initial plan for a brief and revises it when the
// controller decides to replan.
type Planner interface {
	Propose(ctx context.Context, brief *engine.TaskBrief) (*engine.Plan, error)
	Revise(ctx context.Context, plan *engine.Plan, reason string) (*engine.PlanPatch, error)
}

// StepTemplate is a declared step in a brief file. The template planner
// compiles templates into contracts verbatim; it exists so the engine can
// run deterministic plans without a language model.
type StepTemplate struct {
	StepID          string             `yaml:"step_id" validate:"required"`
	Title           string             `yaml:"title"`
	Op              string             `yaml:"op" validate:"required"`
	Params          map[string]string  `yaml:"params"`
	Consumes        []string           `yaml:"consumes"`
	Produces        string             `yaml:"produces" validate:"required"`
	Preconditions   []engine.Predicate `yaml:"preconditions"`
	Postconditions  []engine.Predicate `yaml:"postconditions"`
	HasSideEffect   bool               `yaml:"has_side_effect"`
	CompensationRef string             `yaml:"compensation_ref"`
	AlternateOp     string             `yaml:"alternate_op"`
	Transport       string             `yaml:"transport"`
	CostEstimateUSD float64            `yaml:"cost_estimate_usd"`
}

// TemplatePlanner builds plans from declared step templates. It is the
// default planner; the LLM planner replaces it when configured.
type TemplatePlanner struct {
	steps []StepTemplate
}

// NewTemplatePlanner creates a planner over declared steps.
func NewTemplatePlanner(steps []StepTemplate) *TemplatePlanner {
	return &TemplatePlanner{steps: steps}
}

// Propose compiles the declared steps into version 1 of a plan. It fails
// with a PlanningError when the brief is infeasible: no steps, an invalid
// graph, or a blown cost ceiling.
func (p *TemplatePlanner) Propose(_ context.Context, brief *engine.TaskBrief) (*engine.Plan, error) {
	if len(p.steps) == 0 {
		return nil, &engine.PlanningError{
			Objective: brief.Objective,
			Reason:    "no steps declared and no generative planner configured",
		}
	}

	plan := &engine.Plan{
		ID:        uuid.New().String(),
		BriefID:   brief.ID,
		Version:   1,
		CreatedAt: time.Now().UTC(),
		Contracts: make([]engine.ActionContract, 0, len(p.steps)),
	}

	for _, s := range p.steps {
		transport := engine.Transport(s.Transport)
		if transport == "" {
			transport = engine.TransportInProcess
		}
		plan.Contracts = append(plan.Contracts, engine.ActionContract{
			StepID:          s.StepID,
			Title:           s.Title,
			Op:              s.Op,
			Params:          s.Params,
			Consumes:        s.Consumes,
			Produces:        s.Produces,
			Preconditions:   s.Preconditions,
			Postconditions:  s.Postconditions,
			HasSideEffect:   s.HasSideEffect,
			CompensationRef: s.CompensationRef,
			AlternateOp:     s.AlternateOp,
			Transport:       transport,
			Version:         1,
			CostEstimateUSD: s.CostEstimateUSD,
		})
	}

	if result := ValidatePlan(plan, brief.Inputs); !result.Valid {
		return nil, &engine.PlanningError{Objective: brief.Objective, Reason: result.ErrorSummary()}
	}
	if err := CheckFeasibility(plan, brief); err != nil {
		return nil, err
	}
	return plan, nil
}

// Revise produces a patch against the plan's current version. The template
// planner has no generative capability, so revision is mechanical: find the
// step named in the reason and swap in its alternate op, or bump its
// contract version to force a fresh derivation. If no step matches, the
// planner cannot help and the failure must escalate.
func (p *TemplatePlanner) Revise(_ context.Context, plan *engine.Plan, reason string) (*engine.PlanPatch, error) {
	for _, c := range plan.Contracts {
		if !strings.Contains(reason, c.StepID) {
			continue
		}
		revised := c
		if params := c.Params; params != nil {
			revised.Params = make(map[string]string, len(params))
			for k, v := range params {
				revised.Params[k] = v
			}
		}
		if c.AlternateOp != "" {
			revised.Op = c.AlternateOp
			revised.AlternateOp = ""
		}
		revised.Version = c.Version + 1

		return &engine.PlanPatch{
			BaseVersion: plan.Version,
			Modify:      []engine.ActionContract{revised},
			Reason:      reason,
		}, nil
	}
	return nil, fmt.Errorf("cannot derive revision from reason %q: no step matched", reason)
}
