package planner

import (
	"context"
	"testing"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBrief() *engine.TaskBrief {
	return &engine.TaskBrief{
		ID:        "brief-1",
		Objective: "derive a report from the seed",
		Inputs:    map[string]string{"seed": "raw data"},
	}
}

func TestPropose_CompilesTemplates(t *testing.T) {
	p := NewTemplatePlanner([]StepTemplate{
		{StepID: "a", Op: "derive", Consumes: []string{"seed"}, Produces: "derived"},
		{StepID: "b", Op: "report", Consumes: []string{"derived"}, Produces: "report"},
	})

	plan, err := p.Propose(context.Background(), testBrief())
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)
	assert.Nil(t, plan.ParentVersion)
	require.Len(t, plan.Contracts, 2)
	assert.Equal(t, engine.TransportInProcess, plan.Contracts[0].Transport)
}

func TestPropose_EmptyIsPlanningError(t *testing.T) {
	p := NewTemplatePlanner(nil)
	_, err := p.Propose(context.Background(), testBrief())

	var perr *engine.PlanningError
	require.ErrorAs(t, err, &perr)
}

func TestPropose_CostCeilingInfeasible(t *testing.T) {
	p := NewTemplatePlanner([]StepTemplate{
		{StepID: "a", Op: "derive", Produces: "out", CostEstimateUSD: 5.0},
	})
	brief := testBrief()
	brief.Constraints.MaxCostUSD = 1.0

	_, err := p.Propose(context.Background(), brief)
	var perr *engine.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "ceiling")
}

func TestPropose_DanglingConsumeRejected(t *testing.T) {
	p := NewTemplatePlanner([]StepTemplate{
		{StepID: "a", Op: "derive", Consumes: []string{"nowhere"}, Produces: "out"},
	})
	_, err := p.Propose(context.Background(), testBrief())
	var perr *engine.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "nowhere")
}

func TestRevise_SwapsAlternateOp(t *testing.T) {
	p := NewTemplatePlanner([]StepTemplate{
		{StepID: "a", Op: "primary", Produces: "out", AlternateOp: "fallback"},
	})
	plan, err := p.Propose(context.Background(), testBrief())
	require.NoError(t, err)

	patch, err := p.Revise(context.Background(), plan, "step a keeps failing postconditions")
	require.NoError(t, err)
	assert.Equal(t, plan.Version, patch.BaseVersion)
	require.Len(t, patch.Modify, 1)
	assert.Equal(t, "fallback", patch.Modify[0].Op)
	assert.Equal(t, 2, patch.Modify[0].Version)
}

func TestRevise_NoMatchingStep(t *testing.T) {
	p := NewTemplatePlanner([]StepTemplate{
		{StepID: "a", Op: "primary", Produces: "out"},
	})
	plan, err := p.Propose(context.Background(), testBrief())
	require.NoError(t, err)

	_, err = p.Revise(context.Background(), plan, "nothing recognizable")
	require.Error(t, err)
}

func TestValidatePlan_DuplicateStepIDs(t *testing.T) {
	plan := &engine.Plan{Contracts: []engine.ActionContract{
		{StepID: "a", Op: "x", Produces: "p", Transport: engine.TransportInProcess},
		{StepID: "a", Op: "y", Produces: "q", Transport: engine.TransportInProcess},
	}}
	result := ValidatePlan(plan, nil)
	assert.False(t, result.Valid)
	assert.Contains(t, result.ErrorSummary(), "duplicate")
}

func TestValidatePlan_SideEffectWithoutCompensation(t *testing.T) {
	plan := &engine.Plan{Contracts: []engine.ActionContract{
		{StepID: "a", Op: "x", Produces: "p", Transport: engine.TransportInProcess, HasSideEffect: true},
	}}
	result := ValidatePlan(plan, nil)
	assert.False(t, result.Valid)
	assert.Contains(t, result.ErrorSummary(), "compensation")
}
