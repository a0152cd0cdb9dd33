// Package planner turns task briefs into versioned plans and revises them
// when the controller asks for a replan. Plan mutation always goes through
// the patcher; plans themselves stay immutable per version.
package planner

import (
	"fmt"
	"strings"

	"github.com/retrograph/retrograph/internal/engine"
)

// ValidationError describes one problem found in a candidate plan.
type ValidationError struct {
	Field   string
	Message string
	Value   any
}

// ValidationResult aggregates schema validation errors. It feeds back into
// the LLM planner's retry loop and gates acceptance of any proposed plan.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// ErrorSummary renders all errors as a single line for logs and error
// wrapping.
func (r ValidationResult) ErrorSummary() string {
	if r.Valid {
		return ""
	}
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(parts, "; ")
}

func (r *ValidationResult) add(field, message string, value any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Value: value})
}

// ValidatePlan checks a candidate plan against structural rules: at least
// one step, unique IDs, a valid DAG, executable contracts, and every
// consumed artifact either produced by a step or supplied by the brief.
func ValidatePlan(plan *engine.Plan, briefInputs map[string]string) ValidationResult {
	result := ValidationResult{Valid: true}

	if len(plan.Contracts) == 0 {
		result.add("contracts", "plan must contain at least one step", nil)
	}

	seen := make(map[string]bool)
	produced := make(map[string]bool)
	for _, c := range plan.Contracts {
		if seen[c.StepID] {
			result.add("step_id", "duplicate step ID", c.StepID)
		}
		seen[c.StepID] = true
		produced[c.Produces] = true

		if err := c.Validate(); err != nil {
			result.add("contract", err.Error(), c.StepID)
		}
	}

	for _, c := range plan.Contracts {
		for _, in := range c.Consumes {
			if !produced[in] {
				if _, fromBrief := briefInputs[in]; !fromBrief {
					result.add("consumes", fmt.Sprintf("step %s consumes %q which nothing produces", c.StepID, in), in)
				}
			}
		}
	}

	if len(plan.Contracts) > 0 {
		if err := engine.VerifyDAG(plan.Contracts); err != nil {
			result.add("graph", err.Error(), nil)
		}
	}

	if len(result.Errors) > 0 {
		result.Valid = false
	}
	return result
}

// CheckFeasibility rejects plans that cannot meet the brief's hard
// constraints. A violated cost ceiling is a planning error, not something
// execution can recover from.
func CheckFeasibility(plan *engine.Plan, brief *engine.TaskBrief) error {
	if brief.Constraints.MaxCostUSD <= 0 {
		return nil
	}
	var total float64
	for _, c := range plan.Contracts {
		total += c.CostEstimateUSD
	}
	if total > brief.Constraints.MaxCostUSD {
		return &engine.PlanningError{
			Objective: brief.Objective,
			Reason:    fmt.Sprintf("estimated cost %.2f USD exceeds ceiling %.2f USD", total, brief.Constraints.MaxCostUSD),
		}
	}
	return nil
}
