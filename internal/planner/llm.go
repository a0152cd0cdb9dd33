package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/retrograph/retrograph/internal/engine"
	"github.com/retrograph/retrograph/internal/llm"
)

const (
	// MaxGenerationRetries is the maximum number of retry attempts for
	// validation failures.
	MaxGenerationRetries = 3

	// RetryDelay is the delay between retries.
	RetryDelay = 500 * time.Millisecond
)

// LLMPlanner proposes plans through a chat model. Generated plans go
// through the same schema validation as declared ones; validation errors
// are fed back into the prompt for self-correction.
type LLMPlanner struct {
	cfg llm.Config
}

// chatGenerator is the slice of the Eino chat model the planner needs; it
// lets tests substitute a canned model.
type chatGenerator interface {
	Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error)
}

// einoAdapter lazily opens the configured chat model per generation call.
type einoAdapter struct {
	cfg llm.Config
}

func (a *einoAdapter) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	m, err := llm.NewChatModel(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	return m.Generate(ctx, input)
}

// NewLLMPlanner creates a planner backed by the configured provider.
func NewLLMPlanner(cfg llm.Config) *LLMPlanner {
	return &LLMPlanner{cfg: cfg}
}

// stepSchema is the JSON shape the model must emit per step.
type stepSchema struct {
	StepID          string             `json:"step_id"`
	Title           string             `json:"title"`
	Op              string             `json:"op"`
	Params          map[string]string  `json:"params,omitempty"`
	Consumes        []string           `json:"consumes,omitempty"`
	Produces        string             `json:"produces"`
	Postconditions  []engine.Predicate `json:"postconditions,omitempty"`
	HasSideEffect   bool               `json:"has_side_effect"`
	CompensationRef string             `json:"compensation_ref,omitempty"`
	AlternateOp     string             `json:"alternate_op,omitempty"`
	Transport       string             `json:"transport,omitempty"`
	CostEstimateUSD float64            `json:"cost_estimate_usd,omitempty"`
}

// planSchema is the JSON shape the model must emit for a whole plan.
type planSchema struct {
	Rationale string       `json:"rationale"`
	Steps     []stepSchema `json:"steps"`
}

// patchSchema is the JSON shape the model must emit for a revision.
type patchSchema struct {
	Modify []stepSchema `json:"modify,omitempty"`
	Add    []stepSchema `json:"add,omitempty"`
	Remove []string     `json:"remove,omitempty"`
}

// Propose generates and validates a plan for the brief.
func (p *LLMPlanner) Propose(ctx context.Context, brief *engine.TaskBrief) (*engine.Plan, error) {
	gen := &einoAdapter{cfg: p.cfg}

	response, err := generateWithRetry[planSchema](ctx, gen, planPromptTemplate, map[string]any{
		"Objective":   brief.Objective,
		"Inputs":      formatInputs(brief.Inputs),
		"Constraints": fmt.Sprintf("max_cost_usd=%.2f max_latency_ms=%d", brief.Constraints.MaxCostUSD, brief.Constraints.MaxLatencyMS),
	}, func(r *planSchema) ValidationResult {
		return validatePlanSchema(r, brief)
	})
	if err != nil {
		return nil, &engine.PlanningError{Objective: brief.Objective, Reason: err.Error()}
	}

	plan := &engine.Plan{
		ID:        uuid.New().String(),
		BriefID:   brief.ID,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	for _, s := range response.Steps {
		plan.Contracts = append(plan.Contracts, contractFromSchema(s))
	}
	if err := CheckFeasibility(plan, brief); err != nil {
		return nil, err
	}
	return plan, nil
}

// Revise asks the model for a patch against the plan's current version.
func (p *LLMPlanner) Revise(ctx context.Context, plan *engine.Plan, reason string) (*engine.PlanPatch, error) {
	gen := &einoAdapter{cfg: p.cfg}

	current, err := json.MarshalIndent(plan.Contracts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	response, err := generateWithRetry[patchSchema](ctx, gen, revisePromptTemplate, map[string]any{
		"Plan":   string(current),
		"Reason": reason,
	}, func(r *patchSchema) ValidationResult {
		result := ValidationResult{Valid: true}
		if len(r.Modify) == 0 && len(r.Add) == 0 && len(r.Remove) == 0 {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{Field: "patch", Message: "patch must change something"})
		}
		return result
	})
	if err != nil {
		return nil, fmt.Errorf("revise plan: %w", err)
	}

	patch := &engine.PlanPatch{BaseVersion: plan.Version, Remove: response.Remove, Reason: reason}
	for _, s := range response.Modify {
		patch.Modify = append(patch.Modify, contractFromSchema(s))
	}
	for _, s := range response.Add {
		patch.Add = append(patch.Add, contractFromSchema(s))
	}
	return patch, nil
}

func contractFromSchema(s stepSchema) engine.ActionContract {
	transport := engine.Transport(s.Transport)
	if transport == "" {
		transport = engine.TransportInProcess
	}
	return engine.ActionContract{
		StepID:          s.StepID,
		Title:           s.Title,
		Op:              s.Op,
		Params:          s.Params,
		Consumes:        s.Consumes,
		Produces:        s.Produces,
		Postconditions:  s.Postconditions,
		HasSideEffect:   s.HasSideEffect,
		CompensationRef: s.CompensationRef,
		AlternateOp:     s.AlternateOp,
		Transport:       transport,
		Version:         1,
		CostEstimateUSD: s.CostEstimateUSD,
	}
}

func validatePlanSchema(r *planSchema, brief *engine.TaskBrief) ValidationResult {
	candidate := &engine.Plan{Version: 1}
	for _, s := range r.Steps {
		candidate.Contracts = append(candidate.Contracts, contractFromSchema(s))
	}
	return ValidatePlan(candidate, brief.Inputs)
}

// generateWithRetry is the core generation loop with validation and error
// feedback.
func generateWithRetry[T any](
	ctx context.Context,
	gen chatGenerator,
	promptTemplate string,
	input map[string]any,
	validate func(*T) ValidationResult,
) (*T, error) {
	tmpl, err := template.New("prompt").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var lastErr error
	var feedback string

	for attempt := 1; attempt <= MaxGenerationRetries; attempt++ {
		promptInput := make(map[string]any, len(input)+1)
		for k, v := range input {
			promptInput[k] = v
		}
		if feedback != "" {
			promptInput["ValidationErrors"] = feedback
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, promptInput); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}

		resp, err := gen.Generate(ctx, []*schema.Message{schema.UserMessage(buf.String())})
		if err != nil {
			lastErr = fmt.Errorf("LLM generate: %w", err)
			if attempt < MaxGenerationRetries {
				time.Sleep(RetryDelay * time.Duration(attempt))
				continue
			}
			return nil, lastErr
		}

		var result T
		if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &result); err != nil {
			lastErr = fmt.Errorf("parse JSON (attempt %d): %w", attempt, err)
			feedback = fmt.Sprintf("\nPREVIOUS ATTEMPT FAILED\nJSON parse error: %v\nEnsure the response is valid JSON matching the schema.\n", err)
			if attempt < MaxGenerationRetries {
				time.Sleep(RetryDelay)
				continue
			}
			return nil, lastErr
		}

		validation := validate(&result)
		if !validation.Valid {
			lastErr = fmt.Errorf("validation failed (attempt %d): %s", attempt, validation.ErrorSummary())
			feedback = formatValidationFeedback(validation)
			if attempt < MaxGenerationRetries {
				time.Sleep(RetryDelay)
				continue
			}
			return nil, lastErr
		}

		return &result, nil
	}

	return nil, fmt.Errorf("generation failed after %d attempts: %w", MaxGenerationRetries, lastErr)
}

func formatValidationFeedback(result ValidationResult) string {
	var sb strings.Builder
	sb.WriteString("\nPREVIOUS ATTEMPT FAILED - SCHEMA VALIDATION ERRORS\n\n")
	for i, e := range result.Errors {
		sb.WriteString(fmt.Sprintf("%d. Field '%s': %s\n", i+1, e.Field, e.Message))
	}
	sb.WriteString("\nRegenerate the response with these issues corrected.\n")
	return sb.String()
}

// extractJSON pulls the outermost JSON object out of a model response that
// may be wrapped in prose or code fences.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return content
	}
	return content[start : end+1]
}

func formatInputs(inputs map[string]string) string {
	if len(inputs) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for k, v := range inputs {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", k, v))
	}
	return sb.String()
}

const planPromptTemplate = `You are a planning engine turning an objective into an executable step graph.

OBJECTIVE:
{{.Objective}}

AVAILABLE INPUT ARTIFACTS:
{{.Inputs}}

CONSTRAINTS:
{{.Constraints}}
{{if .ValidationErrors}}
{{.ValidationErrors}}
{{end}}
INSTRUCTIONS:
Output a JSON object with this schema:

{
  "rationale": "why this decomposition",
  "steps": [
    {
      "step_id": "unique short id",
      "title": "what the step does",
      "op": "operation name",
      "params": {"key": "value"},
      "consumes": ["artifact names this step reads"],
      "produces": "artifact name this step writes",
      "postconditions": [{"kind": "non_empty|equals|contains|matches|max_bytes", "artifact": "produced name", "value": "operand"}],
      "has_side_effect": false,
      "compensation_ref": "undo op name, required when has_side_effect is true",
      "alternate_op": "optional fallback op",
      "transport": "in_process|queued|sandboxed",
      "cost_estimate_usd": 0.0
    }
  ]
}

RULES:
- The step graph must be acyclic; edges follow artifact flow.
- Every consumed artifact must be produced by a step or listed as an input.
- Side-effecting steps must declare compensation_ref.
- Output ONLY valid JSON, no markdown or explanation.

Generate the plan JSON now:`

const revisePromptTemplate = `You are revising an executable step graph after a failure.

CURRENT PLAN CONTRACTS:
{{.Plan}}

FAILURE REASON:
{{.Reason}}
{{if .ValidationErrors}}
{{.ValidationErrors}}
{{end}}
INSTRUCTIONS:
Output a JSON patch with this schema:

{
  "modify": [full step objects replacing existing ones, same step_id],
  "add": [new step objects],
  "remove": ["step ids to delete"]
}

RULES:
- Change the minimum needed to address the failure.
- Keep the graph acyclic and every consumed artifact produced.
- Output ONLY valid JSON.

Generate the patch JSON now:`
