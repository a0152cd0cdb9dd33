package escalate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/retrograph/retrograph/internal/engine"
	"github.com/spf13/afero"
)

// PolicyPackage is the Rego package auto-resolution rules live in.
const PolicyPackage = "retrograph.escalation"

// AutoResolver evaluates Rego policies against open tickets. A policy that
// emits into the `resolve` set auto-resolves the ticket; anything in the
// `block` set vetoes auto-resolution regardless.
type AutoResolver struct {
	modules []func(*rego.Rego)
}

// NewAutoResolver creates a resolver with no policies loaded. With no
// policies every Evaluate returns not-resolved.
func NewAutoResolver() *AutoResolver {
	return &AutoResolver{}
}

// LoadDir loads every .rego file under dir. A missing directory is not an
// error; it just means no policies.
func (r *AutoResolver) LoadDir(fs afero.Fs, dir string) error {
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return fmt.Errorf("check policy dir: %w", err)
	}
	if !exists {
		return nil
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return fmt.Errorf("read policy dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := afero.ReadFile(fs, path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", entry.Name(), err)
		}
		r.AddPolicy(entry.Name(), string(content))
	}
	return nil
}

// AddPolicy registers an inline Rego module.
func (r *AutoResolver) AddPolicy(name, content string) {
	r.modules = append(r.modules, rego.Module(name, content))
}

// Evaluate runs the loaded policies against a ticket. It returns whether
// the ticket may be auto-resolved and the policy's stated reason.
func (r *AutoResolver) Evaluate(ctx context.Context, ticket engine.EscalationTicket) (bool, string, error) {
	if len(r.modules) == 0 {
		return false, "", nil
	}

	input := ticketInput(ticket)

	blocked, err := r.querySet(ctx, "block", input)
	if err != nil {
		return false, "", err
	}
	if len(blocked) > 0 {
		return false, "", nil
	}

	reasons, err := r.querySet(ctx, "resolve", input)
	if err != nil {
		return false, "", err
	}
	if len(reasons) == 0 {
		return false, "", nil
	}
	return true, reasons[0], nil
}

// querySet evaluates a set-valued rule and flattens it to strings. An
// undefined rule (package never defines it) counts as the empty set.
func (r *AutoResolver) querySet(ctx context.Context, rule string, input map[string]any) ([]string, error) {
	opts := []func(*rego.Rego){
		rego.Query(fmt.Sprintf("data.%s.%s", PolicyPackage, rule)),
		rego.Input(input),
	}
	opts = append(opts, r.modules...)

	rs, err := rego.New(opts...).Eval(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "undefined") {
			return nil, nil
		}
		return nil, fmt.Errorf("evaluate %s: %w", rule, err)
	}

	var out []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			switch v := expr.Value.(type) {
			case []interface{}:
				for _, item := range v {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
			case string:
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func ticketInput(t engine.EscalationTicket) map[string]any {
	input := map[string]any{
		"ticket_id": t.ID,
		"severity":  string(t.Severity),
		"step_id":   t.StepID,
	}
	if t.Verification != nil {
		input["drift_score"] = t.Verification.DriftScore
		input["phase"] = string(t.Verification.Phase)
		input["reason"] = t.Verification.Reason
	}
	if t.Observation != nil {
		input["attempt"] = t.Observation.Attempt
		input["error"] = t.Observation.Error
	}
	return input
}
