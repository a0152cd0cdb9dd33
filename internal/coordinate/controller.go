// Package coordinate composes the engine: the controller decision table,
// the per-brief coordinator loop with its worker pools, and the TaskHandle
// API the rest of the system calls.
package coordinate

import (
	"github.com/retrograph/retrograph/internal/engine"
	"github.com/retrograph/retrograph/internal/escalate"
)

// Verdict is the controller's output for one observed step: the decision
// plus the severity and ticket when the decision is to escalate.
type Verdict struct {
	Decision engine.Decision
	Severity engine.Severity
	Ticket   *engine.EscalationTicket
	Reason   string
}

// Controller applies the decision table to an observation and its fast
// verification result. Slow-path failures are not decided here; they drive
// the replay path on the step's consumers.
type Controller struct {
	router        *escalate.Router
	defaultBudget int
}

// NewController creates a controller routing escalations through the router.
// defaultBudget applies to contracts that declare no retry budget.
func NewController(router *escalate.Router, defaultBudget int) *Controller {
	return &Controller{router: router, defaultBudget: defaultBudget}
}

// Decide applies the table:
//
//	fast passes                                  -> continue
//	fast fails, retry budget remains             -> retry
//	budget exhausted, alternate contract exists  -> alternate
//	budget exhausted, no alternate, no side fx   -> replan (S3)
//	budget exhausted, side effects visible       -> escalate (S4)
//
// retryBudget counts total attempts, so attempt >= retryBudget means
// exhausted.
func (c *Controller) Decide(contract *engine.ActionContract, obs engine.Observation, fast engine.VerificationResult) Verdict {
	if fast.Passed {
		return Verdict{Decision: engine.DecisionContinue}
	}

	budget := contract.EffectiveRetryBudget(c.defaultBudget)
	exhausted := obs.Attempt >= budget

	if !exhausted {
		return Verdict{Decision: engine.DecisionRetry, Severity: engine.SeverityS1, Reason: fast.Reason}
	}

	if contract.AlternateOp != "" {
		return Verdict{Decision: engine.DecisionAlternate, Severity: engine.SeverityS2, Reason: fast.Reason}
	}

	// A side-effecting step that already ran may have published something
	// externally; that is not recoverable by replanning alone.
	severity, ticket := c.router.Route(escalate.ClassifyInput{
		Result:            fast,
		Observation:       obs,
		RetriesExhausted:  true,
		HasAlternate:      false,
		SideEffectVisible: contract.HasSideEffect,
	})
	if severity == engine.SeverityS4 {
		return Verdict{Decision: engine.DecisionEscalate, Severity: severity, Ticket: ticket, Reason: fast.Reason}
	}
	return Verdict{Decision: engine.DecisionReplan, Severity: severity, Ticket: ticket, Reason: fast.Reason}
}
