// Package escalate classifies failures into severities S1-S4 and routes
// them to automatic remediation or a human-escalation sink.
package escalate

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/retrograph/retrograph/internal/engine"
)

// ClassifyInput carries everything the router needs to grade a failure.
type ClassifyInput struct {
	Result            engine.VerificationResult
	Observation       engine.Observation
	RetriesExhausted  bool
	HasAlternate      bool
	SideEffectVisible bool
}

// Router grades failing verification results and retry exhaustion into
// severities and opens tickets for the ones that need a resolution.
type Router struct {
	book *TicketBook
}

// NewRouter creates a router writing into the given ticket book.
func NewRouter(book *TicketBook) *Router {
	return &Router{book: book}
}

// Classify grades a failure:
//
//	S1 - transient, retry budget remains: auto-retry with backoff.
//	S2 - budget exhausted but an alternate contract exists.
//	S3 - budget exhausted, no alternate: requires a replan.
//	S4 - critical: side effects may already be externally visible.
func (r *Router) Classify(in ClassifyInput) engine.Severity {
	if in.SideEffectVisible {
		return engine.SeverityS4
	}
	if !in.RetriesExhausted {
		if isTransient(in.Observation.Error) || isTransient(in.Result.Reason) {
			return engine.SeverityS1
		}
		return engine.SeverityS1 // budget remains: always worth another attempt
	}
	if in.HasAlternate {
		return engine.SeverityS2
	}
	return engine.SeverityS3
}

// Route classifies the failure and, for severities that block progress,
// opens a ticket. S1 and S2 are handled automatically and return no ticket;
// S3 surfaces as a warning ticket that a replan resolves; S4 blocks the
// affected subgraph until resolved.
func (r *Router) Route(in ClassifyInput) (engine.Severity, *engine.EscalationTicket) {
	severity := r.Classify(in)
	if severity == engine.SeverityS1 || severity == engine.SeverityS2 {
		return severity, nil
	}

	obs := in.Observation
	result := in.Result
	result.Severity = severity

	ticket := &engine.EscalationTicket{
		ID:           uuid.New().String(),
		Severity:     severity,
		StepID:       obs.StepID,
		Observation:  &obs,
		Verification: &result,
		Resolution:   engine.ResolutionPending,
		OpenedAt:     time.Now().UTC(),
	}
	r.book.Open(ticket)
	return severity, ticket
}

// isTransient mirrors the usual network/rate-limit failure signatures.
func isTransient(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, marker := range []string{"timeout", "connection", "temporary", "rate limit", "429", "too many requests"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
