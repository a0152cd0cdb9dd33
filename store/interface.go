// Package store persists the durable record of an engine run: briefs, plan
// versions, observations, verification results, lineage nodes, and tickets.
package store

import (
	"errors"

	"github.com/retrograph/retrograph/internal/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStore is the persistence boundary. Observations, verifications, and
// lineage nodes are append-only; plan versions are immutable once saved;
// tickets are upserted because their resolution changes.
type RunStore interface {
	SaveBrief(brief *engine.TaskBrief) error
	GetBrief(id string) (*engine.TaskBrief, error)

	SavePlan(plan *engine.Plan) error
	GetPlan(briefID string, version int) (*engine.Plan, error)
	LatestPlan(briefID string) (*engine.Plan, error)

	AppendObservation(briefID string, obs engine.Observation) error
	Observations(briefID, stepID string) ([]engine.Observation, error)

	AppendVerification(briefID string, v engine.VerificationResult) error
	Verifications(briefID, stepID string) ([]engine.VerificationResult, error)

	SaveLineageNode(briefID string, node engine.LineageNode) error
	LineageNodes(briefID string) ([]engine.LineageNode, error)

	SaveTicket(briefID string, t engine.EscalationTicket) error
	GetTicket(id string) (engine.EscalationTicket, error)
	Tickets(briefID string) ([]engine.EscalationTicket, error)

	Close() error
}
