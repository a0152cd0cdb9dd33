package escalate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
)

// Resolver is the write side of ticket resolution. TicketBook implements
// it directly; the coordinator wraps it to wake its run loops.
type Resolver interface {
	Resolve(ticketID string, how engine.Resolution, note string) error
}

// TicketBook holds open escalation tickets and serializes resolution.
// Coordinators block on Wake() to learn that a ticket changed state.
type TicketBook struct {
	mu      sync.Mutex
	tickets map[string]*engine.EscalationTicket
	wake    chan struct{}
}

// NewTicketBook creates an empty book.
func NewTicketBook() *TicketBook {
	return &TicketBook{
		tickets: make(map[string]*engine.EscalationTicket),
		wake:    make(chan struct{}, 1),
	}
}

// Open registers a ticket. Opening an already-known ID is a no-op so that
// routing the same failure twice cannot duplicate tickets.
func (b *TicketBook) Open(t *engine.EscalationTicket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tickets[t.ID]; ok {
		return
	}
	b.tickets[t.ID] = t
}

// Resolve marks a pending ticket resolved. Resolving twice or resolving an
// unknown ticket is an error; resolution never reverts to pending.
func (b *TicketBook) Resolve(ticketID string, how engine.Resolution, note string) error {
	if how != engine.ResolutionAutoResolved && how != engine.ResolutionHumanResolved {
		return fmt.Errorf("invalid resolution %q", how)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	if t.Resolution != engine.ResolutionPending {
		return fmt.Errorf("ticket %s already resolved (%s)", ticketID, t.Resolution)
	}

	t.Resolution = how
	t.Note = note
	now := time.Now().UTC()
	t.ResolvedAt = &now
	b.notify()
	return nil
}

// Get returns a copy of the ticket, if known.
func (b *TicketBook) Get(ticketID string) (engine.EscalationTicket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tickets[ticketID]
	if !ok {
		return engine.EscalationTicket{}, false
	}
	return *t, true
}

// Pending returns copies of all unresolved tickets, oldest first.
func (b *TicketBook) Pending() []engine.EscalationTicket {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []engine.EscalationTicket
	for _, t := range b.tickets {
		if t.Resolution == engine.ResolutionPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// PendingFor reports whether a step has an unresolved ticket.
func (b *TicketBook) PendingFor(stepID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tickets {
		if t.StepID == stepID && t.Resolution == engine.ResolutionPending {
			return true
		}
	}
	return false
}

// Wake returns a channel that receives after any resolution. The channel
// is buffered with depth one; consumers that miss a signal still observe
// the book's state on the next check.
func (b *TicketBook) Wake() <-chan struct{} {
	return b.wake
}

func (b *TicketBook) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
