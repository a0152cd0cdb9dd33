package escalate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTicket(book *TicketBook, id, stepID string) *engine.EscalationTicket {
	t := &engine.EscalationTicket{
		ID:         id,
		Severity:   engine.SeverityS4,
		StepID:     stepID,
		Resolution: engine.ResolutionPending,
		OpenedAt:   time.Now().UTC(),
	}
	book.Open(t)
	return t
}

func TestResolve_Lifecycle(t *testing.T) {
	book := NewTicketBook()
	openTicket(book, "t1", "s1")

	require.NoError(t, book.Resolve("t1", engine.ResolutionHumanResolved, "checked by hand"))

	got, ok := book.Get("t1")
	require.True(t, ok)
	assert.Equal(t, engine.ResolutionHumanResolved, got.Resolution)
	assert.Equal(t, "checked by hand", got.Note)
	require.NotNil(t, got.ResolvedAt)
	assert.False(t, got.ResolvedAt.IsZero())
	assert.Empty(t, book.Pending())
	assert.False(t, book.PendingFor("s1"))
}

func TestTicketJSON_ResolvedAtOnlyAfterResolution(t *testing.T) {
	book := NewTicketBook()
	ticket := openTicket(book, "t1", "s1")

	raw, err := json.Marshal(ticket)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "resolved_at")

	require.NoError(t, book.Resolve("t1", engine.ResolutionHumanResolved, "ok"))
	got, ok := book.Get("t1")
	require.True(t, ok)
	raw, err = json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "resolved_at")
}

func TestResolve_TwiceFails(t *testing.T) {
	book := NewTicketBook()
	openTicket(book, "t1", "s1")

	require.NoError(t, book.Resolve("t1", engine.ResolutionAutoResolved, ""))
	err := book.Resolve("t1", engine.ResolutionHumanResolved, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resolved")
}

func TestResolve_UnknownAndInvalid(t *testing.T) {
	book := NewTicketBook()
	require.Error(t, book.Resolve("ghost", engine.ResolutionHumanResolved, ""))

	openTicket(book, "t1", "s1")
	require.Error(t, book.Resolve("t1", engine.ResolutionPending, ""))
}

func TestOpen_DuplicateIDIsNoOp(t *testing.T) {
	book := NewTicketBook()
	first := openTicket(book, "t1", "s1")
	book.Open(&engine.EscalationTicket{ID: "t1", StepID: "other"})

	got, ok := book.Get("t1")
	require.True(t, ok)
	assert.Equal(t, first.StepID, got.StepID)
}

func TestWake_SignalsOnResolution(t *testing.T) {
	book := NewTicketBook()
	openTicket(book, "t1", "s1")

	require.NoError(t, book.Resolve("t1", engine.ResolutionAutoResolved, ""))

	select {
	case <-book.Wake():
	case <-time.After(time.Second):
		t.Fatal("expected wake signal after resolution")
	}
}

func TestPending_OldestFirst(t *testing.T) {
	book := NewTicketBook()
	old := &engine.EscalationTicket{ID: "old", Resolution: engine.ResolutionPending, OpenedAt: time.Now().Add(-time.Hour)}
	recent := &engine.EscalationTicket{ID: "recent", Resolution: engine.ResolutionPending, OpenedAt: time.Now()}
	book.Open(recent)
	book.Open(old)

	pending := book.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "old", pending[0].ID)
}
