package coordinate

import (
	"context"
	"sort"
	"sync"

	"github.com/retrograph/retrograph/internal/engine"
)

// BriefState is the top-level state of a submitted brief.
type BriefState string

const (
	StatePlanning  BriefState = "planning"
	StateRunning   BriefState = "running"
	StateBlocked   BriefState = "blocked" // waiting on escalation resolution
	StateCommitted BriefState = "committed"
	StateCancelled BriefState = "cancelled"
	StateFailed    BriefState = "failed"
)

// Status is a point-in-time snapshot of a run.
type Status struct {
	State              BriefState
	PlanVersion        int
	StepStates         map[string]engine.StepState
	CommittedSteps     []string
	Decisions          map[string][]engine.Decision
	PendingEscalations []engine.EscalationTicket
	Replays            int
	Err                string
}

// TaskHandle is the caller's grip on a running brief: read status, cancel,
// wait for completion. All methods are safe for concurrent use.
type TaskHandle struct {
	BriefID string

	cancel context.CancelFunc
	done   chan struct{}
	notify chan struct{}

	mu     sync.RWMutex
	status Status
	err    error
}

func newTaskHandle(briefID string, cancel context.CancelFunc) *TaskHandle {
	return &TaskHandle{
		BriefID: briefID,
		cancel:  cancel,
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
		status:  Status{State: StatePlanning},
	}
}

// Status returns the latest snapshot.
func (h *TaskHandle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Cancel requests cancellation. In-flight executor calls are cancelled;
// compensation of already-visible side effects still runs before the run
// reports cancelled.
func (h *TaskHandle) Cancel() {
	h.cancel()
}

// Wait blocks until the run reaches a terminal state or ctx expires, and
// returns the run's error, if any.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the run reaches a terminal state.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

func (h *TaskHandle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *TaskHandle) finish(s Status, err error) {
	h.mu.Lock()
	if err != nil {
		s.Err = err.Error()
	}
	h.status = s
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// wake nudges the run loop after an external event (ticket resolution).
func (h *TaskHandle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func sortedStepIDs(m map[string]engine.StepState, want engine.StepState) []string {
	var out []string
	for id, st := range m {
		if st == want {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
