package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/retrograph/retrograph/internal/escalate"
	"github.com/retrograph/retrograph/internal/executor"
	"github.com/retrograph/retrograph/internal/planner"
	"github.com/retrograph/retrograph/internal/verify"
	"github.com/retrograph/retrograph/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passAll is a ground truth that accepts every observation.
var passAll = verify.GroundTruthFunc(func(context.Context, *engine.ActionContract, engine.Observation) (bool, float64, string, error) {
	return true, 0, "", nil
})

type fixture struct {
	coord *Coordinator
	ops   *executor.OpSet
	book  *escalate.TicketBook
	store store.RunStore
}

func newFixture(t *testing.T, steps []planner.StepTemplate, ground verify.GroundTruth, cfg Config) *fixture {
	t.Helper()

	ops := executor.NewOpSet()
	registry := executor.NewRegistry()
	registry.Register(engine.TransportInProcess, executor.NewInProcessBackend(ops))

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	book := escalate.NewTicketBook()
	coord := NewCoordinator(cfg, Deps{
		Planner:     planner.NewTemplatePlanner(steps),
		Executor:    executor.NewExecutor(registry),
		GroundTruth: ground,
		Store:       st,
		Book:        book,
		Logger:      slog.New(slog.DiscardHandler),
	})
	return &fixture{coord: coord, ops: ops, book: book, store: st}
}

func echoOp(payload string) executor.OpFunc {
	return func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		return payload, nil
	}
}

func chainSteps() []planner.StepTemplate {
	return []planner.StepTemplate{
		{StepID: "s1", Op: "derive", Consumes: []string{"seed"}, Produces: "a",
			Postconditions: []engine.Predicate{{Kind: engine.PredNonEmpty, Artifact: "a"}}},
		{StepID: "s2", Op: "refine", Consumes: []string{"a"}, Produces: "b",
			Postconditions: []engine.Predicate{{Kind: engine.PredNonEmpty, Artifact: "b"}}},
		{StepID: "s3", Op: "report", Consumes: []string{"b"}, Produces: "c",
			Postconditions: []engine.Predicate{{Kind: engine.PredNonEmpty, Artifact: "c"}}},
	}
}

func submitAndWait(t *testing.T, f *fixture, brief *engine.TaskBrief) *TaskHandle {
	t.Helper()
	handle, err := f.coord.Submit(context.Background(), brief)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
	return handle
}

func testBrief() *engine.TaskBrief {
	return &engine.TaskBrief{
		ID:        "brief-1",
		Objective: "derive a report from the seed",
		Inputs:    map[string]string{"seed": "raw data"},
	}
}

func TestRun_ThreeSequentialStepsCommit(t *testing.T) {
	f := newFixture(t, chainSteps(), passAll, Config{})
	f.ops.Register("derive", echoOp("derived"))
	f.ops.Register("refine", echoOp("refined"))
	f.ops.Register("report", echoOp("final report"))

	handle := submitAndWait(t, f, testBrief())

	status := handle.Status()
	assert.Equal(t, StateCommitted, status.State)
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, status.CommittedSteps)
	assert.Equal(t, 0, status.Replays)
	assert.Equal(t, 1, status.PlanVersion)

	for _, stepID := range []string{"s1", "s2", "s3"} {
		obs, err := f.store.Observations("brief-1", stepID)
		require.NoError(t, err)
		require.Len(t, obs, 1, "step %s", stepID)
		assert.Equal(t, engine.ObservationSuccess, obs[0].Status)
	}
}

func TestRun_RetryBudgetSucceedsOnThirdAttempt(t *testing.T) {
	f := newFixture(t, chainSteps(), passAll, Config{RetryBudget: 3})
	f.ops.Register("derive", echoOp("derived"))
	f.ops.Register("report", echoOp("final report"))

	var calls atomic.Int32
	f.ops.Register("refine", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("flaky upstream")
		}
		return "refined", nil
	})

	handle := submitAndWait(t, f, testBrief())

	status := handle.Status()
	assert.Equal(t, StateCommitted, status.State)
	assert.Equal(t, []engine.Decision{
		engine.DecisionRetry, engine.DecisionRetry, engine.DecisionContinue,
	}, status.Decisions["s2"])

	obs, err := f.store.Observations("brief-1", "s2")
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, 1, obs[0].Attempt)
	assert.Equal(t, 3, obs[2].Attempt)
	assert.Equal(t, engine.ObservationFailure, obs[0].Status)
	assert.Equal(t, engine.ObservationSuccess, obs[2].Status)
}

func TestRun_RetryWaitsBetweenAttempts(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "s1", Op: "flaky", Consumes: []string{"seed"}, Produces: "out"},
	}
	delay := 60 * time.Millisecond
	f := newFixture(t, steps, passAll, Config{RetryBudget: 3, RetryDelay: delay})

	var mu sync.Mutex
	var callTimes []time.Time
	f.ops.Register("flaky", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		n := len(callTimes)
		mu.Unlock()
		if n < 3 {
			return "", errors.New("flaky upstream")
		}
		return "stable", nil
	})

	handle := submitAndWait(t, f, testBrief())
	assert.Equal(t, StateCommitted, handle.Status().State)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callTimes, 3)
	// Attempt N waits (N-1) * RetryDelay before re-dispatching.
	assert.GreaterOrEqual(t, callTimes[1].Sub(callTimes[0]), delay)
	assert.GreaterOrEqual(t, callTimes[2].Sub(callTimes[1]), 2*delay)
}

// rewritingPlanner revises by dropping a declared step entirely, so dispatch
// after the revision must not act on the superseded plan version.
type rewritingPlanner struct {
	base       *planner.TemplatePlanner
	dropStepID string
	fixStepID  string
}

func (p *rewritingPlanner) Propose(ctx context.Context, brief *engine.TaskBrief) (*engine.Plan, error) {
	return p.base.Propose(ctx, brief)
}

func (p *rewritingPlanner) Revise(_ context.Context, plan *engine.Plan, reason string) (*engine.PlanPatch, error) {
	fixed, ok := plan.Contract(p.fixStepID)
	if !ok {
		return nil, fmt.Errorf("step %s not in plan", p.fixStepID)
	}
	revised := *fixed
	revised.Preconditions = nil
	revised.Version = fixed.Version + 1
	return &engine.PlanPatch{
		BaseVersion: plan.Version,
		Remove:      []string{p.dropStepID},
		Modify:      []engine.ActionContract{revised},
		Reason:      reason,
	}, nil
}

func TestRun_PreconditionReplanSupersedesPendingSteps(t *testing.T) {
	// "gate" fails its precondition on first dispatch; the revision drops
	// "extra" from the plan. "extra" must never execute, even though it was
	// runnable in the plan version the dispatch pass started from.
	steps := []planner.StepTemplate{
		{StepID: "gate", Op: "check", Consumes: []string{"seed"}, Produces: "g",
			Preconditions: []engine.Predicate{{Kind: engine.PredEquals, Artifact: "seed", Value: "trusted"}}},
		{StepID: "extra", Op: "side-work", Consumes: []string{"seed"}, Produces: "x"},
	}
	f := newFixture(t, steps, passAll, Config{})
	f.coord.planner = &rewritingPlanner{
		base:       planner.NewTemplatePlanner(steps),
		dropStepID: "extra",
		fixStepID:  "gate",
	}
	f.ops.Register("check", echoOp("checked"))

	var extraRuns atomic.Int32
	f.ops.Register("side-work", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		extraRuns.Add(1)
		return "should not happen", nil
	})

	handle := submitAndWait(t, f, testBrief())

	status := handle.Status()
	assert.Equal(t, StateCommitted, status.State)
	assert.Equal(t, 2, status.PlanVersion)
	assert.Equal(t, []engine.Decision{engine.DecisionReplan, engine.DecisionContinue}, status.Decisions["gate"])
	assert.Equal(t, int32(0), extraRuns.Load())

	obs, err := f.store.Observations("brief-1", "extra")
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestRun_SlowFailureAfterCommitTriggersReplay(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "s1", Op: "derive", Consumes: []string{"seed"}, Produces: "a"},
		{StepID: "s2", Op: "publish", Consumes: []string{"a"}, Produces: "b",
			HasSideEffect: true, CompensationRef: "unpublish"},
	}

	// Fail s1's first slow check, but only after s2's check is in flight,
	// so the replay finds s2 already committed downstream.
	s2Seen := make(chan struct{})
	var s2Once sync.Once
	var s1Checks atomic.Int32
	ground := verify.GroundTruthFunc(func(_ context.Context, contract *engine.ActionContract, _ engine.Observation) (bool, float64, string, error) {
		switch contract.StepID {
		case "s2":
			s2Once.Do(func() { close(s2Seen) })
			return true, 0, "", nil
		case "s1":
			if s1Checks.Add(1) == 1 {
				<-s2Seen
				return false, 0.9, "ground truth diverged", nil
			}
			return true, 0, "", nil
		}
		return true, 0, "", nil
	})

	f := newFixture(t, steps, ground, Config{Optimistic: true, RetroWorkers: 2})
	f.ops.Register("derive", echoOp("derived"))
	f.ops.Register("publish", echoOp("published"))

	var compensations atomic.Int32
	f.ops.Register("unpublish", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		compensations.Add(1)
		return "undone", nil
	})

	handle := submitAndWait(t, f, testBrief())

	status := handle.Status()
	assert.Equal(t, StateCommitted, status.State)
	assert.Equal(t, 1, status.Replays)
	assert.Equal(t, int32(1), compensations.Load())

	// Both steps re-executed: two observations each.
	for _, stepID := range []string{"s1", "s2"} {
		obs, err := f.store.Observations("brief-1", stepID)
		require.NoError(t, err)
		assert.Len(t, obs, 2, "step %s", stepID)
	}

	// The re-derived artifacts carry a second generation in the lineage.
	nodes, err := f.store.LineageNodes("brief-1")
	require.NoError(t, err)
	generations := make(map[string]int)
	for _, node := range nodes {
		if node.ProducingStepID != "" {
			generations[node.ProducingStepID] = node.Generation
		}
	}
	assert.Equal(t, 2, generations["s1"])
	assert.Equal(t, 2, generations["s2"])
}

func TestRun_PromotionGateBlocksSideEffectUntilSlowPasses(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "s1", Op: "derive", Consumes: []string{"seed"}, Produces: "a"},
		{StepID: "s2", Op: "publish", Consumes: []string{"a"}, Produces: "b",
			HasSideEffect: true, CompensationRef: "unpublish"},
	}

	release := make(chan struct{})
	ground := verify.GroundTruthFunc(func(_ context.Context, contract *engine.ActionContract, _ engine.Observation) (bool, float64, string, error) {
		if contract.StepID == "s1" {
			<-release
		}
		return true, 0, "", nil
	})

	f := newFixture(t, steps, ground, Config{})
	f.ops.Register("derive", echoOp("derived"))

	var published atomic.Int32
	f.ops.Register("publish", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		published.Add(1)
		return "published", nil
	})
	f.ops.Register("unpublish", echoOp("undone"))

	handle, err := f.coord.Submit(context.Background(), testBrief())
	require.NoError(t, err)

	// While s1's slow check is outstanding the gate must hold.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), published.Load())
	assert.Equal(t, engine.StepGated, handle.Status().StepStates["s2"])

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
	assert.Equal(t, int32(1), published.Load())
	assert.Equal(t, StateCommitted, handle.Status().State)
}

func TestRun_AlternateOpAfterExhaustion(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "s1", Op: "primary", Consumes: []string{"seed"}, Produces: "out", AlternateOp: "fallback"},
	}
	f := newFixture(t, steps, passAll, Config{RetryBudget: 1})
	f.ops.Register("primary", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		return "", errors.New("primary permanently broken")
	})
	f.ops.Register("fallback", echoOp("recovered"))

	handle := submitAndWait(t, f, testBrief())

	status := handle.Status()
	assert.Equal(t, StateCommitted, status.State)
	assert.Equal(t, []engine.Decision{engine.DecisionAlternate, engine.DecisionContinue}, status.Decisions["s1"])
	assert.Equal(t, 2, status.PlanVersion)
}

func TestRun_EscalationBlocksUntilResolved(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "deploy", Op: "push", Consumes: []string{"seed"}, Produces: "out",
			HasSideEffect: true, CompensationRef: "unpush"},
	}
	f := newFixture(t, steps, passAll, Config{RetryBudget: 1, Optimistic: true})

	var calls atomic.Int32
	f.ops.Register("push", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("target rejected payload")
		}
		return "pushed", nil
	})
	f.ops.Register("unpush", echoOp("undone"))

	handle, err := f.coord.Submit(context.Background(), testBrief())
	require.NoError(t, err)

	// Wait until the S4 ticket shows up.
	var ticket engine.EscalationTicket
	require.Eventually(t, func() bool {
		pending := handle.Status().PendingEscalations
		if len(pending) != 1 {
			return false
		}
		ticket = pending[0]
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, engine.SeverityS4, ticket.Severity)
	assert.Equal(t, StateBlocked, handle.Status().State)

	require.NoError(t, f.coord.Resolve(ticket.ID, engine.ResolutionHumanResolved, "verified by operator"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
	assert.Equal(t, StateCommitted, handle.Status().State)

	stored, err := f.store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ResolutionHumanResolved, stored.Resolution)
}

func TestRun_AutoResolutionPolicyUnblocks(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "deploy", Op: "push", Consumes: []string{"seed"}, Produces: "out",
			HasSideEffect: true, CompensationRef: "unpush"},
	}
	f := newFixture(t, steps, passAll, Config{RetryBudget: 1, Optimistic: true})

	resolver := escalate.NewAutoResolver()
	resolver.AddPolicy("retry_deploys.rego", `package retrograph.escalation

import rego.v1

resolve contains msg if {
	input.step_id == "deploy"
	msg := "deploys are safe to re-run"
}
`)
	f.coord.resolver = resolver

	var calls atomic.Int32
	f.ops.Register("push", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("target rejected payload")
		}
		return "pushed", nil
	})
	f.ops.Register("unpush", echoOp("undone"))

	handle := submitAndWait(t, f, testBrief())
	assert.Equal(t, StateCommitted, handle.Status().State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_ReplanChainDepthCapped(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "s1", Op: "derive", Consumes: []string{"seed"}, Produces: "out"},
	}
	f := newFixture(t, steps, passAll, Config{RetryBudget: 1, MaxChainDepth: 3})
	f.ops.Register("derive", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		return "", errors.New("always fails")
	})

	handle, err := f.coord.Submit(context.Background(), testBrief())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = handle.Wait(ctx)
	require.Error(t, err)

	var violation *engine.ContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "max depth")
	assert.Equal(t, StateFailed, handle.Status().State)
}

func TestRun_CancellationCompensatesVisibleSideEffects(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "s1", Op: "publish", Consumes: []string{"seed"}, Produces: "a",
			HasSideEffect: true, CompensationRef: "unpublish"},
		{StepID: "s2", Op: "hang", Consumes: []string{"a"}, Produces: "b"},
	}
	f := newFixture(t, steps, passAll, Config{Optimistic: true})
	f.ops.Register("publish", echoOp("published"))

	var compensations atomic.Int32
	f.ops.Register("unpublish", func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		compensations.Add(1)
		return "undone", nil
	})

	started := make(chan struct{})
	var once sync.Once
	f.ops.Register("hang", func(ctx context.Context, _ map[string]string, _ map[string]engine.Artifact) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	})

	handle, err := f.coord.Submit(context.Background(), testBrief())
	require.NoError(t, err)

	<-started
	handle.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = handle.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, handle.Status().State)
	assert.Equal(t, int32(1), compensations.Load())
}

func TestSubmit_RejectsInvalidBrief(t *testing.T) {
	f := newFixture(t, chainSteps(), passAll, Config{})
	_, err := f.coord.Submit(context.Background(), &engine.TaskBrief{ID: "b", Objective: ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid brief")
}

func TestSubmit_InfeasibleBriefFailsWithPlanningError(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "s1", Op: "derive", Produces: "out", CostEstimateUSD: 10},
	}
	f := newFixture(t, steps, passAll, Config{})

	brief := testBrief()
	brief.Constraints.MaxCostUSD = 1

	handle, err := f.coord.Submit(context.Background(), brief)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = handle.Wait(ctx)

	var perr *engine.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateFailed, handle.Status().State)
}

func TestRun_IndependentStepsRunConcurrently(t *testing.T) {
	steps := []planner.StepTemplate{
		{StepID: "left", Op: "slow-left", Consumes: []string{"seed"}, Produces: "a"},
		{StepID: "right", Op: "slow-right", Consumes: []string{"seed"}, Produces: "b"},
		{StepID: "join", Op: "join", Consumes: []string{"a", "b"}, Produces: "c"},
	}
	f := newFixture(t, steps, passAll, Config{ExecWorkers: 2})

	var running, peak atomic.Int32
	slowOp := func(context.Context, map[string]string, map[string]engine.Artifact) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return "done", nil
	}
	f.ops.Register("slow-left", slowOp)
	f.ops.Register("slow-right", slowOp)
	f.ops.Register("join", func(_ context.Context, _ map[string]string, b map[string]engine.Artifact) (string, error) {
		return fmt.Sprintf("%s+%s", b["a"].Payload, b["b"].Payload), nil
	})

	handle := submitAndWait(t, f, testBrief())
	assert.Equal(t, StateCommitted, handle.Status().State)
	assert.Equal(t, int32(2), peak.Load())
}
