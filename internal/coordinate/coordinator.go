package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/retrograph/retrograph/internal/engine"
	"github.com/retrograph/retrograph/internal/escalate"
	"github.com/retrograph/retrograph/internal/executor"
	"github.com/retrograph/retrograph/internal/lineage"
	"github.com/retrograph/retrograph/internal/planner"
	"github.com/retrograph/retrograph/internal/telemetry"
	"github.com/retrograph/retrograph/internal/verify"
	"github.com/retrograph/retrograph/store"
)

// Config bounds the coordinator's resource use. Zero values take defaults.
type Config struct {
	ExecWorkers   int           // execution pool size per brief
	RetroWorkers  int           // slow-path verification pool size per brief
	RetryBudget   int           // default attempts per step when a contract declares none
	RetryDelay    time.Duration // base wait before a retry attempt, scaled by attempt number
	MaxChainDepth int           // cap on plan revision chain length
	Optimistic    bool          // promotion gates advisory instead of blocking
}

func (c Config) withDefaults() Config {
	if c.ExecWorkers < 1 {
		c.ExecWorkers = 4
	}
	if c.RetroWorkers < 1 {
		c.RetroWorkers = 2
	}
	if c.RetryBudget < 1 {
		c.RetryBudget = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxChainDepth < 1 {
		c.MaxChainDepth = 16
	}
	return c
}

// Deps are the coordinator's collaborators. All are required except
// Resolver and Telemetry, which default to inert implementations.
type Deps struct {
	Planner     planner.Planner
	Executor    *executor.Executor
	GroundTruth verify.GroundTruth
	Store       store.RunStore
	Book        *escalate.TicketBook
	Resolver    *escalate.AutoResolver
	Telemetry   telemetry.Client
	Logger      *slog.Logger
}

// Coordinator is the produced interface of the engine: submit a brief, read
// its status, cancel it, resolve its escalations. Each submitted brief runs
// its own single control-loop goroutine; step execution and slow-path
// verification are dispatched to bounded pools owned by that loop.
type Coordinator struct {
	cfg        Config
	planner    planner.Planner
	executor   *executor.Executor
	validator  *verify.ContractValidator
	ground     verify.GroundTruth
	book       *escalate.TicketBook
	router     *escalate.Router
	controller *Controller
	resolver   *escalate.AutoResolver
	store      store.RunStore
	telemetry  telemetry.Client
	logger     *slog.Logger
	briefCheck *validator.Validate

	mu      sync.Mutex
	handles map[string]*TaskHandle
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewNoopClient()
	}
	if deps.Resolver == nil {
		deps.Resolver = escalate.NewAutoResolver()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	router := escalate.NewRouter(deps.Book)
	return &Coordinator{
		cfg:        cfg,
		planner:    deps.Planner,
		executor:   deps.Executor,
		validator:  verify.NewContractValidator(),
		ground:     deps.GroundTruth,
		book:       deps.Book,
		router:     router,
		controller: NewController(router, cfg.RetryBudget),
		resolver:   deps.Resolver,
		store:      deps.Store,
		telemetry:  deps.Telemetry,
		logger:     deps.Logger,
		briefCheck: validator.New(),
		handles:    make(map[string]*TaskHandle),
	}
}

// Submit validates and persists the brief, then starts its control loop.
// The brief is immutable from here on.
func (c *Coordinator) Submit(ctx context.Context, brief *engine.TaskBrief) (*TaskHandle, error) {
	if err := c.briefCheck.Struct(brief); err != nil {
		return nil, fmt.Errorf("invalid brief: %w", err)
	}
	if err := c.store.SaveBrief(brief); err != nil {
		return nil, fmt.Errorf("persist brief: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := newTaskHandle(brief.ID, cancel)

	c.mu.Lock()
	c.handles[brief.ID] = handle
	c.mu.Unlock()

	c.telemetry.Track(telemetry.EventBriefSubmitted, telemetry.Properties{
		"inputs":     len(brief.Inputs),
		"optimistic": brief.Constraints.Optimistic || c.cfg.Optimistic,
	})

	go c.run(runCtx, handle, brief)
	return handle, nil
}

// Cancel cancels the run for a brief ID, if it is still active.
func (c *Coordinator) Cancel(briefID string) {
	c.mu.Lock()
	handle, ok := c.handles[briefID]
	c.mu.Unlock()
	if ok {
		handle.Cancel()
	}
}

// Handle returns the handle for an active or finished brief.
func (c *Coordinator) Handle(briefID string) (*TaskHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[briefID]
	return h, ok
}

// Resolve marks a ticket resolved and wakes every run loop so a blocked
// step can re-dispatch. Implements escalate.Resolver, so the fsnotify
// watcher can feed human resolutions straight into running briefs.
func (c *Coordinator) Resolve(ticketID string, how engine.Resolution, note string) error {
	if err := c.book.Resolve(ticketID, how, note); err != nil {
		return err
	}
	c.mu.Lock()
	for _, h := range c.handles {
		h.wake()
	}
	c.mu.Unlock()
	return nil
}

// stepOutcome carries one execution attempt back into the control loop.
type stepOutcome struct {
	contract engine.ActionContract
	obs      engine.Observation
	execErr  error
}

// briefRun is the mutable state of one control loop. Only the loop
// goroutine touches it.
type briefRun struct {
	c      *Coordinator
	handle *TaskHandle
	brief  *engine.TaskBrief

	patcher  *planner.PlanPatcher
	graph    *lineage.Graph
	replayer *lineage.ReplayManager
	retro    *verify.RetrospectRunner

	artifacts map[string]engine.Artifact
	states    map[string]engine.StepState
	attempts  map[string]int
	decisions map[string][]engine.Decision

	slowPending map[string]int  // stepID -> outstanding slow checks
	slowPassed  map[string]bool // stepID -> latest slow result passed
	ticketSteps map[string]string
	ranEffect   map[string]bool // side-effecting steps that executed successfully

	optimistic bool
	replays    int
	inflight   int
	sem        chan struct{}
	outcomes   chan stepOutcome
}

func (c *Coordinator) run(ctx context.Context, handle *TaskHandle, brief *engine.TaskBrief) {
	r := &briefRun{
		c:           c,
		handle:      handle,
		brief:       brief,
		graph:       lineage.NewGraph(),
		retro:       verify.NewRetrospectRunner(c.ground, c.cfg.RetroWorkers),
		artifacts:   make(map[string]engine.Artifact),
		states:      make(map[string]engine.StepState),
		attempts:    make(map[string]int),
		decisions:   make(map[string][]engine.Decision),
		slowPending: make(map[string]int),
		slowPassed:  make(map[string]bool),
		ticketSteps: make(map[string]string),
		ranEffect:   make(map[string]bool),
		optimistic:  brief.Constraints.Optimistic || c.cfg.Optimistic,
		sem:         make(chan struct{}, c.cfg.ExecWorkers),
		outcomes:    make(chan stepOutcome, c.cfg.ExecWorkers),
	}
	r.replayer = lineage.NewReplayManager(r.graph, c.executor)

	for name, value := range brief.Inputs {
		r.artifacts[name] = engine.Artifact{Name: name, Digest: engine.DigestString(value), Payload: value}
	}

	plan, err := c.planner.Propose(ctx, brief)
	if err != nil {
		// PlanningError is fatal and never retried.
		c.telemetry.Track(telemetry.EventBriefFailed, telemetry.Properties{"stage": "planning"})
		handle.finish(Status{State: StateFailed}, err)
		return
	}
	r.patcher = planner.NewPlanPatcher(plan)
	if err := c.store.SavePlan(plan); err != nil {
		handle.finish(Status{State: StateFailed}, fmt.Errorf("persist plan: %w", err))
		return
	}
	for _, contract := range plan.Contracts {
		r.states[contract.StepID] = engine.StepPending
	}

	err = r.loop(ctx)
	r.retro.Wait()

	switch {
	case err == nil:
		c.telemetry.Track(telemetry.EventBriefCommitted, telemetry.Properties{
			"plan_versions": len(r.patcher.History()),
			"replays":       r.replays,
		})
		handle.finish(r.snapshot(StateCommitted), nil)
	case errors.Is(err, context.Canceled):
		c.telemetry.Track(telemetry.EventBriefCancelled, nil)
		handle.finish(r.snapshot(StateCancelled), err)
	default:
		c.telemetry.Track(telemetry.EventBriefFailed, telemetry.Properties{"stage": "execution"})
		handle.finish(r.snapshot(StateFailed), err)
	}
}

// loop is the single control goroutine per brief. It alternates between
// dispatching every ready step and consuming one event: an observation, a
// slow-path result, a ticket resolution, or cancellation.
func (r *briefRun) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			r.drain()
			r.compensateVisible(ctx)
			return err
		}

		if err := r.dispatchReady(ctx); err != nil {
			r.drain()
			return err
		}

		if r.terminal() {
			return nil
		}
		r.publishStatus()

		if r.inflight == 0 && r.totalSlowPending() == 0 && len(r.ticketSteps) == 0 {
			return fmt.Errorf("run stalled: no runnable steps, nothing in flight, no pending escalations")
		}

		select {
		case out := <-r.outcomes:
			r.inflight--
			if err := r.handleOutcome(ctx, out); err != nil {
				r.drain()
				return err
			}
		case result := <-r.retro.Results():
			if err := r.handleSlowResult(ctx, result); err != nil {
				r.drain()
				return err
			}
		case <-r.handle.notify:
			r.handleResolutions()
		case <-ctx.Done():
			r.drain()
			r.compensateVisible(ctx)
			return ctx.Err()
		}
	}
}

// dispatchReady sends every runnable step to the execution pool. A step is
// runnable when it is pending, unblocked by tickets, all producer steps of
// its consumed artifacts are committed, and (for side-effecting steps in
// non-optimistic mode) its promotion gate is clear. A precondition failure
// revises the plan mid-pass; dispatch then restarts against the revised
// version so no step runs under a superseded contract.
func (r *briefRun) dispatchReady(ctx context.Context) error {
	for {
		plan := r.patcher.Current()
		revised := false
		for i := range plan.Contracts {
			contract := plan.Contracts[i]
			stepID := contract.StepID

			switch r.states[stepID] {
			case engine.StepPending, engine.StepRePending, engine.StepGated:
			default:
				continue
			}
			if r.blockedByTicket(stepID) {
				continue
			}
			if !r.depsCommitted(plan, stepID) {
				continue
			}

			bindings, ok := r.bindingsFor(&contract)
			if !ok {
				continue
			}

			if pass, reason := r.c.validator.CheckPreconditions(&contract, bindings); !pass {
				// Retrying cannot fix a bad input artifact; this needs a revision.
				r.decisions[stepID] = append(r.decisions[stepID], engine.DecisionReplan)
				if err := r.replan(ctx, stepID, fmt.Sprintf("step %s precondition failed: %s", stepID, reason)); err != nil {
					return err
				}
				revised = true
				break
			}

			if contract.HasSideEffect && !r.gateClear(plan, stepID) {
				if !r.optimistic {
					r.states[stepID] = engine.StepGated
					continue
				}
				r.c.logger.Warn("promotion gate bypassed in optimistic mode",
					"brief", r.brief.ID, "step", stepID)
			}
			if contract.HasSideEffect {
				r.states[stepID] = engine.StepPromoted
			}

			r.attempts[stepID]++
			r.states[stepID] = engine.StepRunning
			r.inflight++

			go func(c engine.ActionContract, b map[string]engine.Artifact, attempt int) {
				if attempt > 1 {
					// Linear backoff between attempts of the same step. The
					// wait lives out here so the control loop keeps draining
					// events and no pool slot is held idle.
					select {
					case <-time.After(r.c.cfg.RetryDelay * time.Duration(attempt-1)):
					case <-ctx.Done():
					}
				}
				r.sem <- struct{}{}
				defer func() { <-r.sem }()
				obs, err := r.c.executor.Execute(ctx, &c, b, attempt)
				r.outcomes <- stepOutcome{contract: c, obs: obs, execErr: err}
			}(contract, bindings, r.attempts[stepID])
		}
		if !revised {
			return nil
		}
	}
}

func (r *briefRun) handleOutcome(ctx context.Context, out stepOutcome) error {
	stepID := out.contract.StepID

	if out.execErr != nil {
		// Malformed invocation: no observation exists. Never ignored.
		var violation *engine.ContractViolation
		if errors.As(out.execErr, &violation) {
			return r.handleViolation(ctx, &out.contract, violation)
		}
		return out.execErr
	}

	r.states[stepID] = engine.StepObserved
	if err := r.c.store.AppendObservation(r.brief.ID, out.obs); err != nil {
		return fmt.Errorf("persist observation: %w", err)
	}

	fast := r.c.validator.Check(&out.contract, out.obs)
	if err := r.c.store.AppendVerification(r.brief.ID, fast); err != nil {
		return fmt.Errorf("persist verification: %w", err)
	}

	if out.contract.HasSideEffect && out.obs.Status == engine.ObservationSuccess {
		r.ranEffect[stepID] = true
	}

	verdict := r.c.controller.Decide(&out.contract, out.obs, fast)
	r.decisions[stepID] = append(r.decisions[stepID], verdict.Decision)
	r.c.logger.Debug("decision", "brief", r.brief.ID, "step", stepID,
		"attempt", out.obs.Attempt, "decision", verdict.Decision)

	switch verdict.Decision {
	case engine.DecisionContinue:
		return r.commit(ctx, &out.contract, out.obs)

	case engine.DecisionRetry:
		r.states[stepID] = engine.StepPending
		return nil

	case engine.DecisionAlternate:
		return r.swapAlternate(&out.contract, verdict.Reason)

	case engine.DecisionReplan:
		if err := r.replan(ctx, stepID, fmt.Sprintf("step %s exhausted retries: %s", stepID, verdict.Reason)); err != nil {
			return err
		}
		// The S3 ticket is an audit record; a successful revision closes it.
		r.closeAuditTicket(verdict.Ticket)
		return nil

	case engine.DecisionEscalate:
		return r.escalateStep(ctx, stepID, verdict.Ticket)
	}
	return fmt.Errorf("unknown decision %q", verdict.Decision)
}

// commit records lineage, publishes the artifact, marks the step committed,
// and schedules the slow-path cross-check.
func (r *briefRun) commit(ctx context.Context, contract *engine.ActionContract, obs engine.Observation) error {
	stepID := contract.StepID

	r.states[stepID] = engine.StepFastVerified

	inputDigests := make([]string, 0, len(contract.Consumes))
	for _, name := range contract.Consumes {
		inputDigests = append(inputDigests, r.artifacts[name].Digest)
	}
	if err := r.graph.Record(stepID, inputDigests, obs.OutputsDigest); err != nil {
		return fmt.Errorf("record lineage: %w", err)
	}
	r.persistLineage()

	r.artifacts[contract.Produces] = engine.Artifact{
		Name:    contract.Produces,
		Digest:  obs.OutputsDigest,
		Payload: obs.Payload,
	}
	r.states[stepID] = engine.StepCommitted

	r.slowPending[stepID]++
	r.retro.Schedule(ctx, contract, obs)
	return nil
}

// swapAlternate patches the plan so the failing step runs its declared
// alternate op, and queues the step for a fresh set of attempts.
func (r *briefRun) swapAlternate(contract *engine.ActionContract, reason string) error {
	revised := *contract
	revised.Op = contract.AlternateOp
	revised.AlternateOp = ""
	revised.Version = contract.Version + 1

	next, err := r.patcher.Apply(&engine.PlanPatch{
		BaseVersion: r.patcher.Current().Version,
		Modify:      []engine.ActionContract{revised},
		Reason:      fmt.Sprintf("alternate for step %s: %s", contract.StepID, reason),
	})
	if err != nil {
		return fmt.Errorf("apply alternate patch: %w", err)
	}
	if err := r.c.store.SavePlan(next); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}

	r.states[contract.StepID] = engine.StepPending
	r.attempts[contract.StepID] = 0
	return nil
}

// replan asks the planner for a revision and applies it, re-deriving the
// patch when the base version went stale underneath it. When the planner
// cannot produce a revision, the failure escalates instead.
func (r *briefRun) replan(ctx context.Context, stepID, reason string) error {
	if r.patcher.Current().Version >= r.c.cfg.MaxChainDepth {
		return &engine.ContractViolation{
			StepID: stepID,
			Reason: fmt.Sprintf("revision chain exceeds max depth %d", r.c.cfg.MaxChainDepth),
		}
	}

	for {
		patch, err := r.c.planner.Revise(ctx, r.patcher.Current(), reason)
		if err != nil {
			r.c.logger.Warn("revision unavailable, escalating",
				"brief", r.brief.ID, "step", stepID, "error", err)
			_, ticket := r.c.router.Route(escalate.ClassifyInput{
				Result:           engine.VerificationResult{StepID: stepID, Phase: engine.PhaseFast, Reason: reason},
				Observation:      engine.Observation{StepID: stepID},
				RetriesExhausted: true,
			})
			return r.escalateStep(ctx, stepID, ticket)
		}

		_, err = r.patcher.Apply(patch)
		if err == nil {
			break
		}
		var stale *engine.StaleVersionError
		if errors.As(err, &stale) {
			// Version moved underneath us: re-derive against the latest.
			continue
		}
		return fmt.Errorf("apply revision: %w", err)
	}

	next := r.patcher.Current()
	if err := r.c.store.SavePlan(next); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}
	r.c.telemetry.Track(telemetry.EventPlanRevised, telemetry.Properties{"version": next.Version})

	r.states[stepID] = engine.StepRePending
	r.attempts[stepID] = 0
	// Steps added by the revision start pending.
	for _, contract := range next.Contracts {
		if _, ok := r.states[contract.StepID]; !ok {
			r.states[contract.StepID] = engine.StepPending
		}
	}
	return nil
}

// escalateStep blocks the step behind its ticket, then gives the policy
// engine a chance to resolve it without a human.
func (r *briefRun) escalateStep(ctx context.Context, stepID string, ticket *engine.EscalationTicket) error {
	if ticket == nil {
		return fmt.Errorf("escalation without ticket for step %s", stepID)
	}
	r.ticketSteps[ticket.ID] = stepID
	r.persistTicket(ticket)

	resolved, reason, err := r.c.resolver.Evaluate(ctx, *ticket)
	if err != nil {
		r.c.logger.Warn("auto-resolution policy error", "ticket", ticket.ID, "error", err)
	} else if resolved {
		if err := r.c.book.Resolve(ticket.ID, engine.ResolutionAutoResolved, reason); err == nil {
			r.handleResolutions()
			return nil
		}
	}

	r.c.telemetry.Track(telemetry.EventEscalationRaised, telemetry.Properties{
		"severity": string(ticket.Severity),
	})
	r.c.logger.Info("escalation raised", "brief", r.brief.ID, "step", stepID,
		"ticket", ticket.ID, "severity", ticket.Severity)
	return nil
}

func (r *briefRun) handleViolation(ctx context.Context, contract *engine.ActionContract, violation *engine.ContractViolation) error {
	stepID := contract.StepID
	severity, ticket := r.c.router.Route(escalate.ClassifyInput{
		Result:            engine.VerificationResult{StepID: stepID, Phase: engine.PhaseFast, Reason: violation.Reason},
		Observation:       engine.Observation{StepID: stepID},
		RetriesExhausted:  true,
		SideEffectVisible: r.ranEffect[stepID],
	})
	if severity == engine.SeverityS4 {
		r.decisions[stepID] = append(r.decisions[stepID], engine.DecisionEscalate)
		return r.escalateStep(ctx, stepID, ticket)
	}
	r.decisions[stepID] = append(r.decisions[stepID], engine.DecisionReplan)
	if err := r.replan(ctx, stepID, fmt.Sprintf("step %s contract violation: %s", stepID, violation.Reason)); err != nil {
		return err
	}
	r.closeAuditTicket(ticket)
	return nil
}

// handleSlowResult feeds a slow-path verification back in. Passing results
// clear promotion gates; failing results trigger the replay path on the
// artifact's consumers.
func (r *briefRun) handleSlowResult(ctx context.Context, result engine.VerificationResult) error {
	if r.slowPending[result.StepID] > 0 {
		r.slowPending[result.StepID]--
		if r.slowPending[result.StepID] == 0 {
			delete(r.slowPending, result.StepID)
		}
	}
	if err := r.c.store.AppendVerification(r.brief.ID, result); err != nil {
		return fmt.Errorf("persist verification: %w", err)
	}

	if result.Passed {
		r.slowPassed[result.StepID] = true
		return nil
	}

	// ValidationDrift: a first-class result, not an exception.
	r.c.logger.Info("retrospective failure", "brief", r.brief.ID,
		"step", result.StepID, "drift", result.DriftScore, "reason", result.Reason)
	delete(r.slowPassed, result.StepID)

	if result.ObservedDigest == "" {
		return nil
	}

	request, err := r.replayer.HandleFailure(ctx, r.patcher.Current(), result.ObservedDigest, result.Reason)
	if err != nil {
		return fmt.Errorf("replay after drift on step %s: %w", result.StepID, err)
	}
	r.persistLineage()
	r.replays++
	r.c.telemetry.Track(telemetry.EventReplayTriggered, telemetry.Properties{
		"affected": len(request.AffectedStepIDs),
	})

	for _, stepID := range request.AffectedStepIDs {
		r.states[stepID] = engine.StepRePending
		r.attempts[stepID] = 0
		delete(r.slowPassed, stepID)
	}
	return nil
}

// handleResolutions re-dispatches steps whose tickets got resolved.
func (r *briefRun) handleResolutions() {
	for ticketID, stepID := range r.ticketSteps {
		ticket, ok := r.c.book.Get(ticketID)
		if !ok || ticket.Resolution == engine.ResolutionPending {
			continue
		}
		r.persistTicket(&ticket)
		delete(r.ticketSteps, ticketID)
		r.states[stepID] = engine.StepRePending
		r.attempts[stepID] = 0
	}
}

// compensateVisible runs compensation for every side-effecting step that
// executed, before cancellation completes. The cancelled context must not
// abort the undo work.
func (r *briefRun) compensateVisible(ctx context.Context) {
	undoCtx := context.WithoutCancel(ctx)
	plan := r.patcher.Current()
	for stepID := range r.ranEffect {
		contract, ok := plan.Contract(stepID)
		if !ok {
			continue
		}
		if err := r.c.executor.Compensate(undoCtx, contract); err != nil {
			r.c.logger.Error("compensation during cancellation failed",
				"brief", r.brief.ID, "step", stepID, "error", err)
		}
	}
}

// drain consumes outstanding execution outcomes so worker goroutines can
// exit. Outcomes are recorded but no longer drive decisions.
func (r *briefRun) drain() {
	for r.inflight > 0 {
		out := <-r.outcomes
		r.inflight--
		if out.execErr == nil {
			_ = r.c.store.AppendObservation(r.brief.ID, out.obs)
		}
	}
}

// closeAuditTicket resolves a ticket that recorded a failure the engine
// already remediated on its own.
func (r *briefRun) closeAuditTicket(ticket *engine.EscalationTicket) {
	if ticket == nil {
		return
	}
	if err := r.c.book.Resolve(ticket.ID, engine.ResolutionAutoResolved, "plan revised"); err != nil {
		r.c.logger.Warn("close audit ticket", "ticket", ticket.ID, "error", err)
	}
	if updated, ok := r.c.book.Get(ticket.ID); ok {
		r.persistTicket(&updated)
	}
}

func (r *briefRun) blockedByTicket(stepID string) bool {
	for _, blocked := range r.ticketSteps {
		if blocked == stepID {
			return true
		}
	}
	return false
}

func (r *briefRun) depsCommitted(plan *engine.Plan, stepID string) bool {
	for _, dep := range plan.DependenciesOf(stepID) {
		if r.states[dep] != engine.StepCommitted {
			return false
		}
	}
	return true
}

func (r *briefRun) bindingsFor(contract *engine.ActionContract) (map[string]engine.Artifact, bool) {
	bindings := make(map[string]engine.Artifact, len(contract.Consumes))
	for _, name := range contract.Consumes {
		artifact, ok := r.artifacts[name]
		if !ok {
			return nil, false
		}
		bindings[name] = artifact
	}
	return bindings, true
}

// gateClear reports whether every step the given step transitively depends
// on has a passing slow-path result with none outstanding.
func (r *briefRun) gateClear(plan *engine.Plan, stepID string) bool {
	seen := make(map[string]bool)
	queue := plan.DependenciesOf(stepID)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if !r.slowPassed[dep] || r.slowPending[dep] > 0 {
			return false
		}
		queue = append(queue, plan.DependenciesOf(dep)...)
	}
	return true
}

// terminal reports whether the brief is satisfied: every leaf of the
// current plan committed, no slow checks outstanding, no open tickets.
func (r *briefRun) terminal() bool {
	plan := r.patcher.Current()
	leaves := plan.Leaves()
	if len(leaves) == 0 {
		return false
	}
	for _, leaf := range leaves {
		if r.states[leaf] != engine.StepCommitted {
			return false
		}
	}
	return r.totalSlowPending() == 0 && len(r.ticketSteps) == 0
}

func (r *briefRun) totalSlowPending() int {
	total := 0
	for _, n := range r.slowPending {
		total += n
	}
	return total
}

func (r *briefRun) persistTicket(ticket *engine.EscalationTicket) {
	if ticket == nil {
		return
	}
	if err := r.c.store.SaveTicket(r.brief.ID, *ticket); err != nil {
		r.c.logger.Error("persist ticket", "ticket", ticket.ID, "error", err)
	}
}

func (r *briefRun) persistLineage() {
	for _, node := range r.graph.Nodes() {
		if err := r.c.store.SaveLineageNode(r.brief.ID, node); err != nil {
			r.c.logger.Error("persist lineage node", "digest", node.ArtifactDigest, "error", err)
			return
		}
	}
}

func (r *briefRun) publishStatus() {
	state := StateRunning
	if len(r.ticketSteps) > 0 {
		state = StateBlocked
	}
	r.handle.setStatus(r.snapshot(state))
}

func (r *briefRun) snapshot(state BriefState) Status {
	states := make(map[string]engine.StepState, len(r.states))
	for id, st := range r.states {
		states[id] = st
	}
	decisions := make(map[string][]engine.Decision, len(r.decisions))
	for id, seq := range r.decisions {
		decisions[id] = append([]engine.Decision(nil), seq...)
	}

	var pending []engine.EscalationTicket
	for ticketID := range r.ticketSteps {
		if ticket, ok := r.c.book.Get(ticketID); ok && ticket.Resolution == engine.ResolutionPending {
			pending = append(pending, ticket)
		}
	}

	version := 0
	if r.patcher != nil {
		version = r.patcher.Current().Version
	}

	return Status{
		State:              state,
		PlanVersion:        version,
		StepStates:         states,
		CommittedSteps:     sortedStepIDs(states, engine.StepCommitted),
		Decisions:          decisions,
		PendingEscalations: pending,
		Replays:            r.replays,
	}
}
