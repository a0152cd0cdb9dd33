package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/retrograph/retrograph/internal/brief"
	"github.com/retrograph/retrograph/internal/config"
	"github.com/retrograph/retrograph/internal/coordinate"
	"github.com/retrograph/retrograph/internal/engine"
	"github.com/retrograph/retrograph/internal/escalate"
	"github.com/retrograph/retrograph/internal/executor"
	"github.com/retrograph/retrograph/internal/logger"
	"github.com/retrograph/retrograph/internal/planner"
	"github.com/retrograph/retrograph/internal/telemetry"
	"github.com/retrograph/retrograph/internal/ui"
	"github.com/retrograph/retrograph/internal/verify"
)

var runOptimistic bool

var runCmd = &cobra.Command{
	Use:   "run <brief-file>",
	Short: "Submit a brief and run it to completion",
	Long: `Run loads a brief file, compiles it into a plan, and drives the plan to
a terminal state: executing steps, fast-checking outputs, cross-checking
committed results in the background, and replaying the affected subgraph
when a cross-check fails.

Escalations that need a human block the affected step. Resolve them from
another terminal with "retrograph resolve", or by dropping a
<ticket-id>.resolved file into the resolutions directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runBrief,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runOptimistic, "optimistic", false, "treat promotion gates as advisory (log instead of block)")
}

func runBrief(cmd *cobra.Command, args []string) error {
	logger.SetCommand("run")
	logger.SetVersion(version)
	cfg := GetConfig()
	logger.SetBasePath(cfg.Project.RootDir)
	log := logger.New(os.Stderr, cfg.Verbose)
	out := cmd.OutOrStdout()

	fs := afero.NewOsFs()
	bf, err := brief.Load(fs, args[0])
	if err != nil {
		return err
	}
	logger.SetLastBrief(bf.Objective)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer st.Close()

	ops := executor.NewOpSet()
	registerBuiltinOps(ops)

	queued := executor.NewQueuedBackend(ops, cfg.Engine.ExecWorkers)
	defer queued.Close()

	registry := executor.NewRegistry()
	registry.Register(engine.TransportInProcess, executor.NewInProcessBackend(ops))
	registry.Register(engine.TransportQueued, queued)
	registry.Register(engine.TransportSandboxed, executor.NewSandboxedBackend(""))

	pl, err := buildPlanner(bf)
	if err != nil {
		return err
	}

	book := escalate.NewTicketBook()
	resolver := escalate.NewAutoResolver()
	if dir := config.GetPoliciesDir(cfg); dir != "" {
		if err := resolver.LoadDir(fs, dir); err != nil {
			return fmt.Errorf("load resolution policies: %w", err)
		}
	}

	tel := newTelemetryClient(cfg)
	defer func() { _ = tel.Close() }()

	coord := coordinate.NewCoordinator(coordinate.Config{
		ExecWorkers:   cfg.Engine.ExecWorkers,
		RetroWorkers:  cfg.Engine.RetroWorkers,
		RetryBudget:   cfg.Engine.RetryBudget,
		RetryDelay:    time.Duration(cfg.Engine.RetryDelayMS) * time.Millisecond,
		MaxChainDepth: cfg.Engine.MaxChainDepth,
		Optimistic:    cfg.Engine.Optimistic || runOptimistic,
	}, coordinate.Deps{
		Planner:     pl,
		Executor:    executor.NewExecutor(registry),
		GroundTruth: verify.NewCommandCheck("", verify.IntegrityCheck{}),
		Store:       st,
		Book:        book,
		Resolver:    resolver,
		Telemetry:   tel,
		Logger:      log,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := escalate.NewResolutionWatcher(config.GetResolutionsDir(cfg), coord, log)
	if err != nil {
		return fmt.Errorf("start resolution watcher: %w", err)
	}
	go func() { _ = watcher.Run(ctx) }()

	b := bf.Brief()
	handle, err := coord.Submit(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ui.StyleSubtle.Render("brief "+b.ID))

	// Wait on a fresh context: a SIGINT cancels the run, which still has to
	// compensate visible side effects before it reports cancelled.
	runErr := handle.Wait(context.Background())
	status := handle.Status()
	renderStatus(out, b.ID, status)

	if runErr != nil {
		return fmt.Errorf("run %s: %w", status.State, runErr)
	}
	fmt.Fprintln(out, ui.StyleSuccess.Render("committed"))
	return nil
}

// buildPlanner compiles declared steps, or falls back to the generative
// planner when the brief declares none.
func buildPlanner(bf *brief.File) (planner.Planner, error) {
	if len(bf.Steps) > 0 {
		return planner.NewTemplatePlanner(bf.Steps), nil
	}
	llmCfg, err := config.LoadLLMConfig()
	if err != nil {
		return nil, fmt.Errorf("brief declares no steps and LLM planner is unavailable: %w", err)
	}
	return planner.NewLLMPlanner(llmCfg), nil
}

func newTelemetryClient(cfg *config.AppConfig) telemetry.Client {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.APIKey == "" {
		return telemetry.NewNoopClient()
	}
	client, err := telemetry.NewPostHogClient(cfg.Telemetry.APIKey, version, telemetry.Config{
		Enabled:     true,
		AnonymousID: cfg.Telemetry.AnonymousID,
	})
	if err != nil {
		return telemetry.NewNoopClient()
	}
	return client
}

// registerBuiltinOps installs the operations available to in-process and
// queued steps without user code.
func registerBuiltinOps(ops *executor.OpSet) {
	// constant emits its "value" param.
	ops.Register("constant", func(_ context.Context, params map[string]string, _ map[string]engine.Artifact) (string, error) {
		value, ok := params["value"]
		if !ok {
			return "", fmt.Errorf("constant op requires a value param")
		}
		return value, nil
	})

	// concat joins consumed payloads in artifact-name order, separated by
	// the "sep" param.
	ops.Register("concat", func(_ context.Context, params map[string]string, bindings map[string]engine.Artifact) (string, error) {
		names := make([]string, 0, len(bindings))
		for name := range bindings {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, bindings[name].Payload)
		}
		return strings.Join(parts, params["sep"]), nil
	})
}
