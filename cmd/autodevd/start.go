package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/gateway"
	"github.com/fyrsmithlabs/autodevd/internal/orchestrator"
	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/runtime"
	"github.com/fyrsmithlabs/autodevd/internal/session"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

var (
	startProject string
	startMode    string
	startName    string
	startWorkDir string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a project's phases to completion",
	Long: `Run the remaining phases of a project in order. Completed phases
are skipped, so re-running a failed project resumes at the phase that
failed. On success the project is handed to the evolution scheduler.

Examples:
  autodevd start --project shop --mode genesis
  autodevd start --project legacy-crm --mode phoenix --workdir ~/src/crm`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startProject, "project", "", "project id (required)")
	startCmd.Flags().StringVar(&startMode, "mode", "", "project mode: genesis, phoenix, or saas")
	startCmd.Flags().StringVar(&startName, "name", "", "human-readable project name (defaults to the id)")
	startCmd.Flags().StringVar(&startWorkDir, "workdir", "", "project working directory (defaults to the current directory)")
	_ = startCmd.MarkFlagRequired("project")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := config.EnsureStateDir(cfg); err != nil {
		return err
	}
	st, err := store.New(cfg.State.Root, logger)
	if err != nil {
		return err
	}

	project, mode, err := resolveProject(st, logger)
	if err != nil {
		return err
	}
	plan, err := orchestrator.PlanForMode(mode)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{
		DefaultTimeout: cfg.Gateway.DefaultTimeout.Duration(),
		RatePerSecond:  cfg.Gateway.RatePerSecond,
		Burst:          cfg.Gateway.Burst,
	}, storeRecorder{store: st, fallback: project.ID}, logger)
	gw.RegisterFromConfig(cfg.Gateway, http.DefaultClient)

	registry := session.NewRegistry(st, logger)
	if recs, err := st.LoadSessions(project.ID); err == nil {
		registry.Restore(recs)
	}

	var bus *events.Bus
	var bridge *runtime.Bridge
	if cfg.Events.Enabled {
		nc, err := nats.Connect(cfg.Events.URL, nats.Name("autodevd-start"))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer nc.Close()
		bus = events.NewBus(nc, logger)

		rt := router.New(router.Config{DeliveryTimeout: cfg.Router.DeliveryTimeout.Duration()}, registry, bus, logger)
		defer rt.Close()

		bridge, err = runtime.New(runtime.DefaultConfig(), nc, rt, registry, logger)
		if err != nil {
			return err
		}
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Close()
		bridge.Attach(project.ID)

		return executeRun(cmd.Context(), cfg, st, gw, registry, rt, bus, project, plan, logger)
	}

	rt := router.New(router.Config{DeliveryTimeout: cfg.Router.DeliveryTimeout.Duration()}, registry, nil, logger)
	defer rt.Close()
	return executeRun(cmd.Context(), cfg, st, gw, registry, rt, nil, project, plan, logger)
}

func resolveProject(st *store.Store, logger *zap.Logger) (store.ProjectRecord, orchestrator.Mode, error) {
	project, err := st.GetProject(startProject)
	if err == nil {
		// An existing project keeps its recorded mode.
		mode, parseErr := orchestrator.ParseMode(project.Mode)
		if parseErr != nil {
			return store.ProjectRecord{}, "", parseErr
		}
		if startMode != "" && startMode != project.Mode {
			return store.ProjectRecord{}, "", fmt.Errorf("project %s was created with mode %s", project.ID, project.Mode)
		}
		return project, mode, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ProjectRecord{}, "", err
	}

	if startMode == "" {
		return store.ProjectRecord{}, "", errors.New("--mode is required for a new project")
	}
	mode, err := orchestrator.ParseMode(startMode)
	if err != nil {
		return store.ProjectRecord{}, "", err
	}
	name := startName
	if name == "" {
		name = startProject
	}
	workDir := startWorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	project = store.ProjectRecord{
		ID:        startProject,
		Name:      name,
		Mode:      string(mode),
		WorkDir:   workDir,
		Status:    orchestrator.ProjectRunning,
		CreatedAt: time.Now(),
	}
	if err := st.SaveProject(project); err != nil {
		return store.ProjectRecord{}, "", err
	}
	logger.Info("created project",
		zap.String("project_id", project.ID),
		zap.String("mode", project.Mode),
	)
	return project, mode, nil
}

func executeRun(ctx context.Context, cfg *config.Config, st *store.Store, gw *gateway.Gateway, registry *session.Registry, rt *router.Router, bus *events.Bus, project store.ProjectRecord, plan orchestrator.Plan, logger *zap.Logger) error {
	machine, err := orchestrator.New(orchestrator.Config{
		PhaseTimeout: cfg.Engine.PhaseTimeout.Duration(),
		PollInterval: cfg.Engine.PollInterval.Duration(),
	}, st, gw, registry, rt, bus, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := machine.Run(ctx, project.ID, plan); err != nil {
		reportRunFailure(err)
		return err
	}

	// Hand the completed project to the evolution scheduler: the
	// daemon picks the persisted schedule up on its next resume.
	if err := st.SaveSchedule(store.ScheduleRecord{
		ProjectID: project.ID,
		Interval:  cfg.Evolution.Interval,
		StartedAt: time.Now(),
	}); err != nil {
		logger.Warn("failed to persist evolution schedule", zap.Error(err))
	}

	fmt.Printf("project %s completed all %d phases\n", project.ID, len(plan.Phases))
	return nil
}

// reportRunFailure prints the failing phase and the strategy-by-
// strategy cause chain.
func reportRunFailure(err error) {
	var phaseErr *orchestrator.PhaseFailedError
	if !errors.As(err, &phaseErr) {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "phase %s failed: %s\n", phaseErr.Phase, phaseErr.Cause)

	var exhausted *gateway.ExhaustedError
	if errors.As(err, &exhausted) {
		fmt.Fprintf(os.Stderr, "capability %q exhausted all strategies:\n", exhausted.Capability)
		for _, a := range exhausted.Attempts {
			fmt.Fprintf(os.Stderr, "  %d. %s: %v\n", a.Index+1, a.Strategy, a.Err)
		}
		return
	}
	if phaseErr.Err != nil {
		fmt.Fprintf(os.Stderr, "cause: %v\n", phaseErr.Err)
	}
}

// storeRecorder persists gateway invocations into the owning project's
// audit log. The project comes from the invocation context when the
// gateway is shared across projects, falling back to a fixed id for
// single-project runs.
type storeRecorder struct {
	store    *store.Store
	fallback string
}

func (r storeRecorder) Record(ctx context.Context, inv gateway.Invocation) error {
	projectID := gateway.ProjectFromContext(ctx)
	if projectID == "" {
		projectID = r.fallback
	}
	if projectID == "" {
		return nil
	}
	rec := store.InvocationRecord{
		Capability: inv.Capability,
		Outcome:    inv.Outcome,
		Duration:   config.Duration(inv.Duration),
		At:         inv.At,
	}
	for _, a := range inv.Attempts {
		attempt := store.InvocationAttempt{
			Strategy: a.Strategy,
			Index:    a.Index,
			Duration: config.Duration(a.Duration),
		}
		if a.Err != nil {
			attempt.Error = a.Err.Error()
		}
		rec.Attempts = append(rec.Attempts, attempt)
	}
	return r.store.AppendInvocation(projectID, rec)
}
