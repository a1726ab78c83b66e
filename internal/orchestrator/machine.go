// Package orchestrator runs a project's ordered phase plan to
// completion, persisting every phase transition so an interrupted run
// resumes at the first unfinished phase.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/gateway"
	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/session"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/autodevd/internal/orchestrator"

// Phase statuses.
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// Project statuses.
const (
	ProjectRunning   = "running"
	ProjectCompleted = "completed"
	ProjectFailed    = "failed"
)

// CauseCancelled marks a phase failed by project-level cancellation.
const CauseCancelled = "cancelled"

// Errors for machine operations.
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrPlanMismatch    = errors.New("persisted phases do not match plan")
)

// PhaseFailedError reports the phase that halted the project and the
// root cause chain.
type PhaseFailedError struct {
	Phase string
	Cause string
	Err   error
}

func (e *PhaseFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phase %s failed: %s: %v", e.Phase, e.Cause, e.Err)
	}
	return fmt.Sprintf("phase %s failed: %s", e.Phase, e.Cause)
}

func (e *PhaseFailedError) Unwrap() error { return e.Err }

// Config configures the phase state machine.
type Config struct {
	// PhaseTimeout bounds each fan-out's poll window.
	PhaseTimeout time.Duration

	// PollInterval is the mailbox polling cadence during fan-out.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PhaseTimeout: 15 * time.Minute,
		PollInterval: 500 * time.Millisecond,
	}
}

// Machine drives a project's phases in order. It is the single point
// deciding fatality: gateway exhaustion and session timeouts surface
// here and nowhere below downgrades a required failure.
type Machine struct {
	config   Config
	store    *store.Store
	gateway  *gateway.Gateway
	registry *session.Registry
	router   *router.Router
	bus      *events.Bus // nil-safe
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	phaseCounter metric.Int64Counter
}

// New creates a phase state machine.
func New(cfg Config, st *store.Store, gw *gateway.Gateway, reg *session.Registry, rt *router.Router, bus *events.Bus, logger *zap.Logger) (*Machine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if gw == nil {
		return nil, errors.New("gateway is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if rt == nil {
		return nil, errors.New("router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	m := &Machine{
		config:   cfg,
		store:    st,
		gateway:  gw,
		registry: reg,
		router:   rt,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	m.phaseCounter, err = m.meter.Int64Counter(
		"autodevd.orchestrator.phases_total",
		metric.WithDescription("Total phase completions by status"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		logger.Warn("failed to create phase counter", zap.Error(err))
	}

	return m, nil
}

// CreateProject persists a new project record in the running state.
func (m *Machine) CreateProject(id, name string, mode Mode, workDir string) error {
	if err := store.ValidateProjectID(id); err != nil {
		return err
	}
	return m.store.SaveProject(store.ProjectRecord{
		ID:        id,
		Name:      name,
		Mode:      string(mode),
		WorkDir:   workDir,
		Status:    ProjectRunning,
		CreatedAt: time.Now(),
	})
}

// Run executes the remaining phases of a project in order. Completed
// phases are skipped; a previously failed phase is re-entered. Run
// returns a *PhaseFailedError when a required work item fails.
func (m *Machine) Run(ctx context.Context, projectID string, plan Plan) error {
	ctx = gateway.WithProject(ctx, projectID)
	ctx, span := m.tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.String("mode", string(plan.Mode)),
		))
	defer span.End()

	project, err := m.store.GetProject(projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return err
	}

	phases, err := m.loadOrInitPhases(projectID, plan)
	if err != nil {
		return err
	}

	if project.Status != ProjectRunning {
		project.Status = ProjectRunning
		if err := m.store.SaveProject(project); err != nil {
			return fmt.Errorf("failed to persist project state: %w", err)
		}
	}

	for i := range phases {
		if phases[i].Status == PhaseCompleted {
			m.logger.Debug("skipping completed phase",
				zap.String("project_id", projectID),
				zap.String("phase", phases[i].Name),
			)
			continue
		}

		if err := m.runPhase(ctx, projectID, plan.Phases[i], phases, i); err != nil {
			span.SetStatus(codes.Error, err.Error())
			project.Status = ProjectFailed
			if saveErr := m.store.SaveProject(project); saveErr != nil {
				m.logger.Error("failed to persist project failure", zap.Error(saveErr))
			}
			return err
		}
	}

	project.Status = ProjectCompleted
	if err := m.store.SaveProject(project); err != nil {
		return fmt.Errorf("failed to persist project completion: %w", err)
	}
	m.logger.Info("project completed",
		zap.String("project_id", projectID),
		zap.Int("phases", len(phases)),
	)
	return nil
}

// loadOrInitPhases reconciles persisted phase state with the plan.
func (m *Machine) loadOrInitPhases(projectID string, plan Plan) ([]store.PhaseRecord, error) {
	phases, err := m.store.LoadPhases(projectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if len(phases) == 0 {
		phases = make([]store.PhaseRecord, len(plan.Phases))
		for i, p := range plan.Phases {
			phases[i] = store.PhaseRecord{Index: i, Name: p.Name, Status: PhasePending}
		}
		if err := m.store.SavePhases(projectID, phases); err != nil {
			return nil, err
		}
		return phases, nil
	}
	if len(phases) != len(plan.Phases) {
		return nil, fmt.Errorf("%w: have %d phases, plan has %d", ErrPlanMismatch, len(phases), len(plan.Phases))
	}
	for i := range phases {
		if phases[i].Name != plan.Phases[i].Name {
			return nil, fmt.Errorf("%w: phase %d is %q, plan says %q", ErrPlanMismatch, i, phases[i].Name, plan.Phases[i].Name)
		}
	}
	return phases, nil
}

// runPhase executes one phase's work items in declared order and
// persists the transition before and after execution.
func (m *Machine) runPhase(ctx context.Context, projectID string, phase Phase, phases []store.PhaseRecord, idx int) error {
	ctx, span := m.tracer.Start(ctx, "orchestrator.runPhase",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.String("phase", phase.Name),
		))
	defer span.End()

	now := time.Now()
	rec := &phases[idx]
	rec.Status = PhaseRunning
	rec.Cause = ""
	rec.StartedAt = &now
	rec.Items = nil
	rec.CompletedAt = nil
	if err := m.store.SavePhases(projectID, phases); err != nil {
		return fmt.Errorf("failed to persist phase start: %w", err)
	}
	m.publishPhase(projectID, rec)

	m.logger.Info("phase started",
		zap.String("project_id", projectID),
		zap.String("phase", phase.Name),
		zap.Int("index", idx),
	)

	var phaseErr error
	for _, item := range phase.Items {
		if err := ctx.Err(); err != nil {
			rec.Items = append(rec.Items, store.WorkItemRecord{
				Name: item.Name, Kind: itemKind(item), Required: item.Required, Outcome: "skipped",
			})
			phaseErr = m.failPhase(projectID, phases, idx, CauseCancelled, err)
			return phaseErr
		}

		itemRec, err := m.runItem(ctx, projectID, phase.Name, item)
		rec.Items = append(rec.Items, itemRec)
		if err != nil && ctx.Err() != nil {
			// Cancellation surfacing through an item failure is not a
			// work item fault.
			phaseErr = m.failPhase(projectID, phases, idx, CauseCancelled, err)
			return phaseErr
		}
		if err != nil && item.Required {
			cause := fmt.Sprintf("required work item %s failed", item.Name)
			phaseErr = m.failPhase(projectID, phases, idx, cause, err)
			return phaseErr
		}
		if err != nil {
			m.logger.Warn("optional work item failed",
				zap.String("project_id", projectID),
				zap.String("phase", phase.Name),
				zap.String("item", item.Name),
				zap.Error(err),
			)
		}
	}

	done := time.Now()
	rec.Status = PhaseCompleted
	rec.CompletedAt = &done
	if err := m.store.SavePhases(projectID, phases); err != nil {
		return fmt.Errorf("failed to persist phase completion: %w", err)
	}
	m.publishPhase(projectID, rec)
	m.countPhase(ctx, PhaseCompleted)

	m.logger.Info("phase completed",
		zap.String("project_id", projectID),
		zap.String("phase", phase.Name),
		zap.Duration("elapsed", done.Sub(now)),
	)
	return nil
}

func (m *Machine) failPhase(projectID string, phases []store.PhaseRecord, idx int, cause string, err error) error {
	done := time.Now()
	rec := &phases[idx]
	rec.Status = PhaseFailed
	rec.Cause = cause
	rec.CompletedAt = &done
	if saveErr := m.store.SavePhases(projectID, phases); saveErr != nil {
		m.logger.Error("failed to persist phase failure", zap.Error(saveErr))
	}
	m.publishPhase(projectID, rec)
	m.countPhase(context.Background(), PhaseFailed)

	m.logger.Error("phase failed",
		zap.String("project_id", projectID),
		zap.String("phase", rec.Name),
		zap.String("cause", cause),
		zap.Error(err),
	)
	return &PhaseFailedError{Phase: rec.Name, Cause: cause, Err: err}
}

// runItem executes a single work item and returns its record. The
// returned error is non-nil when the item failed.
func (m *Machine) runItem(ctx context.Context, projectID, phaseName string, item WorkItem) (store.WorkItemRecord, error) {
	rec := store.WorkItemRecord{
		Name:     item.Name,
		Kind:     itemKind(item),
		Required: item.Required,
	}

	if item.FanOut != nil {
		failed, err := m.runFanOut(ctx, projectID, phaseName, item)
		rec.FailedToRespond = failed
		if err != nil {
			rec.Outcome = "failed"
			rec.Error = err.Error()
			return rec, err
		}
		rec.Outcome = "success"
		return rec, nil
	}

	_, err := m.gateway.InvokeRegistered(ctx, item.Capability, item.Input)
	if err != nil {
		rec.Outcome = "failed"
		rec.Error = err.Error()
		return rec, err
	}
	rec.Outcome = "success"
	return rec, nil
}

// runFanOut sends the directive to one session per role, then polls
// the orchestrator inbox until every addressed session has replied
// with a result or error, or the phase timeout elapses. It returns
// the ids of sessions that failed to respond.
func (m *Machine) runFanOut(ctx context.Context, projectID, phaseName string, item WorkItem) ([]string, error) {
	fo := item.FanOut

	// All sends happen before any poll begins.
	awaiting := make(map[string]string, len(fo.Roles)) // session id -> role
	for _, role := range fo.Roles {
		sid, err := m.sessionForRole(projectID, role)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate %s session: %w", role, err)
		}
		payload, err := json.Marshal(Directive{
			ProjectID: projectID,
			Phase:     phaseName,
			Role:      role,
			Task:      fo.Task,
		})
		if err != nil {
			return nil, err
		}
		if _, err := m.router.Send(router.Orchestrator, sid, payload, router.KindDirective); err != nil {
			return nil, fmt.Errorf("failed to send directive to %s: %w", role, err)
		}
		if err := m.registry.MarkBusy(sid); err != nil {
			m.logger.Warn("failed to mark session busy", zap.String("session_id", sid), zap.Error(err))
		}
		awaiting[sid] = role
	}

	total := len(awaiting)
	results := 0
	deadline := time.NewTimer(m.config.PhaseTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.config.PollInterval)
	defer tick.Stop()

	for len(awaiting) > 0 {
		select {
		case <-ctx.Done():
			return unresponded(awaiting), ctx.Err()
		case <-deadline.C:
			failed := unresponded(awaiting)
			for _, sid := range failed {
				if err := m.registry.MarkUnreachable(sid); err != nil {
					m.logger.Warn("failed to mark session unreachable", zap.String("session_id", sid), zap.Error(err))
				}
			}
			m.logger.Warn("fan-out timed out",
				zap.String("project_id", projectID),
				zap.String("phase", phaseName),
				zap.Strings("failed_to_respond", failed),
			)
			if !fo.Policy.satisfied(results, total) {
				return failed, fmt.Errorf("fan-out %s: %d of %d sessions responded, policy %s not met", item.Name, results, total, fo.Policy)
			}
			return failed, nil
		case <-tick.C:
			msgs, err := m.router.Poll(router.Inbox(projectID))
			if err != nil {
				return unresponded(awaiting), err
			}
			// Replies are processed in arrival order, not send order.
			for _, msg := range msgs {
				role, ok := awaiting[msg.From]
				if !ok {
					continue
				}
				switch msg.Kind {
				case router.KindResult:
					results++
					delete(awaiting, msg.From)
					m.settleSession(msg.From)
				case router.KindError:
					delete(awaiting, msg.From)
					m.settleSession(msg.From)
					m.logger.Warn("session reported error",
						zap.String("project_id", projectID),
						zap.String("session_id", msg.From),
						zap.String("role", role),
					)
				}
			}
		}
	}

	if !fo.Policy.satisfied(results, total) {
		return nil, fmt.Errorf("fan-out %s: %d of %d sessions succeeded, policy %s not met", item.Name, results, total, fo.Policy)
	}
	return nil, nil
}

// sessionForRole reuses an existing non-busy session with the role or
// creates a fresh one.
func (m *Machine) sessionForRole(projectID, role string) (string, error) {
	existing := m.registry.ListSessions(projectID, session.StatusFilter{session.StatusIdle, session.StatusCreated})
	for _, s := range existing {
		if s.Role == role {
			if s.Status == session.StatusCreated {
				if err := m.registry.MarkIdle(s.ID); err != nil {
					continue
				}
			}
			return s.ID, nil
		}
	}
	sid, err := m.registry.CreateSession(projectID, role)
	if err != nil {
		return "", err
	}
	if err := m.registry.MarkIdle(sid); err != nil {
		return "", err
	}
	return sid, nil
}

// settleSession returns a session to idle after it replied.
func (m *Machine) settleSession(id string) {
	sess, err := m.registry.GetSession(id)
	if err != nil {
		return
	}
	if sess.Status == session.StatusBusy {
		if err := m.registry.MarkIdle(id); err != nil {
			m.logger.Warn("failed to mark session idle", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (m *Machine) publishPhase(projectID string, rec *store.PhaseRecord) {
	m.bus.PublishPhase(events.PhaseEvent{
		ProjectID: projectID,
		Phase:     rec.Name,
		Index:     rec.Index,
		Status:    rec.Status,
		Cause:     rec.Cause,
	})
}

func (m *Machine) countPhase(ctx context.Context, status string) {
	if m.phaseCounter == nil {
		return
	}
	m.phaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func itemKind(item WorkItem) string {
	if item.FanOut != nil {
		return "fanout"
	}
	return "invoke"
}

func unresponded(awaiting map[string]string) []string {
	out := make([]string, 0, len(awaiting))
	for sid := range awaiting {
		out = append(out, sid)
	}
	return out
}
