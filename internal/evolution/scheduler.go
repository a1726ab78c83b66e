// Package evolution re-enters completed projects on a fixed cadence,
// running lightweight refresh cycles until explicitly stopped.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/gateway"
	"github.com/fyrsmithlabs/autodevd/internal/orchestrator"
	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/session"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/autodevd/internal/evolution"

// Cycle outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
)

// Errors for scheduler operations.
var (
	ErrAlreadyScheduled    = errors.New("project already scheduled")
	ErrNotScheduled        = errors.New("project not scheduled")
	ErrProjectNotCompleted = errors.New("project has not completed")
)

// Config configures the scheduler.
type Config struct {
	// HistoryLimit caps retained cycle records per project.
	HistoryLimit int

	// ProbeTimeout bounds the reply window of each cycle's status
	// fan-out.
	ProbeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: 64,
		ProbeTimeout: 30 * time.Second,
	}
}

// Scheduler runs at most one evolution loop per completed project.
// Cancellation is cycle-boundary safe: a loop stops after its
// in-flight cycle finishes, never mid-cycle.
type Scheduler struct {
	config   Config
	store    *store.Store
	gateway  *gateway.Gateway
	registry *session.Registry
	router   *router.Router
	bus      *events.Bus // nil-safe
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	cycleCounter metric.Int64Counter

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// New creates a scheduler.
func New(cfg Config, st *store.Store, gw *gateway.Gateway, reg *session.Registry, rt *router.Router, bus *events.Bus, logger *zap.Logger) (*Scheduler, error) {
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
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}

	s := &Scheduler{
		config:   cfg,
		store:    st,
		gateway:  gw,
		registry: reg,
		router:   rt,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		loops:    make(map[string]*loop),
	}

	var err error
	s.cycleCounter, err = s.meter.Int64Counter(
		"autodevd.evolution.cycles_total",
		metric.WithDescription("Total evolution cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		logger.Warn("failed to create cycle counter", zap.Error(err))
	}

	return s, nil
}

// Start begins the evolution loop for a completed project. The
// returned CancelFunc stops scheduling after the in-flight cycle, if
// any, finishes. Starting an already scheduled project fails with
// ErrAlreadyScheduled.
func (s *Scheduler) Start(projectID string, interval time.Duration) (context.CancelFunc, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != orchestrator.ProjectCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrProjectNotCompleted, projectID, project.Status)
	}

	rec := store.ScheduleRecord{
		ProjectID: projectID,
		Interval:  config.Duration(interval),
		StartedAt: time.Now(),
	}
	return s.startLoop(rec, 0)
}

// Stop cancels the active loop for a project and clears its persisted
// schedule. It fails with ErrNotScheduled when no loop is active.
func (s *Scheduler) Stop(projectID string) error {
	s.mu.Lock()
	l, ok := s.loops[projectID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotScheduled, projectID)
	}
	l.cancel()
	<-l.done
	if err := s.store.ClearSchedule(projectID); err != nil {
		return err
	}
	return nil
}

// Kick requests an immediate cycle without disturbing the cadence.
// It is a no-op when the project has no active loop or a cycle is
// already pending.
func (s *Scheduler) Kick(projectID string) {
	s.mu.Lock()
	l, ok := s.loops[projectID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Scheduled reports whether a project has an active loop.
func (s *Scheduler) Scheduled(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[projectID]
	return ok
}

// Resume restarts loops for every completed project with a persisted
// schedule. Cadence restarts from now; missed cycles are logged as
// skipped, never back-filled.
func (s *Scheduler) Resume() error {
	projects, err := s.store.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if p.Status != orchestrator.ProjectCompleted {
			continue
		}
		rec, err := s.store.LoadSchedule(p.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		skipped := 0
		interval := rec.Interval.Duration()
		if rec.LastCycleAt != nil && interval > 0 {
			skipped = int(time.Since(*rec.LastCycleAt) / interval)
		}
		if skipped > 0 {
			s.logger.Info("skipped missed evolution cycles",
				zap.String("project_id", p.ID),
				zap.Int("skipped", skipped),
			)
		}

		if _, err := s.startLoop(rec, skipped); err != nil && !errors.Is(err, ErrAlreadyScheduled) {
			return err
		}
	}
	return nil
}

// Shutdown stops all active loops without clearing persisted
// schedules, so a later Resume restores them.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	active := make([]*loop, 0, len(s.loops))
	for _, l := range s.loops {
		active = append(active, l)
	}
	s.mu.Unlock()
	for _, l := range active {
		l.cancel()
		<-l.done
	}
}

func (s *Scheduler) startLoop(rec store.ScheduleRecord, skipped int) (context.CancelFunc, error) {
	s.mu.Lock()
	if _, ok := s.loops[rec.ProjectID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyScheduled, rec.ProjectID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.loops[rec.ProjectID] = l
	s.mu.Unlock()

	if err := s.store.SaveSchedule(rec); err != nil {
		s.mu.Lock()
		delete(s.loops, rec.ProjectID)
		s.mu.Unlock()
		cancel()
		close(l.done)
		return nil, err
	}

	seq := s.nextSeq(rec.ProjectID)
	seq += uint64(skipped)

	go s.run(ctx, l, rec.ProjectID, rec.Interval.Duration(), seq)

	s.logger.Info("evolution scheduled",
		zap.String("project_id", rec.ProjectID),
		zap.Duration("interval", rec.Interval.Duration()),
	)
	return cancel, nil
}

func (s *Scheduler) nextSeq(projectID string) uint64 {
	cycles, err := s.store.LoadCycles(projectID)
	if err != nil || len(cycles) == 0 {
		return 1
	}
	return cycles[len(cycles)-1].Seq + 1
}

func (s *Scheduler) run(ctx context.Context, l *loop, projectID string, interval time.Duration, seq uint64) {
	defer func() {
		s.mu.Lock()
		delete(s.loops, projectID)
		s.mu.Unlock()
		close(l.done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.kick:
		}

		// The cycle itself never observes loop cancellation: cycles
		// complete or they were never started.
		s.runCycle(context.Background(), projectID, interval, seq)
		seq++

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runCycle gathers fresh input through refresh-tagged capabilities,
// fans a status directive out to every live session, and records the
// cycle outcome.
func (s *Scheduler) runCycle(ctx context.Context, projectID string, interval time.Duration, seq uint64) {
	ctx = gateway.WithProject(ctx, projectID)
	ctx, span := s.tracer.Start(ctx, "evolution.runCycle",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int64("seq", int64(seq)),
		))
	defer span.End()

	started := time.Now()
	s.bus.PublishCycle(events.CycleEvent{ProjectID: projectID, Seq: seq, Status: "started"})

	refreshed := 0
	failed := 0
	for _, capability := range s.gateway.RefreshCapabilities() {
		if _, err := s.gateway.InvokeRegistered(ctx, capability, nil); err != nil {
			failed++
			s.logger.Warn("refresh capability failed",
				zap.String("project_id", projectID),
				zap.String("capability", capability),
				zap.Error(err),
			)
			continue
		}
		refreshed++
	}

	probed, responded := s.probeSessions(ctx, projectID)

	outcome := OutcomeOK
	if failed > 0 || responded < probed {
		outcome = OutcomeDegraded
	}
	summary := fmt.Sprintf("refreshed %d/%d capabilities, %d/%d sessions responded",
		refreshed, refreshed+failed, responded, probed)

	completed := time.Now()
	rec := store.CycleRecord{
		Seq:             seq,
		StartedAt:       started,
		CompletedAt:     completed,
		Outcome:         outcome,
		Summary:         summary,
		NextScheduledAt: completed.Add(interval),
	}
	if err := s.store.AppendCycle(projectID, rec, s.config.HistoryLimit); err != nil {
		s.logger.Error("failed to record evolution cycle",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
	}

	if sched, err := s.store.LoadSchedule(projectID); err == nil {
		sched.LastCycleAt = &completed
		if err := s.store.SaveSchedule(sched); err != nil {
			s.logger.Warn("failed to update schedule", zap.String("project_id", projectID), zap.Error(err))
		}
	}

	s.bus.PublishCycle(events.CycleEvent{ProjectID: projectID, Seq: seq, Status: "completed", Summary: summary})
	if s.cycleCounter != nil {
		s.cycleCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	s.logger.Info("evolution cycle completed",
		zap.String("project_id", projectID),
		zap.Uint64("seq", seq),
		zap.String("outcome", outcome),
		zap.String("summary", summary),
	)
}

// probeSessions sends a status directive to every non-terminated
// session and waits up to ProbeTimeout for replies.
func (s *Scheduler) probeSessions(ctx context.Context, projectID string) (probed, responded int) {
	live := s.registry.ListSessions(projectID, session.StatusFilter{
		session.StatusCreated, session.StatusIdle, session.StatusBusy, session.StatusUnreachable,
	})
	if len(live) == 0 {
		return 0, 0
	}

	awaiting := make(map[string]bool, len(live))
	payload := []byte(fmt.Sprintf(`{"project_id":%q,"task":"report status and refresh your context"}`, projectID))
	for _, sess := range live {
		if _, err := s.router.Send(router.Orchestrator, sess.ID, payload, router.KindDirective); err != nil {
			s.logger.Warn("failed to probe session",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
			continue
		}
		awaiting[sess.ID] = true
	}
	probed = len(awaiting)

	deadline := time.NewTimer(s.config.ProbeTimeout)
	defer deadline.Stop()
	every := s.config.ProbeTimeout / 10
	if every < 5*time.Millisecond {
		every = 5 * time.Millisecond
	}
	tick := time.NewTicker(every)
	defer tick.Stop()

	for len(awaiting) > 0 {
		select {
		case <-ctx.Done():
			return probed, responded
		case <-deadline.C:
			return probed, responded
		case <-tick.C:
			msgs, err := s.router.Poll(router.Inbox(projectID))
			if err != nil {
				return probed, responded
			}
			for _, msg := range msgs {
				if !awaiting[msg.From] {
					continue
				}
				if msg.Kind == router.KindResult || msg.Kind == router.KindAck {
					responded++
					delete(awaiting, msg.From)
				}
			}
		}
	}
	return probed, responded
}
