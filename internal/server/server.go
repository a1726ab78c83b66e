// Package server exposes the daemon's HTTP surface: health, project
// status, schedule control, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/evolution"
	"github.com/fyrsmithlabs/autodevd/internal/orchestrator"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

// Server is the daemon HTTP server.
type Server struct {
	config    config.ServerConfig
	store     *store.Store
	scheduler *evolution.Scheduler
	logger    *zap.Logger
	echo      *echo.Echo
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StatusResponse is the JSON response for GET /projects/:id/status.
// It reflects the last durably persisted state of the project.
type StatusResponse struct {
	ProjectID    string              `json:"project_id"`
	Name         string              `json:"name"`
	Mode         string              `json:"mode"`
	Status       string              `json:"status"`
	CurrentPhase string              `json:"current_phase,omitempty"`
	PhaseStatus  string              `json:"phase_status,omitempty"`
	Phases       []store.PhaseRecord `json:"phases,omitempty"`
	Scheduled    bool                `json:"scheduled"`
}

// New creates the HTTP server.
func New(cfg config.ServerConfig, st *store.Store, sched *evolution.Scheduler, logger *zap.Logger) (*Server, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config:    cfg,
		store:     st,
		scheduler: sched,
		logger:    logger,
		echo:      e,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/projects", s.handleListProjects)
	s.echo.GET("/projects/:id/status", s.handleStatus)
	s.echo.GET("/projects/:id/cycles", s.handleCycles)
	s.echo.POST("/projects/:id/schedule/stop", s.handleScheduleStop)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "autodevd"})
}

func (s *Server) handleListProjects(c echo.Context) error {
	projects, err := s.store.ListProjects()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) handleStatus(c echo.Context) error {
	id := c.Param("id")
	project, err := s.store.GetProject(id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := StatusResponse{
		ProjectID: project.ID,
		Name:      project.Name,
		Mode:      project.Mode,
		Status:    project.Status,
		Scheduled: s.scheduler.Scheduled(id),
	}

	phases, err := s.store.LoadPhases(id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp.Phases = phases
	for _, p := range phases {
		if p.Status != orchestrator.PhaseCompleted {
			resp.CurrentPhase = p.Name
			resp.PhaseStatus = p.Status
			break
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCycles(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetProject(id); errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	cycles, err := s.store.LoadCycles(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cycles)
}

func (s *Server) handleScheduleStop(c echo.Context) error {
	id := c.Param("id")
	err := s.scheduler.Stop(id)
	if errors.Is(err, evolution.ErrNotScheduled) {
		return echo.NewHTTPError(http.StatusNotFound, "no active schedule")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.logger.Info("schedule stopped via api", zap.String("project_id", id))
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped", "project_id": id})
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start runs the server until the context is cancelled, then shuts
// down gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}
