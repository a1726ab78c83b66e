package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/evolution"
	"github.com/fyrsmithlabs/autodevd/internal/gateway"
	"github.com/fyrsmithlabs/autodevd/internal/orchestrator"
	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/runtime"
	"github.com/fyrsmithlabs/autodevd/internal/server"
	"github.com/fyrsmithlabs/autodevd/internal/session"
	"github.com/fyrsmithlabs/autodevd/internal/store"
	"github.com/fyrsmithlabs/autodevd/internal/telemetry"
	"github.com/fyrsmithlabs/autodevd/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon",
	Long: `Run the long-lived daemon: serves the HTTP status API, resumes
persisted evolution schedules, bridges agent sessions over NATS, and
watches project workspaces for changes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	if err := config.EnsureStateDir(cfg); err != nil {
		return err
	}
	st, err := store.New(cfg.State.Root, logger)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(st, logger)
	projects, err := st.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if recs, err := st.LoadSessions(p.ID); err == nil {
			registry.Restore(recs)
		}
	}

	var bus *events.Bus
	var nc *nats.Conn
	if cfg.Events.Enabled {
		nc, err = nats.Connect(cfg.Events.URL,
			nats.Name("autodevd"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer nc.Close()
		bus = events.NewBus(nc, logger)
	}

	rt := router.New(router.Config{DeliveryTimeout: cfg.Router.DeliveryTimeout.Duration()}, registry, bus, logger)
	defer rt.Close()

	gw := gateway.New(gateway.Config{
		DefaultTimeout: cfg.Gateway.DefaultTimeout.Duration(),
		RatePerSecond:  cfg.Gateway.RatePerSecond,
		Burst:          cfg.Gateway.Burst,
	}, storeRecorder{store: st}, logger)
	gw.RegisterFromConfig(cfg.Gateway, http.DefaultClient)

	scheduler, err := evolution.New(evolution.Config{
		HistoryLimit: cfg.Evolution.HistoryLimit,
		ProbeTimeout: cfg.Evolution.ProbeTimeout.Duration(),
	}, st, gw, registry, rt, bus, logger)
	if err != nil {
		return err
	}
	defer scheduler.Shutdown()

	if nc != nil {
		bridge, err := runtime.New(runtime.DefaultConfig(), nc, rt, registry, logger)
		if err != nil {
			return err
		}
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Close()
		for _, p := range projects {
			bridge.Attach(p.ID)
		}
	}

	if err := scheduler.Resume(); err != nil {
		return fmt.Errorf("failed to resume schedules: %w", err)
	}

	if cfg.Watcher.Enabled {
		w, err := watcher.New(watcher.Config{Debounce: cfg.Watcher.Debounce.Duration()}, scheduler, logger)
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
		for _, p := range projects {
			if p.Status != orchestrator.ProjectCompleted || p.WorkDir == "" {
				continue
			}
			if err := w.Watch(p.ID, p.WorkDir); err != nil {
				logger.Warn("failed to watch workspace",
					zap.String("project_id", p.ID),
					zap.String("dir", p.WorkDir),
					zap.Error(err),
				)
			}
		}
	}

	srv, err := server.New(cfg.Server, st, scheduler, logger)
	if err != nil {
		return err
	}

	logger.Info("daemon started",
		zap.Int("port", cfg.Server.Port),
		zap.String("state_root", cfg.State.Root),
		zap.Bool("events", cfg.Events.Enabled),
	)
	return srv.Start(ctx)
}
