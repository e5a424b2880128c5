package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/config"
	"github.com/Mindburn-Labs/autopilot/pkg/controlplane"
	"github.com/Mindburn-Labs/autopilot/pkg/database"
	"github.com/Mindburn-Labs/autopilot/pkg/evidence"
	"github.com/Mindburn-Labs/autopilot/pkg/lawbook"
	"github.com/Mindburn-Labs/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/autopilot/pkg/playbook"
	"github.com/Mindburn-Labs/autopilot/pkg/stopdecision"
	"github.com/Mindburn-Labs/autopilot/pkg/store"
)

// app is a fully wired control plane for one command invocation.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	svc       *controlplane.Service
	telemetry *observability.Provider
	closers   []func() error
	logger    *slog.Logger
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// openDB opens the configured database and applies pending migrations.
func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := database.Open(ctx, cfg.Dialect(), cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	n, err := database.Migrate(ctx, db, cfg.Dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		logger.DebugContext(ctx, "database ready", "schema_version", n, "driver", cfg.Database.Driver)
	}
	return db, nil
}

// loadLawbook returns a holder for the configured lawbook. A missing lawbook
// leaves the holder empty, which denies every action.
func loadLawbook(ctx context.Context, path string, logger *slog.Logger) *lawbook.Holder {
	h := lawbook.NewHolder(path)
	if err := h.Reload(); err != nil {
		logger.WarnContext(ctx, "lawbook not loaded; all actions will be denied", "path", path, "error", err)
	}
	return h
}

func loadPlaybooks(ctx context.Context, dir string, logger *slog.Logger) (*playbook.Registry, error) {
	reg, err := playbook.LoadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		logger.WarnContext(ctx, "playbook directory missing", "dir", dir)
		return playbook.NewRegistry(), nil
	}
	return reg, err
}

func (c *cli) openApp(ctx context.Context) (*app, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(c.stderr, cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(ctx)
		}
	}()

	a.telemetry, err = observability.New(ctx, cfg.Observability())
	if err != nil {
		return nil, err
	}
	a.db, err = openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)

	st := store.NewSQLStore(a.db)
	trail := audit.NewTrail(st, audit.WithLogger(logger.With("component", "audit")))
	holder := loadLawbook(ctx, cfg.Lawbook.Path, logger)

	reg, err := loadPlaybooks(ctx, cfg.Playbooks.Dir, logger)
	if err != nil {
		return nil, err
	}
	gate, err := evidence.NewGate()
	if err != nil {
		return nil, err
	}
	dispatcher := playbook.NewDispatcher(cfg.Executor.BackendRPS, 1)
	dispatcher.SetFallback(playbook.LogBackend{Logger: logger.With("component", "backend")})

	exec, err := playbook.NewExecutor(playbook.Config{
		Registry:    reg,
		Lawbook:     holder,
		Evidence:    gate,
		Runs:        st,
		Audit:       trail,
		Backend:     dispatcher,
		StepTimeout: cfg.Executor.StepTimeout,
		Logger:      logger.With("component", "playbook"),
	})
	if err != nil {
		return nil, err
	}

	thresholds := cfg.StopThresholds()
	var tracker stopdecision.AttemptTracker = stopdecision.NewMemoryTracker(thresholds.SignalWindow)
	if cfg.Redis.Addr != "" {
		rt := stopdecision.NewRedisTracker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, thresholds.SignalWindow)
		a.closers = append(a.closers, rt.Close)
		if err := rt.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		tracker = rt
	}

	a.svc, err = controlplane.New(controlplane.Config{
		Store:        st,
		Trail:        trail,
		Lawbook:      holder,
		Registry:     reg,
		Executor:     exec,
		Evaluator:    stopdecision.NewEvaluator(thresholds),
		Tracker:      tracker,
		Telemetry:    a.telemetry,
		PollInterval: cfg.Stop.PollInterval,
		Logger:       logger.With("component", "controlplane"),
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

// withApp opens the control plane, runs fn and closes everything.
func (c *cli) withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}
