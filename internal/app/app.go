// Package app provides the top-level application lifecycle management for
// arbbuyer. It wires together all dependencies (stores, caches, blob storage,
// services, purchase workers, and notifications) and starts the appropriate
// goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/arbbuyer/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, version string, logger *slog.Logger) *App {
	return &App{
		cfg:     cfg,
		version: version,
		logger:  logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("storage", a.cfg.Storage.Backend),
	)

	c, err := a.build(ctx)
	if err != nil {
		return err
	}

	switch strings.ToLower(a.cfg.Mode) {
	case "server":
		return a.ServerMode(ctx, c)
	case "worker":
		return a.WorkerMode(ctx, c)
	case "scheduler":
		return a.SchedulerMode(ctx, c)
	case "full":
		return a.FullMode(ctx, c)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Reevaluate re-scores one organization's open candidates once and returns
// how many were evaluated.
func (a *App) Reevaluate(ctx context.Context, orgID string) (int, error) {
	c, err := a.build(ctx)
	if err != nil {
		return 0, err
	}
	return c.candidates.Reevaluate(ctx, orgID)
}

// Reap fails attempts whose worker disappeared and returns how many were
// closed.
func (a *App) Reap(ctx context.Context) (int, error) {
	c, err := a.build(ctx)
	if err != nil {
		return 0, err
	}
	return c.queue.ReapStale(ctx, a.cfg.Scheduler.ReapGrace.Duration)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
