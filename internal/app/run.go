package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/watch"
)

// Run executes the main application logic based on the configuration: a
// single build, a clean, or a watch-rebuild loop that lasts until ctx is
// cancelled. A failed build returns an error wrapping the failing step, so
// executor.ExitCode can map it to an exit status.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "target", a.build.Graph.Step(a.target).Name)

	switch {
	case a.config.Clean:
		a.exec.Clean(ctx, a.target)
		a.logger.Info("Clean finished.")
		return nil

	case a.config.Watch:
		return a.watch(ctx)
	}

	started := time.Now()
	if err := a.buildOnce(ctx); err != nil {
		return err
	}
	st := a.exec.Stats()
	a.logger.Info("Build finished.",
		"launches", st.Launches,
		"fs_ops", st.FsOps,
		"failures", st.Failures,
		"duration", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// buildOnce runs the target to completion. On failure it collects every
// process the fail-fast run left behind before returning.
func (a *App) buildOnce(ctx context.Context) error {
	err := a.exec.Run(ctx, a.target)
	if err == nil {
		err = a.exec.Wait(ctx, a.target)
	}
	if err != nil {
		a.exec.Settle(ctx, a.target)
		st := a.exec.Stats()
		ctxlog.FromContext(ctx).Debug("Build stopped.", "launches", st.Launches, "fs_ops", st.FsOps, "failures", st.Failures)
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

func (a *App) watch(ctx context.Context) error {
	cfg := a.build.Watch
	w, err := watch.New(cfg.Dirs, cfg.Debounce, a.buildOutputs()...)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	defer w.Close()

	if a.config.HealthcheckPort > 0 {
		if err := a.startHealthcheckServer(ctx, a.config.HealthcheckPort); err != nil {
			return err
		}
		defer a.closeHealthcheckServer(ctx)
	}

	a.logger.Debug("Watch mode started.", "dirs", w.WatchList(), "debounce", cfg.Debounce)
	return w.Loop(ctx, func(ctx context.Context) error {
		err := a.buildOnce(ctx)
		a.exec.Reset(a.target)
		a.health.record(err)
		return err
	})
}
