package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/buildgrid/internal/buildfile"
	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/executor"
	"github.com/vk/buildgrid/internal/proc"
	"github.com/vk/buildgrid/internal/step"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config

	build  *buildfile.BuildFile
	exec   *executor.Executor
	target step.ID

	httpServer *http.Server
	health     health
}

// NewApp is the constructor for the main application. It loads the build
// file, selects the target to build and prepares an executor that echoes
// every action to outW. Child processes write to outW as well.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	bf, err := buildfile.Load(ctx, cfg.BuildPath, buildfile.WithOverride(cfg.Toolchain.Apply))
	if err != nil {
		return nil, fmt.Errorf("failed to load build file: %w", err)
	}
	logger.Debug("Build file loaded.", "files", len(bf.Files), "steps", len(bf.Steps), "cc", bf.Toolchain.CC)

	target, err := selectTarget(bf, cfg.Targets)
	if err != nil {
		return nil, err
	}

	exec := executor.New(bf.Graph,
		executor.WithLauncher(proc.NewExec(outW, outW)),
		executor.WithEcho(outW),
	)

	return &App{
		outW:   outW,
		logger: logger,
		config: cfg,
		build:  bf,
		exec:   exec,
		target: target,
	}, nil
}

// BuildFile returns the loaded build description. This is primarily for testing.
func (a *App) BuildFile() *buildfile.BuildFile {
	return a.build
}

// Target returns the step the app builds.
func (a *App) Target() step.ID {
	return a.target
}

// selectTarget returns the build file's default root, or a new root over
// the named steps when targets were given.
func selectTarget(bf *buildfile.BuildFile, targets []string) (step.ID, error) {
	if len(targets) == 0 {
		return bf.Root, nil
	}
	root := bf.Graph.Root()
	bf.Graph.SetName(root, "targets")
	for _, t := range targets {
		id, err := bf.Lookup(t)
		if err != nil {
			return -1, fmt.Errorf("unknown target %q: %w", t, err)
		}
		if err := bf.Graph.AddDependency(root, id); err != nil {
			return -1, err
		}
	}
	return root, nil
}

// buildOutputs lists every path the build writes: mkdir directories and
// the files of touch, copy and command steps. The watcher ignores them so
// that a build does not trigger the next one. Path markers name inputs and
// stay watched.
func (a *App) buildOutputs() []string {
	var outs []string
	for _, id := range a.build.Graph.IDs() {
		s := a.build.Graph.Step(id)
		if s.Kind == step.Path {
			continue
		}
		if out, ok := s.Output(); ok {
			outs = append(outs, out)
		}
	}
	return outs
}
