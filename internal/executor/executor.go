// Package executor runs, waits on, cleans and resets a step.Graph.
//
// The executor is synchronous and single-threaded. Parallelism comes only
// from child processes: Run launches a Command step and returns without
// waiting, so when a step has several dependencies every one of their
// subtrees is launched before the first of them is waited on. A step blocks
// only on its direct dependencies.
//
// An Executor must not be used from more than one goroutine at a time.
package executor

import (
	"context"
	"fmt"
	"io"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/fsops"
	"github.com/vk/buildgrid/internal/proc"
	"github.com/vk/buildgrid/internal/step"
)

// Stats counts side effects performed since the executor was created.
type Stats struct {
	Launches int
	FsOps    int
	Failures int
}

// Executor drives a graph.
type Executor struct {
	graph    *step.Graph
	launcher proc.Launcher
	fs       fsops.FS
	echo     io.Writer

	onPath map[step.ID]bool
	stats  Stats
}

// Option configures an Executor.
type Option func(*Executor)

// WithLauncher replaces the process launcher.
func WithLauncher(l proc.Launcher) Option {
	return func(e *Executor) { e.launcher = l }
}

// WithFS replaces the filesystem primitives.
func WithFS(fs fsops.FS) Option {
	return func(e *Executor) { e.fs = fs }
}

// WithEcho writes a shell-like line for every action to w before it is
// performed.
func WithEcho(w io.Writer) Option {
	return func(e *Executor) { e.echo = w }
}

// New returns an executor for g using the real OS launcher and filesystem
// unless options say otherwise.
func New(g *step.Graph, opts ...Option) *Executor {
	e := &Executor{
		graph:    g,
		launcher: proc.NewExec(nil, nil),
		fs:       fsops.OS{},
		onPath:   make(map[step.ID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the graph the executor drives.
func (e *Executor) Graph() *step.Graph {
	return e.graph
}

// Stats returns the side-effect counters.
func (e *Executor) Stats() Stats {
	return e.stats
}

// Run brings id and all of its transitive dependencies to completion, each
// at most once per run cycle. A Command step at id itself is only launched;
// call Wait to collect it. Running a step that is already running or done
// is a no-op.
func (e *Executor) Run(ctx context.Context, id step.ID) error {
	if !e.graph.Has(id) {
		return newStepError(id, nil, UnknownStep, step.ErrUnknownStep)
	}
	clear(e.onPath)
	return e.run(ctx, id)
}

func (e *Executor) run(ctx context.Context, id step.ID) error {
	s := e.graph.Step(id)
	if s.State != step.NotStarted {
		return nil
	}
	if e.onPath[id] {
		return newStepError(id, s, Cycle, ErrCycle)
	}
	e.onPath[id] = true
	defer delete(e.onPath, id)

	// Launch every dependency subtree before waiting on any of them.
	for _, dep := range s.Deps() {
		if err := e.run(ctx, dep); err != nil {
			return newStepError(id, s, DepRun, err)
		}
	}
	for _, dep := range s.Deps() {
		if err := e.Wait(ctx, dep); err != nil {
			return newStepError(id, s, DepWait, err)
		}
	}

	s.State = step.Running
	if err := e.dispatch(ctx, id, s); err != nil {
		// A failed step still ends its cycle; only Reset or Clean re-arm it.
		s.State = step.Done
		s.Handle = nil
		e.stats.Failures++
		return err
	}
	return nil
}

func (e *Executor) dispatch(ctx context.Context, id step.ID, s *step.Step) error {
	logger := ctxlog.FromContext(ctx).With("step", id, "kind", s.Kind.String())

	switch s.Kind {
	case step.Root, step.Path:
		s.State = step.Done
		return nil

	case step.Command:
		e.say(ctx, s)
		h, err := e.launcher.Spawn(ctx, s.Argv)
		if err != nil {
			logger.Error("Command could not be started.", "error", err)
			return newStepError(id, s, Spawn, err)
		}
		e.stats.Launches++
		s.Handle = h
		logger.Debug("Command launched.", "pid", h.Pid())
		return nil

	case step.RemoveFile:
		return e.fsStep(ctx, id, s, func() error { return e.fs.RemoveFile(s.Target) })

	case step.RemoveDir:
		return e.fsStep(ctx, id, s, func() error { return e.fs.RemoveEmptyDir(s.Target) })

	case step.Truncate, step.MakeDir, step.Copy:
		out, ok := s.Output()
		if !ok {
			return newStepError(id, s, MissingOutput, fmt.Errorf("%s step needs an output path", s.Kind))
		}
		return e.fsStep(ctx, id, s, func() error {
			switch s.Kind {
			case step.Truncate:
				return e.fs.TruncateOrCreate(out)
			case step.MakeDir:
				// A directory left by an earlier cycle is what this step wants.
				if err := e.fs.MakeDir(out); fsops.KindOf(err) != fsops.AlreadyExists {
					return err
				}
				return nil
			default:
				return e.fs.CopyFile(s.Source, out)
			}
		})

	default:
		return newStepError(id, s, BadKind, fmt.Errorf("kind %d", int(s.Kind)))
	}
}

func (e *Executor) fsStep(ctx context.Context, id step.ID, s *step.Step, op func() error) error {
	e.say(ctx, s)
	e.stats.FsOps++
	if err := op(); err != nil {
		ctxlog.FromContext(ctx).Error("Filesystem step failed.", "step", id, "error", err)
		return newStepError(id, s, Filesystem, err)
	}
	s.State = step.Done
	return nil
}

// say announces an action about to be performed.
func (e *Executor) say(ctx context.Context, s *step.Step) {
	if e.echo != nil {
		fmt.Fprintln(e.echo, s.String())
		return
	}
	ctxlog.FromContext(ctx).Info(s.String())
}

// Wait blocks until id is done. Steps that were never started, or that are
// already done, return immediately. Whatever the process outcome, the step
// ends up Done.
func (e *Executor) Wait(ctx context.Context, id step.ID) error {
	s := e.graph.Step(id)
	if s == nil {
		return newStepError(id, nil, UnknownStep, step.ErrUnknownStep)
	}
	if s.State != step.Running {
		return nil
	}
	if s.Kind != step.Command || s.Handle == nil {
		s.State = step.Done
		return nil
	}

	err := e.launcher.Wait(s.Handle)
	s.Handle = nil
	s.State = step.Done
	if err != nil {
		e.stats.Failures++
		ctxlog.FromContext(ctx).Error("Command failed.", "step", id, "command", s.String(), "error", err)
		return newStepError(id, s, WaitFailed, err)
	}
	return nil
}

// Settle waits on every step under id that is still running and discards
// the results. It collects processes orphaned by a fail-fast Run so that a
// following Reset is safe.
func (e *Executor) Settle(ctx context.Context, id step.ID) {
	logger := ctxlog.FromContext(ctx)
	for _, sid := range e.subtree(id) {
		if err := e.Wait(ctx, sid); err != nil {
			logger.Debug("Collected failed orphan process.", "step", sid, "error", err)
		}
	}
}

// Reset re-arms id and every transitive dependency for another Run without
// touching the filesystem. Nothing may still be running.
func (e *Executor) Reset(id step.ID) {
	for _, sid := range e.subtree(id) {
		s := e.graph.Step(sid)
		s.State = step.NotStarted
		s.Handle = nil
	}
}

// Clean removes the declared output of id and every transitive dependency,
// trying each path as a file and as an empty directory, then resets them.
// Path markers name inputs, so their paths are never removed. Dependents are
// cleaned before their dependencies so that files inside an output directory
// are gone by the time the directory is removed. Cleaning is best effort;
// only unexpected failures are logged.
func (e *Executor) Clean(ctx context.Context, id step.ID) {
	logger := ctxlog.FromContext(ctx)
	order := e.subtree(id)
	for i := len(order) - 1; i >= 0; i-- {
		s := e.graph.Step(order[i])
		if out, ok := s.Output(); ok && s.Kind != step.Path {
			fileErr := e.fs.RemoveFile(out)
			dirErr := e.fs.RemoveEmptyDir(out)
			switch {
			case fileErr == nil:
				e.sayLine(ctx, "rm "+out)
			case dirErr == nil:
				e.sayLine(ctx, "rmdir "+out)
			case surprising(fileErr) || surprising(dirErr):
				logger.Warn("Could not remove build output.", "path", out, "file_error", fileErr, "dir_error", dirErr)
			}
		}
		s.State = step.NotStarted
		s.Handle = nil
	}
}

func (e *Executor) sayLine(ctx context.Context, line string) {
	if e.echo != nil {
		fmt.Fprintln(e.echo, line)
		return
	}
	ctxlog.FromContext(ctx).Info(line)
}

// surprising reports whether a removal failure means something other than
// "already clean" or "wrong kind of path".
func surprising(err error) bool {
	if err == nil {
		return false
	}
	switch fsops.KindOf(err) {
	case fsops.BadPath, fsops.NotEmpty:
		return false
	}
	return true
}

// subtree returns id and its transitive dependencies in post-order: every
// step appears after all of its dependencies. Cycles are cut.
func (e *Executor) subtree(id step.ID) []step.ID {
	if !e.graph.Has(id) {
		return nil
	}
	seen := make(map[step.ID]bool)
	var order []step.ID
	var visit func(step.ID)
	visit = func(sid step.ID) {
		if seen[sid] {
			return
		}
		seen[sid] = true
		for _, dep := range e.graph.Step(sid).Deps() {
			visit(dep)
		}
		order = append(order, sid)
	}
	visit(id)
	return order
}
