package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/fsops"
	"github.com/vk/buildgrid/internal/proc"
	"github.com/vk/buildgrid/internal/step"
)

func setup(t *testing.T) (context.Context, *step.Graph, *fakeLauncher, *memFS, *Executor) {
	t.Helper()
	g := step.New()
	l := newFakeLauncher()
	fs := newMemFS()
	e := New(g, WithLauncher(l), WithFS(fs), WithEcho(io.Discard))
	return ctxlog.Discard(context.Background()), g, l, fs, e
}

func mustCmd(t *testing.T, g *step.Graph, out string, argv ...string) step.ID {
	t.Helper()
	id, err := g.Command(out, argv...)
	require.NoError(t, err)
	return id
}

func dep(t *testing.T, g *step.Graph, id step.ID, deps ...step.ID) {
	t.Helper()
	for _, d := range deps {
		require.NoError(t, g.AddDependency(id, d))
	}
}

// compileGraph builds root -> link -> {ccA, ccB} -> mkdir build.
func compileGraph(t *testing.T, g *step.Graph) (root, link, ccA, ccB, dir step.ID) {
	dir = g.MakeDir("build")
	ccA = mustCmd(t, g, "build/a.o", "cc", "-c", "-o", "build/a.o", "a.c")
	ccB = mustCmd(t, g, "build/b.o", "cc", "-c", "-o", "build/b.o", "b.c")
	link = mustCmd(t, g, "build/app", "cc", "-o", "build/app", "build/a.o", "build/b.o", "link")
	root = g.Root()
	dep(t, g, ccA, dir)
	dep(t, g, ccB, dir)
	dep(t, g, link, ccA, ccB, dir)
	dep(t, g, root, link)
	return
}

func TestRun_CompileAndLinkScenario(t *testing.T) {
	ctx, g, l, fs, e := setup(t)
	root, link, ccA, ccB, dir := compileGraph(t, g)

	require.NoError(t, e.Run(ctx, root))
	require.NoError(t, e.Wait(ctx, root))

	assert.True(t, fs.dirs["build"])
	assert.Equal(t, []string{
		"spawn a.c",
		"spawn b.c",
		"wait a.c",
		"wait b.c",
		"spawn link",
		"wait link",
	}, l.events, "both compiles must be launched before the link waits on them")

	for _, id := range []step.ID{root, link, ccA, ccB, dir} {
		assert.Equal(t, step.Done, g.Step(id).State, "step %d", id)
	}
	assert.Equal(t, Stats{Launches: 3, FsOps: 1}, e.Stats())
}

func TestRun_Idempotent(t *testing.T) {
	ctx, g, l, fs, e := setup(t)
	root, _, _, _, _ := compileGraph(t, g)

	require.NoError(t, e.Run(ctx, root))
	require.NoError(t, e.Wait(ctx, root))
	events, ops := len(l.events), len(fs.ops)

	require.NoError(t, e.Run(ctx, root))
	require.NoError(t, e.Wait(ctx, root))
	assert.Equal(t, events, len(l.events))
	assert.Equal(t, ops, len(fs.ops))
}

func TestRun_DiamondRunsSharedDependencyOnce(t *testing.T) {
	ctx, g, l, _, e := setup(t)
	d := mustCmd(t, g, "", "gen", "D")
	b := mustCmd(t, g, "", "use", "B")
	c := mustCmd(t, g, "", "use", "C")
	a := g.Root()
	dep(t, g, b, d)
	dep(t, g, c, d)
	dep(t, g, a, b, c)

	require.NoError(t, e.Run(ctx, a))
	require.NoError(t, e.Wait(ctx, a))
	assert.Equal(t, 1, l.count("spawn D"))
	assert.Equal(t, 1, l.count("wait D"))
	assert.Equal(t, 3, e.Stats().Launches)
}

func TestRun_DependencyBeforeDependent(t *testing.T) {
	t.Run("filesystem chain", func(t *testing.T) {
		ctx, g, _, fs, e := setup(t)
		dir := g.MakeDir("build")
		out := g.Touch("build/out.txt")
		cp := g.Copy("build/out.txt", "build/copy.txt")
		dep(t, g, out, dir)
		dep(t, g, cp, out)

		require.NoError(t, e.Run(ctx, cp))
		assert.Equal(t, []string{"mkdir build", "truncate build/out.txt", "cp build/out.txt build/copy.txt"}, fs.ops)
	})

	t.Run("command chain", func(t *testing.T) {
		ctx, g, l, _, e := setup(t)
		b := mustCmd(t, g, "", "first")
		a := mustCmd(t, g, "", "second")
		dep(t, g, a, b)

		require.NoError(t, e.Run(ctx, a))
		require.NoError(t, e.Wait(ctx, a))
		assert.Less(t, l.index("wait first"), l.index("spawn second"))
	})
}

func TestRun_FailFast(t *testing.T) {
	t.Run("nonzero exit stops the dependent", func(t *testing.T) {
		ctx, g, l, _, e := setup(t)
		root, _, _, _, _ := compileGraph(t, g)
		l.waitErr["a.c"] = &proc.WaitError{Kind: proc.NonZeroExit, Pid: 1, Code: 1}

		err := e.Run(ctx, root)
		require.Error(t, err)
		assert.Equal(t, 0, l.count("spawn link"))
		assert.ErrorIs(t, err, proc.ErrNonZeroExit)

		var outer *StepError
		require.True(t, errors.As(err, &outer))
		assert.Equal(t, DepRun, outer.Kind, "root fails because its dependency could not run")
		assert.Equal(t, DepWait, outer.Err.(*StepError).Kind, "link fails waiting on a dependency")
		assert.Equal(t, WaitFailed, Root(err).Kind)
		assert.Equal(t, 1, ExitCode(err))
	})

	t.Run("dependency failure is distinguishable from own failure", func(t *testing.T) {
		ctx, g, l, _, e := setup(t)
		b := mustCmd(t, g, "", "b")
		a := mustCmd(t, g, "", "a")
		dep(t, g, a, b)
		l.waitErr["b"] = &proc.WaitError{Kind: proc.NonZeroExit, Code: 2}

		err := e.Run(ctx, a)
		var se *StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, a, se.Step)
		assert.Equal(t, DepWait, se.Kind)
		assert.Equal(t, b, Root(err).Step)
		assert.Equal(t, 2, ExitCode(err))

		ctx, g, l, _, e = setup(t)
		a = mustCmd(t, g, "", "a")
		l.waitErr["a"] = &proc.WaitError{Kind: proc.NonZeroExit, Code: 2}
		require.NoError(t, e.Run(ctx, a))
		err = e.Wait(ctx, a)
		require.True(t, errors.As(err, &se))
		assert.Equal(t, WaitFailed, se.Kind)
		assert.Equal(t, a, se.Step)
		assert.Equal(t, step.Done, g.Step(a).State)
	})

	t.Run("spawn failure", func(t *testing.T) {
		ctx, g, l, _, e := setup(t)
		b := mustCmd(t, g, "", "missing-tool")
		a := g.Root()
		dep(t, g, a, b)
		l.spawnErr["missing-tool"] = errors.New("exec: not found")

		err := e.Run(ctx, a)
		require.Error(t, err)
		assert.Equal(t, Spawn, Root(err).Kind)
		var spawnErr *proc.SpawnError
		assert.True(t, errors.As(err, &spawnErr))
	})

	t.Run("filesystem failure", func(t *testing.T) {
		ctx, g, _, fs, e := setup(t)
		dir := g.MakeDir("nested/build")
		a := mustCmd(t, g, "", "cc")
		dep(t, g, a, dir)

		err := e.Run(ctx, a)
		require.Error(t, err)
		root := Root(err)
		assert.Equal(t, Filesystem, root.Kind)
		assert.Equal(t, step.MakeDir, root.StepKind)
		assert.Equal(t, fsops.BadPath, fsops.KindOf(err))
		assert.Equal(t, 6, ExitCode(root))
		assert.Equal(t, 1, fs.count("mkdir"))
	})

	t.Run("launched siblings are left running and can be settled", func(t *testing.T) {
		ctx, g, l, _, e := setup(t)
		slow := mustCmd(t, g, "", "slow")
		bad := g.MakeDir("missing/dir")
		root := g.Root()
		dep(t, g, root, slow, bad)

		require.Error(t, e.Run(ctx, root))
		assert.Equal(t, step.Running, g.Step(slow).State)
		assert.Equal(t, 0, l.count("wait slow"))

		e.Settle(ctx, root)
		assert.Equal(t, 1, l.count("wait slow"))
		assert.Equal(t, step.Done, g.Step(slow).State)
	})
}

func TestRun_Cycle(t *testing.T) {
	ctx, g, l, _, e := setup(t)
	a := mustCmd(t, g, "", "a")
	b := mustCmd(t, g, "", "b")
	c := mustCmd(t, g, "", "c")
	dep(t, g, a, b)
	dep(t, g, b, c)
	dep(t, g, c, a)

	err := e.Run(ctx, a)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Equal(t, Cycle, Root(err).Kind)
	assert.Equal(t, a, Root(err).Step)
	assert.Empty(t, l.events)

	t.Run("self edge", func(t *testing.T) {
		ctx, g, _, _, e := setup(t)
		a := g.Root()
		dep(t, g, a, a)
		assert.ErrorIs(t, e.Run(ctx, a), ErrCycle)
	})
}

func TestRun_DefensiveErrors(t *testing.T) {
	t.Run("missing output", func(t *testing.T) {
		ctx, g, _, _, e := setup(t)
		id := g.MakeDir("x")
		g.ClearOutput(id)
		err := e.Run(ctx, id)
		assert.Equal(t, MissingOutput, Root(err).Kind)
		assert.Equal(t, 9, ExitCode(err))
	})

	t.Run("bad kind", func(t *testing.T) {
		ctx, g, _, _, e := setup(t)
		id := g.Root()
		g.Step(id).Kind = step.Kind(42)
		err := e.Run(ctx, id)
		assert.Equal(t, BadKind, Root(err).Kind)
		assert.Equal(t, 10, ExitCode(err))
	})

	t.Run("unknown id", func(t *testing.T) {
		ctx, _, _, _, e := setup(t)
		err := e.Run(ctx, 99)
		assert.ErrorIs(t, err, step.ErrUnknownStep)
		assert.ErrorIs(t, e.Wait(ctx, 99), step.ErrUnknownStep)
	})
}

func TestWait(t *testing.T) {
	ctx, g, l, _, e := setup(t)
	id := mustCmd(t, g, "", "x")

	assert.NoError(t, e.Wait(ctx, id), "waiting on a step that never ran is harmless")
	assert.Equal(t, step.NotStarted, g.Step(id).State)

	require.NoError(t, e.Run(ctx, id))
	assert.Equal(t, step.Running, g.Step(id).State)
	require.NoError(t, e.Wait(ctx, id))
	require.NoError(t, e.Wait(ctx, id))
	assert.Equal(t, 1, l.count("wait x"))
}

func TestClean(t *testing.T) {
	ctx, g, _, fs, e := setup(t)
	dir := g.MakeDir("build")
	out := g.Touch("build/out.txt")
	rm := g.RemoveFile("build/out.txt")
	root := g.Root()
	dep(t, g, out, dir)
	dep(t, g, root, out)

	require.NoError(t, e.Run(ctx, root))
	require.True(t, fs.files["build/out.txt"])

	e.Clean(ctx, root)
	assert.False(t, fs.exists("build/out.txt"))
	assert.False(t, fs.exists("build"))
	for _, id := range []step.ID{dir, out, root} {
		assert.Equal(t, step.NotStarted, g.Step(id).State)
	}
	assert.Equal(t, step.NotStarted, g.Step(rm).State, "unrelated steps are untouched")

	t.Run("run after clean recreates outputs", func(t *testing.T) {
		require.NoError(t, e.Run(ctx, root))
		assert.True(t, fs.dirs["build"])
		assert.True(t, fs.files["build/out.txt"])
	})

	t.Run("cleaning an already clean tree is silent", func(t *testing.T) {
		e.Clean(ctx, root)
		e.Clean(ctx, root)
		assert.False(t, fs.exists("build"))
	})
}

func TestClean_DiamondRemovesDirectoryLast(t *testing.T) {
	ctx, g, _, fs, e := setup(t)
	dir := g.MakeDir("build")
	b := g.Touch("build/b")
	c := g.Touch("build/c")
	a := g.Root()
	dep(t, g, b, dir)
	dep(t, g, c, dir)
	dep(t, g, a, b, c)

	require.NoError(t, e.Run(ctx, a))
	e.Clean(ctx, a)
	assert.Empty(t, fs.files)
	assert.False(t, fs.dirs["build"])
}

func TestClean_KeepsPathMarkers(t *testing.T) {
	ctx, g, _, fs, e := setup(t)
	fs.files["main.c"] = true
	src := g.PathMarker("main.c")
	dir := g.MakeDir("build")
	cp := g.Copy("main.c", "build/main.c")
	dep(t, g, cp, src, dir)

	require.NoError(t, e.Run(ctx, cp))
	e.Clean(ctx, cp)

	assert.True(t, fs.files["main.c"], "sources survive a clean")
	assert.False(t, fs.exists("build/main.c"))
	assert.False(t, fs.exists("build"))
	assert.Zero(t, fs.count("rm main.c"))
	assert.Zero(t, fs.count("rmdir main.c"))
	assert.Equal(t, step.NotStarted, g.Step(src).State)
}

func TestClean_ReportsUnexpectedFailures(t *testing.T) {
	ctx, g, _, fs, e := setup(t)
	var logs bytes.Buffer
	ctx = ctxlog.WithLogger(ctx, newTestLogger(&logs))

	f := g.Touch("locked.txt")
	require.NoError(t, e.Run(ctx, f))
	denied := &fsops.FsError{Op: "rm", Path: "locked.txt", Kind: fsops.AccessDenied, Err: errors.New("denied")}
	fs.fail["rm locked.txt"] = denied

	e.Clean(ctx, f)
	assert.Contains(t, logs.String(), "Could not remove build output.")
	assert.Equal(t, step.NotStarted, g.Step(f).State)
}

func TestReset(t *testing.T) {
	ctx, g, l, fs, e := setup(t)
	dir := g.MakeDir("build")
	touch := g.Touch("build/out.txt")
	gen := mustCmd(t, g, "", "gen")
	root := g.Root()
	dep(t, g, touch, dir)
	dep(t, g, root, touch, gen)

	require.NoError(t, e.Run(ctx, root))
	require.NoError(t, e.Wait(ctx, root))

	e.Reset(root)
	for _, id := range []step.ID{dir, touch, gen, root} {
		assert.Equal(t, step.NotStarted, g.Step(id).State)
	}
	assert.True(t, fs.files["build/out.txt"], "reset must not touch artifacts")

	require.NoError(t, e.Run(ctx, root), "an existing output directory is not an error")
	require.NoError(t, e.Wait(ctx, root))
	assert.Equal(t, 2, fs.count("truncate build/out.txt"))
	assert.Equal(t, 2, l.count("spawn gen"), "every command re-runs; there is no staleness check")
	assert.True(t, fs.files["build/out.txt"])
}

func TestEcho(t *testing.T) {
	g := step.New()
	var out bytes.Buffer
	e := New(g, WithLauncher(newFakeLauncher()), WithFS(newMemFS()), WithEcho(&out))
	dir := g.MakeDir("build")
	cc, _ := g.Command("build/a.o", "cc", "-c", "a.c")
	dep(t, g, cc, dir)

	require.NoError(t, e.Run(ctxlog.Discard(context.Background()), cc))
	assert.Equal(t, "mkdir build\ncc -c a.c\n", out.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))
	assert.Equal(t, 11, ExitCode(&StepError{Kind: Cycle}))
	assert.Equal(t, 8, ExitCode(&StepError{Kind: Filesystem, StepKind: step.Copy}))
}
