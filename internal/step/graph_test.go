package step

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	g := New()

	t.Run("root has no output", func(t *testing.T) {
		s := g.Step(g.Root())
		require.NotNil(t, s)
		assert.Equal(t, Root, s.Kind)
		assert.Equal(t, NotStarted, s.State)
		_, ok := s.Output()
		assert.False(t, ok)
		assert.Empty(t, s.Deps())
	})

	t.Run("path marker, mkdir and touch declare their path", func(t *testing.T) {
		for _, tc := range []struct {
			id   ID
			kind Kind
		}{
			{g.PathMarker("src/a.c"), Path},
			{g.MakeDir("build"), MakeDir},
			{g.Touch("build/lock"), Truncate},
		} {
			s := g.Step(tc.id)
			assert.Equal(t, tc.kind, s.Kind)
			out, ok := s.Output()
			assert.True(t, ok)
			assert.NotEmpty(t, out)
		}
	})

	t.Run("remove steps carry a target but no output", func(t *testing.T) {
		rm := g.Step(g.RemoveFile("build/a.o"))
		rmdir := g.Step(g.RemoveDir("build"))
		assert.Equal(t, "build/a.o", rm.Target)
		assert.Equal(t, "build", rmdir.Target)
		_, ok := rm.Output()
		assert.False(t, ok)
		_, ok = rmdir.Output()
		assert.False(t, ok)
	})

	t.Run("copy reads source and declares destination", func(t *testing.T) {
		s := g.Step(g.Copy("in.cfg", "out.cfg"))
		assert.Equal(t, "in.cfg", s.Source)
		out, ok := s.Output()
		assert.True(t, ok)
		assert.Equal(t, "out.cfg", out)
		assert.Equal(t, "cp in.cfg out.cfg", s.String())
	})

	t.Run("command keeps its declared output and argv", func(t *testing.T) {
		argv := []string{"cc", "-c", "-o", "a.o", "a.c"}
		id, err := g.Command("a.o", argv...)
		require.NoError(t, err)
		s := g.Step(id)
		out, ok := s.Output()
		assert.True(t, ok)
		assert.Equal(t, "a.o", out)
		assert.Equal(t, argv, s.Argv)

		argv[0] = "mutated"
		assert.Equal(t, "cc", s.Argv[0], "argv must be copied")
		assert.Equal(t, "cc -c -o a.o a.c", s.String())
	})

	t.Run("command without output", func(t *testing.T) {
		id, err := g.Command("", "true")
		require.NoError(t, err)
		_, ok := g.Step(id).Output()
		assert.False(t, ok)
	})

	t.Run("command needs a program", func(t *testing.T) {
		_, err := g.Command("x")
		assert.ErrorIs(t, err, ErrEmptyArgv)
		_, err = g.Command("x", "")
		assert.ErrorIs(t, err, ErrEmptyArgv)
	})
}

func TestAddDependency(t *testing.T) {
	t.Run("appends in order and ignores duplicate edges", func(t *testing.T) {
		g := New()
		a, b, c := g.Root(), g.MakeDir("b"), g.MakeDir("c")
		require.NoError(t, g.AddDependency(a, b))
		require.NoError(t, g.AddDependency(a, c))
		require.NoError(t, g.AddDependency(a, b))
		assert.Equal(t, []ID{b, c}, g.Step(a).Deps())
	})

	t.Run("unknown ids are rejected", func(t *testing.T) {
		g := New()
		a := g.Root()
		assert.ErrorIs(t, g.AddDependency(a, 7), ErrUnknownStep)
		assert.ErrorIs(t, g.AddDependency(7, a), ErrUnknownStep)
	})

	t.Run("cycles are accepted at construction", func(t *testing.T) {
		g := New()
		a, b := g.Root(), g.Root()
		require.NoError(t, g.AddDependency(a, b))
		assert.NoError(t, g.AddDependency(b, a))
		assert.NoError(t, g.AddDependency(a, a))
	})
}

func TestSubdirAndOutputs(t *testing.T) {
	g := New()
	out := g.MakeDir("out")

	bin, err := g.Subdir(out, "bin")
	require.NoError(t, err)
	path, err := g.OutputOf(bin)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "bin"), path)
	assert.Equal(t, []ID{out}, g.Step(bin).Deps())

	_, err = g.Subdir(g.Root(), "x")
	assert.ErrorIs(t, err, ErrNoOutput)

	rm := g.RemoveFile("out/a.o")
	require.NoError(t, g.SetOutput(rm, "out/app"))
	path, err = g.OutputOf(rm)
	require.NoError(t, err)
	assert.Equal(t, "out/app", path)

	g.ClearOutput(rm)
	_, err = g.OutputOf(rm)
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestSinks(t *testing.T) {
	g := New()
	dir := g.MakeDir("build")
	a, _ := g.Command("build/a.o", "cc", "a.c")
	b, _ := g.Command("build/b.o", "cc", "b.c")
	lock := g.Touch("lock")
	require.NoError(t, g.AddDependency(a, dir))
	require.NoError(t, g.AddDependency(b, dir))

	assert.Equal(t, []ID{a, b, lock}, g.Sinks())
	assert.Equal(t, 4, g.Len())
	assert.Nil(t, g.Step(-1))
}

func TestKindAndStateNames(t *testing.T) {
	assert.Equal(t, "mkdir", MakeDir.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
	assert.Equal(t, "running", Running.String())
}
