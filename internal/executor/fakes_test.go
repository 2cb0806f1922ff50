package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/vk/buildgrid/internal/fsops"
	"github.com/vk/buildgrid/internal/proc"
)

type fakeHandle struct {
	pid  int
	argv []string
}

func (h *fakeHandle) Pid() int { return h.pid }

// fakeLauncher records spawn/wait events in order. Errors are keyed by the
// last argv element so tests can fail one specific command.
type fakeLauncher struct {
	events   []string
	spawnErr map[string]error
	waitErr  map[string]error
	nextPid  int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{spawnErr: map[string]error{}, waitErr: map[string]error{}}
}

func key(argv []string) string { return argv[len(argv)-1] }

func (l *fakeLauncher) Spawn(_ context.Context, argv []string) (proc.Handle, error) {
	if err := l.spawnErr[key(argv)]; err != nil {
		l.events = append(l.events, "spawn-failed "+key(argv))
		return nil, &proc.SpawnError{Argv: argv, Err: err}
	}
	l.nextPid++
	l.events = append(l.events, "spawn "+key(argv))
	return &fakeHandle{pid: l.nextPid, argv: argv}, nil
}

func (l *fakeLauncher) Wait(h proc.Handle) error {
	fh := h.(*fakeHandle)
	l.events = append(l.events, "wait "+key(fh.argv))
	return l.waitErr[key(fh.argv)]
}

func (l *fakeLauncher) count(prefix string) int {
	n := 0
	for _, ev := range l.events {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) index(event string) int {
	for i, ev := range l.events {
		if ev == event {
			return i
		}
	}
	return -1
}

// memFS is an in-memory fsops.FS: enough to observe ordering and cleaning.
type memFS struct {
	dirs  map[string]bool
	files map[string]bool
	ops   []string
	fail  map[string]error
}

func newMemFS() *memFS {
	return &memFS{dirs: map[string]bool{".": true}, files: map[string]bool{}, fail: map[string]error{}}
}

func (m *memFS) record(op, path string) error {
	m.ops = append(m.ops, op+" "+path)
	if err := m.fail[op+" "+path]; err != nil {
		return err
	}
	return nil
}

func (m *memFS) exists(path string) bool { return m.dirs[path] || m.files[path] }

func (m *memFS) RemoveFile(path string) error {
	if err := m.record("rm", path); err != nil {
		return err
	}
	if !m.files[path] {
		return &fsops.FsError{Op: "rm", Path: path, Kind: fsops.BadPath, Err: errors.New("no such file")}
	}
	delete(m.files, path)
	return nil
}

func (m *memFS) RemoveEmptyDir(path string) error {
	if err := m.record("rmdir", path); err != nil {
		return err
	}
	if !m.dirs[path] {
		return &fsops.FsError{Op: "rmdir", Path: path, Kind: fsops.BadPath, Err: errors.New("no such dir")}
	}
	for p := range m.files {
		if filepath.Dir(p) == path {
			return &fsops.FsError{Op: "rmdir", Path: path, Kind: fsops.NotEmpty, Err: errors.New("not empty")}
		}
	}
	for p := range m.dirs {
		if p != path && filepath.Dir(p) == path {
			return &fsops.FsError{Op: "rmdir", Path: path, Kind: fsops.NotEmpty, Err: errors.New("not empty")}
		}
	}
	delete(m.dirs, path)
	return nil
}

func (m *memFS) MakeDir(path string) error {
	if err := m.record("mkdir", path); err != nil {
		return err
	}
	if m.exists(path) {
		return &fsops.FsError{Op: "mkdir", Path: path, Kind: fsops.AlreadyExists, Err: errors.New("exists")}
	}
	if !m.dirs[filepath.Dir(path)] {
		return &fsops.FsError{Op: "mkdir", Path: path, Kind: fsops.BadPath, Err: errors.New("no parent")}
	}
	m.dirs[path] = true
	return nil
}

func (m *memFS) TruncateOrCreate(path string) error {
	if err := m.record("truncate", path); err != nil {
		return err
	}
	if !m.dirs[filepath.Dir(path)] {
		return &fsops.FsError{Op: "truncate", Path: path, Kind: fsops.BadPath, Err: errors.New("no parent")}
	}
	m.files[path] = true
	return nil
}

func (m *memFS) CopyFile(src, dst string) error {
	if err := m.record("cp", src+" "+dst); err != nil {
		return err
	}
	if !m.files[src] {
		return &fsops.FsError{Op: "cp", Path: src, Kind: fsops.BadPath, Err: errors.New("no source")}
	}
	m.files[dst] = true
	return nil
}

func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (m *memFS) count(prefix string) int {
	n := 0
	for _, op := range m.ops {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}
