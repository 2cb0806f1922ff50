// Package proc launches build commands as child processes and collects their
// exit status. Spawn never blocks on the child, which is what lets sibling
// subtrees of a build graph overlap in wall-clock time.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// Handle identifies a launched process. It is only meaningful to the
// Launcher that produced it.
type Handle interface {
	Pid() int
}

// Launcher starts processes and waits for them.
type Launcher interface {
	// Spawn starts argv[0] with the remaining arguments and returns
	// without waiting for it to exit.
	Spawn(ctx context.Context, argv []string) (Handle, error)
	// Wait blocks until the process behind h exits.
	Wait(h Handle) error
}

// Exec is the os/exec backed Launcher. Children share the configured
// stdout/stderr so compiler diagnostics reach the user directly.
type Exec struct {
	stdout io.Writer
	stderr io.Writer
}

// NewExec returns an Exec launcher. Nil writers fall back to the process's
// own stdout and stderr.
func NewExec(stdout, stderr io.Writer) *Exec {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Exec{stdout: stdout, stderr: stderr}
}


type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Spawn implements Launcher.
func (e *Exec) Spawn(ctx context.Context, argv []string) (Handle, error) {
	if len(argv) == 0 {
		return nil, &SpawnError{Argv: argv, Err: ErrEmptyArgv}
	}
	logger := ctxlog.FromContext(ctx)

	// The child outlives ctx on purpose: a failing sibling must not kill
	// commands that are already running.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr

	if err := cmd.Start(); err != nil {
		logger.Debug("Process failed to start.", "argv", strings.Join(argv, " "), "error", err)
		return nil, &SpawnError{Argv: argv, Err: err}
	}
	logger.Debug("Process started.", "pid", cmd.Process.Pid, "program", argv[0])
	return &execHandle{cmd: cmd}, nil
}

// Wait implements Launcher.
func (e *Exec) Wait(h Handle) error {
	eh, ok := h.(*execHandle)
	if !ok || eh == nil {
		return &WaitError{Kind: WaitSyscallFailed, Pid: -1, Err: fmt.Errorf("foreign handle %T", h)}
	}

	err := eh.cmd.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if sig, ok := signaled(exitErr.ProcessState); ok {
			return &WaitError{Kind: KilledBySignal, Pid: eh.Pid(), Code: -1, Signal: sig}
		}
		return &WaitError{Kind: NonZeroExit, Pid: eh.Pid(), Code: exitErr.ExitCode()}
	}
	return &WaitError{Kind: WaitSyscallFailed, Pid: eh.Pid(), Err: err}
}

var _ Launcher = (*Exec)(nil)
