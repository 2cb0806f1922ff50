package proc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyArgv is returned when asked to spawn a command without a program.
var ErrEmptyArgv = errors.New("empty argv")

// Sentinels matched by WaitError.Is so callers can write
// errors.Is(err, proc.ErrNonZeroExit).
var (
	ErrWaitFailed  = errors.New("wait failed")
	ErrNonZeroExit = errors.New("process exited with nonzero status")
	ErrSignaled    = errors.New("process killed by signal")
)

// SpawnError reports that a process could not be created at all.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WaitErrorKind classifies why waiting on a process did not end in success.
type WaitErrorKind int

const (
	WaitSyscallFailed WaitErrorKind = iota + 1
	NonZeroExit
	KilledBySignal
)

func (k WaitErrorKind) String() string {
	switch k {
	case WaitSyscallFailed:
		return "wait_failed"
	case NonZeroExit:
		return "nonzero_exit"
	case KilledBySignal:
		return "signaled"
	default:
		return fmt.Sprintf("WaitErrorKind(%d)", int(k))
	}
}

// WaitError is returned by Launcher.Wait.
type WaitError struct {
	Kind   WaitErrorKind
	Pid    int
	Code   int
	Signal string
	Err    error
}

func (e *WaitError) Error() string {
	switch e.Kind {
	case NonZeroExit:
		return fmt.Sprintf("process %d exited with status %d", e.Pid, e.Code)
	case KilledBySignal:
		return fmt.Sprintf("process %d killed by signal %s", e.Pid, e.Signal)
	default:
		return fmt.Sprintf("wait on process %d: %v", e.Pid, e.Err)
	}
}

func (e *WaitError) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *WaitError) Is(target error) bool {
	switch target {
	case ErrWaitFailed:
		return e.Kind == WaitSyscallFailed
	case ErrNonZeroExit:
		return e.Kind == NonZeroExit
	case ErrSignaled:
		return e.Kind == KilledBySignal
	}
	return false
}
