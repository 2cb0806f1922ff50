package executor

import (
	"errors"
	"fmt"

	"github.com/vk/buildgrid/internal/step"
)

// ErrCycle is wrapped by the error returned when Run walks back into a step
// that is still resolving its own dependencies.
var ErrCycle = errors.New("dependency cycle")

// ErrorKind tells which stage of running a step failed.
type ErrorKind int

const (
	// DepRun: a dependency could not be started.
	DepRun ErrorKind = iota + 1
	// DepWait: a dependency was started but did not finish successfully.
	DepWait
	// Spawn: the step's own process could not be created.
	Spawn
	// WaitFailed: the step's own process exited unsuccessfully.
	WaitFailed
	// Filesystem: the step's own filesystem operation failed.
	Filesystem
	// MissingOutput: a step kind that requires a declared output has none.
	MissingOutput
	// BadKind: the step carries a kind the executor does not know.
	BadKind
	// Cycle: the step depends on itself, directly or transitively.
	Cycle
	// UnknownStep: the ID is not part of the graph.
	UnknownStep
)

func (k ErrorKind) String() string {
	switch k {
	case DepRun:
		return "dependency run failed"
	case DepWait:
		return "dependency wait failed"
	case Spawn:
		return "spawn failed"
	case WaitFailed:
		return "command failed"
	case Filesystem:
		return "filesystem operation failed"
	case MissingOutput:
		return "missing output path"
	case BadKind:
		return "bad step kind"
	case Cycle:
		return "dependency cycle"
	case UnknownStep:
		return "unknown step"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// StepError wraps the failure of a single step. Dependency failures nest:
// the outermost StepError names the step whose traversal was aborted, and
// Unwrap leads down to the step that actually failed.
type StepError struct {
	Step     step.ID
	StepKind step.Kind
	Desc     string
	Kind     ErrorKind
	Err      error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %d (%s): %s", e.Step, e.Desc, e.Kind)
	}
	return fmt.Sprintf("step %d (%s): %s: %v", e.Step, e.Desc, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func newStepError(id step.ID, s *step.Step, kind ErrorKind, err error) *StepError {
	se := &StepError{Step: id, Kind: kind, Err: err}
	if s != nil {
		se.StepKind = s.Kind
		se.Desc = s.String()
	}
	return se
}

// Root returns the innermost StepError in err's chain: the step that failed
// on its own rather than because of a dependency.
func Root(err error) *StepError {
	var found *StepError
	for err != nil {
		var se *StepError
		if !errors.As(err, &se) {
			break
		}
		found = se
		err = se.Err
	}
	return found
}

// ExitCode maps err to a process exit status: 0 for nil, otherwise a code
// identifying the outermost failure stage.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StepError
	if !errors.As(err, &se) {
		return 1
	}
	switch se.Kind {
	case DepRun:
		return 1
	case DepWait:
		return 2
	case Spawn, WaitFailed:
		return 3
	case Filesystem:
		switch se.StepKind {
		case step.RemoveFile:
			return 4
		case step.RemoveDir:
			return 5
		case step.MakeDir:
			return 6
		case step.Truncate:
			return 7
		case step.Copy:
			return 8
		}
		return 1
	case MissingOutput:
		return 9
	case BadKind:
		return 10
	case Cycle:
		return 11
	default:
		return 1
	}
}
