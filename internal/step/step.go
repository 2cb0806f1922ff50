// Package step defines the nodes of a build graph.
//
// A Graph owns every step it creates; callers refer to steps through ID
// handles and wire them together with AddDependency. Edges are references,
// not ownership, so a step may be shared by any number of dependents
// (diamonds are legal). The graph does not reject cycles; the executor
// reports them when it walks into one.
package step

import (
	"fmt"
	"strings"

	"github.com/vk/buildgrid/internal/proc"
)

// ID is a handle to a step inside the Graph that created it.
type ID int

// Kind selects what executing a step does.
type Kind int

const (
	// Root is a no-op used to gather independent subtrees under one entry point.
	Root Kind = iota
	// Path marks a file or directory that already exists (a source input). It
	// does nothing when run and Clean leaves it alone.
	Path
	// Command runs an external program.
	Command
	// RemoveFile deletes its target file.
	RemoveFile
	// RemoveDir deletes its target directory, which must be empty.
	RemoveDir
	// MakeDir creates its output directory.
	MakeDir
	// Truncate creates or empties its output file.
	Truncate
	// Copy copies its source file to its output path.
	Copy
)

var kindNames = [...]string{
	Root:       "root",
	Path:       "path",
	Command:    "cmd",
	RemoveFile: "rm",
	RemoveDir:  "rmdir",
	MakeDir:    "mkdir",
	Truncate:   "trunc",
	Copy:       "copy",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// State is the per-run-cycle progress of a step.
type State int

const (
	NotStarted State = iota
	Running
	Done
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Step is one node of the build graph.
type Step struct {
	// Name is a human label for logs; it has no effect on execution.
	Name string
	Kind Kind

	// Argv is the command line of a Command step; Argv[0] is the program.
	Argv []string
	// Target is the path a RemoveFile or RemoveDir step deletes.
	Target string
	// Source is the file a Copy step reads.
	Source string

	output    string
	hasOutput bool
	deps      []ID

	// State and Handle are owned by the executor.
	State  State
	Handle proc.Handle
}

// Output returns the declared output path, if any.
func (s *Step) Output() (string, bool) {
	return s.output, s.hasOutput
}

// Deps returns the step's dependencies in insertion order. The slice must
// not be modified.
func (s *Step) Deps() []ID {
	return s.deps
}

// String renders the step the way a shell transcript of the build would
// show it.
func (s *Step) String() string {
	switch s.Kind {
	case Root:
		if s.Name != "" {
			return "root " + s.Name
		}
		return "root"
	case Path:
		return "path " + s.output
	case Command:
		return strings.Join(s.Argv, " ")
	case RemoveFile:
		return "rm " + s.Target
	case RemoveDir:
		return "rmdir " + s.Target
	case MakeDir:
		return "mkdir " + s.output
	case Truncate:
		return "truncate -s 0 " + s.output
	case Copy:
		return "cp " + s.Source + " " + s.output
	default:
		return s.Kind.String()
	}
}
