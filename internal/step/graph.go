package step

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrEmptyArgv is returned by Command when no program is given.
	ErrEmptyArgv = errors.New("command step needs at least one argument")
	// ErrUnknownStep is returned when an ID does not belong to the graph.
	ErrUnknownStep = errors.New("unknown step")
	// ErrNoOutput is returned by helpers that need a step's declared output.
	ErrNoOutput = errors.New("step has no declared output")
)

// Graph owns a set of steps. It is not safe for concurrent mutation.
type Graph struct {
	steps []*Step
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{}
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int {
	return len(g.steps)
}

// Has reports whether id belongs to g.
func (g *Graph) Has(id ID) bool {
	return id >= 0 && int(id) < len(g.steps)
}

// Step returns the step behind id, or nil if id is not part of g.
func (g *Graph) Step(id ID) *Step {
	if !g.Has(id) {
		return nil
	}
	return g.steps[id]
}

// IDs returns every step ID in creation order.
func (g *Graph) IDs() []ID {
	ids := make([]ID, len(g.steps))
	for i := range g.steps {
		ids[i] = ID(i)
	}
	return ids
}

func (g *Graph) add(s *Step) ID {
	g.steps = append(g.steps, s)
	return ID(len(g.steps) - 1)
}

// Root adds a no-op step meant to sit at the top of a build.
func (g *Graph) Root() ID {
	return g.add(&Step{Kind: Root})
}

// PathMarker adds a step standing for an existing file.
func (g *Graph) PathMarker(path string) ID {
	return g.add(&Step{Kind: Path, output: path, hasOutput: true})
}

// Command adds a step running argv. A non-empty output becomes the step's
// declared output; pass "" for commands that produce nothing to clean.
func (g *Graph) Command(output string, argv ...string) (ID, error) {
	if len(argv) == 0 || argv[0] == "" {
		return -1, ErrEmptyArgv
	}
	s := &Step{Kind: Command, Argv: append([]string(nil), argv...)}
	if output != "" {
		s.output, s.hasOutput = output, true
	}
	return g.add(s), nil
}

// MakeDir adds a step creating the directory at path.
func (g *Graph) MakeDir(path string) ID {
	return g.add(&Step{Kind: MakeDir, output: path, hasOutput: true})
}

// Touch adds a step that creates or empties the file at path.
func (g *Graph) Touch(path string) ID {
	return g.add(&Step{Kind: Truncate, output: path, hasOutput: true})
}

// RemoveFile adds a step deleting path. The path is not a declared output.
func (g *Graph) RemoveFile(path string) ID {
	return g.add(&Step{Kind: RemoveFile, Target: path})
}

// RemoveDir adds a step deleting the empty directory at path.
func (g *Graph) RemoveDir(path string) ID {
	return g.add(&Step{Kind: RemoveDir, Target: path})
}

// Copy adds a step copying src to dst; dst is the declared output.
func (g *Graph) Copy(src, dst string) ID {
	return g.add(&Step{Kind: Copy, Source: src, output: dst, hasOutput: true})
}

// AddDependency makes id depend on dep. Adding the same edge twice is a
// no-op. The shape of the graph is never checked here.
func (g *Graph) AddDependency(id, dep ID) error {
	s := g.Step(id)
	if s == nil {
		return fmt.Errorf("add dependency to step %d: %w", id, ErrUnknownStep)
	}
	if !g.Has(dep) {
		return fmt.Errorf("add dependency %d to step %d: %w", dep, id, ErrUnknownStep)
	}
	for _, existing := range s.deps {
		if existing == dep {
			return nil
		}
	}
	s.deps = append(s.deps, dep)
	return nil
}

// SetName labels a step for logs.
func (g *Graph) SetName(id ID, name string) {
	if s := g.Step(id); s != nil {
		s.Name = name
	}
}

// SetOutput hands ownership of path to id.
func (g *Graph) SetOutput(id ID, path string) error {
	s := g.Step(id)
	if s == nil {
		return fmt.Errorf("set output of step %d: %w", id, ErrUnknownStep)
	}
	s.output, s.hasOutput = path, path != ""
	return nil
}

// ClearOutput drops the declared output of id, so clean leaves it alone.
func (g *Graph) ClearOutput(id ID) {
	if s := g.Step(id); s != nil {
		s.output, s.hasOutput = "", false
	}
}

// OutputOf returns the declared output of id or ErrNoOutput.
func (g *Graph) OutputOf(id ID) (string, error) {
	s := g.Step(id)
	if s == nil {
		return "", fmt.Errorf("step %d: %w", id, ErrUnknownStep)
	}
	if !s.hasOutput {
		return "", fmt.Errorf("step %d (%s): %w", id, s, ErrNoOutput)
	}
	return s.output, nil
}

// Subdir adds a MakeDir step for name inside the directory declared by
// parent, depending on parent.
func (g *Graph) Subdir(parent ID, name string) (ID, error) {
	dir, err := g.OutputOf(parent)
	if err != nil {
		return -1, err
	}
	id := g.MakeDir(filepath.Join(dir, name))
	if err := g.AddDependency(id, parent); err != nil {
		return -1, err
	}
	return id, nil
}

// Sinks returns the steps no other step depends on, in creation order.
func (g *Graph) Sinks() []ID {
	depended := make([]bool, len(g.steps))
	for _, s := range g.steps {
		for _, dep := range s.deps {
			depended[dep] = true
		}
	}
	var sinks []ID
	for i := range g.steps {
		if !depended[i] {
			sinks = append(sinks, ID(i))
		}
	}
	return sinks
}
