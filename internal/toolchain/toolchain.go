// Package toolchain builds compile, link, archive and run steps for a C
// toolchain on top of a step.Graph.
package toolchain

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/vk/buildgrid/internal/step"
)

// ErrNoObjects is returned when a link or archive step is given nothing to
// combine.
var ErrNoObjects = errors.New("no object steps given")

// Options describes the programs, flags and file extensions used to build
// command lines.
type Options struct {
	CC          string
	CCFlags     []string
	IncludeFlag string
	DefineFlag  string
	ObjectFlag  string
	OutputFlag  string

	// LD is the linker program. Empty means link with CC and OutputFlag.
	LD           string
	LDFlags      []string
	LDOutputFlag string
	LibFlag      string
	SharedFlag   string

	AR      string
	ARFlags []string
	// AROutputFlag precedes the archive path when non-empty.
	AROutputFlag string

	ObjExt     string
	ExeExt     string
	SharedExt  string
	ArchiveExt string
}

// Defaults returns options for a gcc-compatible toolchain on the current
// platform.
func Defaults() Options {
	return defaultsFor(runtime.GOOS)
}

func defaultsFor(goos string) Options {
	o := Options{
		CC:           "gcc",
		IncludeFlag:  "-I",
		DefineFlag:   "-D",
		ObjectFlag:   "-c",
		OutputFlag:   "-o",
		LDOutputFlag: "-o",
		LibFlag:      "-l",
		SharedFlag:   "-shared",
		AR:           "ar",
		ARFlags:      []string{"-rcs"},
		ObjExt:       ".o",
		SharedExt:    ".so",
		ArchiveExt:   ".a",
	}
	if goos == "windows" {
		o.CC = "gcc.exe"
		o.AR = "ar.exe"
		o.ExeExt = ".exe"
		o.SharedExt = ".dll"
	}
	return o
}

// Linker returns the program and output flag used for linking.
func (o Options) Linker() (string, string) {
	if o.LD == "" {
		return o.CC, o.OutputFlag
	}
	return o.LD, o.LDOutputFlag
}

// SplitFlags splits a space separated flag string as given on the command
// line. Empty input yields no flags.
func SplitFlags(s string) []string {
	return strings.Fields(s)
}

// Unit holds per-target compile and link inputs.
type Unit struct {
	Includes []string
	Macros   []string
	Libs     []string
}

// Compile adds a step compiling src into an object file inside the output
// of outDir. The step depends on outDir.
func Compile(g *step.Graph, o Options, src string, outDir step.ID, u Unit) (step.ID, error) {
	dir, err := g.OutputOf(outDir)
	if err != nil {
		return -1, fmt.Errorf("compile %s: output directory: %w", src, err)
	}
	base := filepath.Base(src)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	target := filepath.Join(dir, base+o.ObjExt)

	argv := []string{o.CC}
	argv = append(argv, o.CCFlags...)
	for _, inc := range u.Includes {
		argv = append(argv, o.IncludeFlag, inc)
	}
	for _, m := range u.Macros {
		argv = append(argv, o.DefineFlag, m)
	}
	argv = append(argv, o.ObjectFlag, o.OutputFlag, target, src)

	id, err := g.Command(target, argv...)
	if err != nil {
		return -1, err
	}
	return id, g.AddDependency(id, outDir)
}

// Link adds a step linking objs into an executable, or a shared library when
// shared is set, named name plus the platform extension inside outDir.
func Link(g *step.Graph, o Options, objs []step.ID, outDir step.ID, name string, libs []string, shared bool) (step.ID, error) {
	if len(objs) == 0 {
		return -1, fmt.Errorf("link %s: %w", name, ErrNoObjects)
	}
	ext := o.ExeExt
	if shared {
		ext = o.SharedExt
	}
	target, err := targetIn(g, outDir, name+ext)
	if err != nil {
		return -1, fmt.Errorf("link %s: %w", name, err)
	}
	paths, err := objectPaths(g, objs)
	if err != nil {
		return -1, fmt.Errorf("link %s: %w", name, err)
	}

	ld, outFlag := o.Linker()
	argv := []string{ld}
	argv = append(argv, o.LDFlags...)
	if shared {
		argv = append(argv, o.SharedFlag)
	}
	for _, lib := range libs {
		argv = append(argv, o.LibFlag, lib)
	}
	argv = append(argv, outFlag, target)
	argv = append(argv, paths...)

	return commandAfter(g, target, argv, append(append([]step.ID{}, objs...), outDir))
}

// Archive adds a step combining objs into a static library inside outDir.
func Archive(g *step.Graph, o Options, objs []step.ID, outDir step.ID, name string) (step.ID, error) {
	if len(objs) == 0 {
		return -1, fmt.Errorf("archive %s: %w", name, ErrNoObjects)
	}
	target, err := targetIn(g, outDir, name+o.ArchiveExt)
	if err != nil {
		return -1, fmt.Errorf("archive %s: %w", name, err)
	}
	paths, err := objectPaths(g, objs)
	if err != nil {
		return -1, fmt.Errorf("archive %s: %w", name, err)
	}

	argv := []string{o.AR}
	argv = append(argv, o.ARFlags...)
	if o.AROutputFlag != "" {
		argv = append(argv, o.AROutputFlag)
	}
	argv = append(argv, target)
	argv = append(argv, paths...)

	return commandAfter(g, target, argv, append(append([]step.ID{}, objs...), outDir))
}

// CompileLink compiles src, links it with extra into a binary named after
// the source file, and removes the intermediate object. The returned step is
// the object removal; it owns the binary's output path so that running it
// yields the binary and cleaning it deletes the binary.
func CompileLink(g *step.Graph, o Options, src string, extra []step.ID, outDir step.ID, u Unit, shared bool) (step.ID, error) {
	obj, err := Compile(g, o, src, outDir, u)
	if err != nil {
		return -1, err
	}
	objPath, _ := g.OutputOf(obj)
	name := strings.TrimSuffix(filepath.Base(objPath), o.ObjExt)

	bin, err := Link(g, o, append([]step.ID{obj}, extra...), outDir, name, u.Libs, shared)
	if err != nil {
		return -1, err
	}
	binPath, _ := g.OutputOf(bin)

	rm := g.RemoveFile(objPath)
	if err := g.AddDependency(rm, bin); err != nil {
		return -1, err
	}
	if err := g.SetOutput(rm, binPath); err != nil {
		return -1, err
	}
	g.ClearOutput(bin)
	return rm, nil
}

// RunExe adds a step running the executable produced by exe with args. The
// step has no output.
func RunExe(g *step.Graph, exe step.ID, args ...string) (step.ID, error) {
	path, err := g.OutputOf(exe)
	if err != nil {
		return -1, fmt.Errorf("run: %w", err)
	}
	if !strings.ContainsRune(path, filepath.Separator) && !filepath.IsAbs(path) {
		path = "." + string(filepath.Separator) + path
	}
	return commandAfter(g, "", append([]string{path}, args...), []step.ID{exe})
}

// CMacro renders a define whose value is a C string literal, escaping
// backslashes and double quotes: NAME="value".
func CMacro(name, value string) string {
	var b strings.Builder
	b.Grow(len(name) + len(value) + 3)
	b.WriteString(name)
	b.WriteString(`="`)
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\\' || c == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

func targetIn(g *step.Graph, dir step.ID, file string) (string, error) {
	d, err := g.OutputOf(dir)
	if err != nil {
		return "", fmt.Errorf("output directory: %w", err)
	}
	return filepath.Join(d, file), nil
}

func objectPaths(g *step.Graph, objs []step.ID) ([]string, error) {
	paths := make([]string, 0, len(objs))
	for _, id := range objs {
		p, err := g.OutputOf(id)
		if err != nil {
			return nil, fmt.Errorf("object step %d: %w", id, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func commandAfter(g *step.Graph, output string, argv []string, deps []step.ID) (step.ID, error) {
	id, err := g.Command(output, argv...)
	if err != nil {
		return -1, err
	}
	for _, d := range deps {
		if err := g.AddDependency(id, d); err != nil {
			return -1, err
		}
	}
	return id, nil
}
