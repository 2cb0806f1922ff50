package buildfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/fsutil"
	"github.com/vk/buildgrid/internal/step"
	"github.com/vk/buildgrid/internal/toolchain"
	"github.com/zclconf/go-cty/cty"
)

// DefaultDebounce is the quiet period the watch loop waits for when the
// build file does not set one.
const DefaultDebounce = 100 * time.Millisecond

// ErrNoBuildFiles is returned when a directory holds no .hcl files.
var ErrNoBuildFiles = errors.New("no .hcl build files found")

// BuildFile is a loaded build description.
type BuildFile struct {
	Graph *step.Graph
	// Root depends on the default targets.
	Root step.ID
	// Steps maps "<kind>.<name>" to the declared step.
	Steps     map[string]step.ID
	Toolchain toolchain.Options
	Watch     WatchConfig
	Files     []string
}

// WatchConfig configures the watch-rebuild loop.
type WatchConfig struct {
	Dirs     []string
	Debounce time.Duration
}

// Option configures Load.
type Option func(*loader)

// WithToolchain sets the options a toolchain block is applied on top of.
func WithToolchain(o toolchain.Options) Option {
	return func(l *loader) { l.base = o }
}

// WithOverride registers a final adjustment to the toolchain, applied after
// the build file's toolchain block.
func WithOverride(fn func(*toolchain.Options)) Option {
	return func(l *loader) { l.override = fn }
}

type loader struct {
	base     toolchain.Options
	override func(*toolchain.Options)
}

// decl is one step block and what it depends on.
type decl struct {
	ref   stepRef
	block *stepBlock
	deps  []stepRef
	id    step.ID
}

// Load reads the build file at path, or every .hcl file below path when it
// is a directory, and turns it into a step graph.
func Load(ctx context.Context, path string, opts ...Option) (*BuildFile, error) {
	logger := ctxlog.FromContext(ctx)
	l := &loader{base: toolchain.Defaults()}
	for _, opt := range opts {
		opt(l)
	}

	files, err := fsutil.ResolveFiles(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve build path '%s': %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoBuildFiles)
	}
	logger.Debug("Resolved build files.", "count", len(files), "path", path)

	var (
		parser    = hclparse.NewParser()
		tcBlocks  []*toolchainBlock
		wBlocks   []*watchBlock
		stepDecls []*stepBlock
		defaults  []string
		diags     hcl.Diagnostics
	)
	for _, file := range files {
		hclFile, d := parser.ParseHCLFile(file)
		if d.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, d)
		}

		var root fileRoot
		if d := gohcl.DecodeBody(hclFile.Body, nil, &root); d.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, d)
		}
		var attrs rootAttrs
		if d := gohcl.DecodeBody(root.Remain, evalContext(nil), &attrs); d.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, d)
		}
		if len(attrs.Default) > 0 {
			if defaults != nil {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate default",
					Detail:   fmt.Sprintf("The default targets are set again in %s; they may only be set in one build file.", file),
				})
			}
			defaults = attrs.Default
		}

		tcBlocks = append(tcBlocks, root.Toolchain...)
		wBlocks = append(wBlocks, root.Watch...)
		stepDecls = append(stepDecls, root.Steps...)
		logger.Debug("Decoded build file.", "path", file, "steps_found", len(root.Steps))
	}
	diags = append(diags, unique(tcBlocks, "toolchain")...)
	diags = append(diags, unique(wBlocks, "watch")...)

	decls, order, d := declare(stepDecls)
	diags = append(diags, d...)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid build file %s: %w", path, diags)
	}

	tc := l.base
	if len(tcBlocks) > 0 {
		tcBlocks[0].apply(&tc)
	}
	if l.override != nil {
		l.override(&tc)
	}

	bf := &BuildFile{
		Graph:     step.New(),
		Steps:     make(map[string]step.ID, len(order)),
		Toolchain: tc,
		Files:     files,
	}
	if bf.Watch, d = watchConfig(wBlocks, path); d.HasErrors() {
		return nil, fmt.Errorf("invalid build file %s: %w", path, d)
	}

	b := &builder{graph: bf.Graph, opts: tc, decls: decls}
	outputs := make(map[string]map[string]cty.Value)
	for _, dc := range order {
		ectx := evalContext(outputs)
		id, d := b.build(dc, ectx)
		if d.HasErrors() {
			return nil, fmt.Errorf("invalid build file %s: %w", path, d)
		}
		dc.id = id
		bf.Graph.SetName(id, dc.ref.String())
		for _, dep := range dc.deps {
			if err := bf.Graph.AddDependency(id, decls[dep.String()].id); err != nil {
				return nil, fmt.Errorf("step %s: %w", dc.ref, err)
			}
		}
		bf.Steps[dc.ref.String()] = id

		if outputs[dc.ref.Kind] == nil {
			outputs[dc.ref.Kind] = make(map[string]cty.Value)
		}
		if out, ok := bf.Graph.Step(id).Output(); ok {
			outputs[dc.ref.Kind][dc.ref.Name] = cty.StringVal(out)
		} else {
			outputs[dc.ref.Kind][dc.ref.Name] = cty.NullVal(cty.String)
		}
		logger.Debug("Declared step.", "step", dc.ref.String(), "id", id, "deps", len(dc.deps))
	}

	root, err := bf.rootFor(defaults)
	if err != nil {
		return nil, fmt.Errorf("invalid build file %s: %w", path, err)
	}
	bf.Root = root

	logger.Debug("Build file loaded.", "steps", len(bf.Steps), "graph_size", bf.Graph.Len())
	return bf, nil
}

// rootFor adds the graph root. It depends on the named defaults, or on
// every step nothing else depends on.
func (bf *BuildFile) rootFor(defaults []string) (step.ID, error) {
	var targets []step.ID
	if len(defaults) == 0 {
		targets = bf.Graph.Sinks()
	} else {
		for _, raw := range defaults {
			ref, err := parseDependsOn(raw)
			if err != nil {
				return -1, fmt.Errorf("default: %w", err)
			}
			id, ok := bf.Steps[ref.String()]
			if !ok {
				return -1, fmt.Errorf("default: %w: %s", step.ErrUnknownStep, ref)
			}
			targets = append(targets, id)
		}
	}

	root := bf.Graph.Root()
	bf.Graph.SetName(root, "default")
	for _, t := range targets {
		if err := bf.Graph.AddDependency(root, t); err != nil {
			return -1, err
		}
	}
	return root, nil
}

// Lookup returns the step declared as "<kind>.<name>".
func (bf *BuildFile) Lookup(address string) (step.ID, error) {
	ref, err := parseDependsOn(address)
	if err != nil {
		return -1, err
	}
	id, ok := bf.Steps[ref.String()]
	if !ok {
		return -1, fmt.Errorf("%w: %s", step.ErrUnknownStep, ref)
	}
	return id, nil
}

// declare indexes step blocks, collects their dependencies and returns them
// in an order where every step follows the steps it depends on.
func declare(blocks []*stepBlock) (map[string]*decl, []*decl, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	decls := make(map[string]*decl, len(blocks))
	var inOrder []*decl

	for _, blk := range blocks {
		ref := stepRef{Kind: blk.Kind, Name: blk.Name}
		if _, ok := builders[blk.Kind]; !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unknown step kind",
				Detail:   fmt.Sprintf("%q is not a step kind. Known kinds: %s.", blk.Kind, strings.Join(kindNames(), ", ")),
				Subject:  blk.DefRange.Ptr(),
			})
			continue
		}
		if prev, ok := decls[ref.String()]; ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate step",
				Detail:   fmt.Sprintf("Step %s was already declared at %s.", ref, prev.block.DefRange),
				Subject:  blk.DefRange.Ptr(),
			})
			continue
		}
		dc := &decl{ref: ref, block: blk, id: -1}
		decls[ref.String()] = dc
		inOrder = append(inOrder, dc)
	}

	for _, dc := range inOrder {
		refs, traversals, d := referencedSteps(dc.block.Body)
		diags = append(diags, d...)
		seen := make(map[string]bool)
		for i, ref := range refs {
			if _, ok := decls[ref.String()]; !ok {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Reference to undeclared step",
					Detail:   fmt.Sprintf("Step %s refers to %s, which is not declared.", dc.ref, traversalKey(traversals[i])),
					Subject:  traversals[i].SourceRange().Ptr(),
				})
				continue
			}
			if !seen[ref.String()] {
				seen[ref.String()] = true
				dc.deps = append(dc.deps, ref)
			}
		}
		for _, raw := range dc.block.DependsOn {
			ref, err := parseDependsOn(raw)
			if err == nil {
				if _, ok := decls[ref.String()]; !ok {
					err = fmt.Errorf("step %s depends on undeclared step %s", dc.ref, ref)
				}
			}
			if err != nil {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid depends_on",
					Detail:   err.Error(),
					Subject:  dc.block.DefRange.Ptr(),
				})
				continue
			}
			if !seen[ref.String()] {
				seen[ref.String()] = true
				dc.deps = append(dc.deps, ref)
			}
		}
	}
	if diags.HasErrors() {
		return nil, nil, diags
	}

	order, d := topoSort(inOrder, decls)
	return decls, order, append(diags, d...)
}

// topoSort orders declarations dependencies-first and reports cycles with
// the path that closes them.
func topoSort(inOrder []*decl, decls map[string]*decl) ([]*decl, hcl.Diagnostics) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[*decl]int, len(inOrder))
	var order []*decl
	var path []string

	var visit func(dc *decl) hcl.Diagnostics
	visit = func(dc *decl) hcl.Diagnostics {
		switch state[dc] {
		case visited:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == dc.ref.String() {
					start = i
				}
			}
			chain := append(append([]string{}, path[start:]...), dc.ref.String())
			return hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Dependency cycle",
				Detail:   fmt.Sprintf("Steps depend on each other: %s.", strings.Join(chain, " -> ")),
				Subject:  dc.block.DefRange.Ptr(),
			}}
		}
		state[dc] = visiting
		path = append(path, dc.ref.String())
		for _, dep := range dc.deps {
			if d := visit(decls[dep.String()]); d.HasErrors() {
				return d
			}
		}
		path = path[:len(path)-1]
		state[dc] = visited
		order = append(order, dc)
		return nil
	}

	for _, dc := range inOrder {
		if d := visit(dc); d.HasErrors() {
			return nil, d
		}
	}
	return order, nil
}

func unique[T interface{ defRange() hcl.Range }](blocks []T, name string) hcl.Diagnostics {
	var diags hcl.Diagnostics
	for _, blk := range blocks[min(1, len(blocks)):] {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate \"" + name + "\" block",
			Detail:   "Only one \"" + name + "\" block is allowed.",
			Subject:  blk.defRange().Ptr(),
		})
	}
	return diags
}

func (b *toolchainBlock) defRange() hcl.Range { return b.DefRange }
func (b *watchBlock) defRange() hcl.Range     { return b.DefRange }

func (b *toolchainBlock) apply(o *toolchain.Options) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&o.CC, b.CC)
	set(&o.IncludeFlag, b.IncludeFlag)
	set(&o.DefineFlag, b.DefineFlag)
	set(&o.ObjectFlag, b.ObjectFlag)
	set(&o.OutputFlag, b.OutputFlag)
	set(&o.LD, b.LD)
	set(&o.LDOutputFlag, b.LDOutputFlag)
	set(&o.LibFlag, b.LibFlag)
	set(&o.SharedFlag, b.SharedFlag)
	set(&o.AR, b.AR)
	set(&o.AROutputFlag, b.AROutputFlag)
	set(&o.ObjExt, b.ObjExt)
	set(&o.ExeExt, b.ExeExt)
	set(&o.SharedExt, b.SharedExt)
	set(&o.ArchiveExt, b.ArchiveExt)
	if b.CCFlags != nil {
		o.CCFlags = b.CCFlags
	}
	if b.LDFlags != nil {
		o.LDFlags = b.LDFlags
	}
	if b.ARFlags != nil {
		o.ARFlags = b.ARFlags
	}
}

func watchConfig(blocks []*watchBlock, path string) (WatchConfig, hcl.Diagnostics) {
	cfg := WatchConfig{Debounce: DefaultDebounce}
	if len(blocks) > 0 {
		blk := blocks[0]
		cfg.Dirs = blk.Dirs
		if blk.Debounce != nil {
			d, err := time.ParseDuration(*blk.Debounce)
			if err != nil || d < 0 {
				return cfg, hcl.Diagnostics{{
					Severity: hcl.DiagError,
					Summary:  "Invalid debounce",
					Detail:   fmt.Sprintf("%q is not a non-negative duration such as \"100ms\".", *blk.Debounce),
					Subject:  blk.DefRange.Ptr(),
				}}
			}
			cfg.Debounce = d
		}
	}
	if len(cfg.Dirs) == 0 {
		dir := path
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			dir = filepath.Dir(path)
		}
		cfg.Dirs = []string{dir}
	}
	return cfg, nil
}
