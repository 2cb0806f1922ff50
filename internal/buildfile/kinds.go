package buildfile

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/vk/buildgrid/internal/step"
	"github.com/vk/buildgrid/internal/toolchain"
)

// builder turns decoded step blocks into graph steps.
type builder struct {
	graph *step.Graph
	opts  toolchain.Options
	decls map[string]*decl
}

type buildFunc func(b *builder, dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics)

var builders = map[string]buildFunc{
	"mkdir":   buildPath(func(g *step.Graph, p string) step.ID { return g.MakeDir(p) }),
	"touch":   buildPath(func(g *step.Graph, p string) step.ID { return g.Touch(p) }),
	"path":    buildPath(func(g *step.Graph, p string) step.ID { return g.PathMarker(p) }),
	"remove":  buildPath(func(g *step.Graph, p string) step.ID { return g.RemoveFile(p) }),
	"rmdir":   buildPath(func(g *step.Graph, p string) step.ID { return g.RemoveDir(p) }),
	"copy":    (*builder).copyFile,
	"command": (*builder).command,
	"compile": (*builder).compile,
	"link":    (*builder).link,
	"archive": (*builder).archive,
	"program": (*builder).program,
	"run":     (*builder).run,
	"group":   (*builder).group,
}

func kindNames() []string {
	names := make([]string, 0, len(builders))
	for k := range builders {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (b *builder) build(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	return builders[dc.ref.Kind](b, dc, ectx)
}

func buildPath(ctor func(*step.Graph, string) step.ID) buildFunc {
	return func(b *builder, dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
		var spec pathSpec
		if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
			return -1, diags
		}
		return ctor(b.graph, spec.Path), nil
	}
}

func (b *builder) copyFile(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec copySpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	return b.graph.Copy(spec.Source, spec.Dest), nil
}

func (b *builder) command(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec commandSpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	out := ""
	if spec.Output != nil {
		out = *spec.Output
	}
	id, err := b.graph.Command(out, spec.Argv...)
	return id, b.fail(dc, err)
}

func (b *builder) compile(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec compileSpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	dir, diags := b.resolve(spec.Dir)
	if diags.HasErrors() {
		return -1, diags
	}
	unit := toolchain.Unit{
		Includes: spec.Includes,
		Macros:   macros(spec.Macros, spec.StringMacros),
	}
	id, err := toolchain.Compile(b.graph, b.opts, spec.Source, dir, unit)
	return id, b.fail(dc, err)
}

func (b *builder) link(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec linkSpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	objs, dir, diags := b.objectsAndDir(spec.Objects, spec.Dir)
	if diags.HasErrors() {
		return -1, diags
	}
	id, err := toolchain.Link(b.graph, b.opts, objs, dir, nameOr(spec.Name, dc), spec.Libs, spec.Shared)
	return id, b.fail(dc, err)
}

func (b *builder) archive(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec archiveSpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	objs, dir, diags := b.objectsAndDir(spec.Objects, spec.Dir)
	if diags.HasErrors() {
		return -1, diags
	}
	id, err := toolchain.Archive(b.graph, b.opts, objs, dir, nameOr(spec.Name, dc))
	return id, b.fail(dc, err)
}

func (b *builder) program(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec programSpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	dir, diags := b.resolve(spec.Dir)
	if diags.HasErrors() {
		return -1, diags
	}
	var extra []step.ID
	if !isAbsent(spec.Objects) {
		if extra, diags = b.resolveList(spec.Objects); diags.HasErrors() {
			return -1, diags
		}
	}
	unit := toolchain.Unit{
		Includes: spec.Includes,
		Macros:   macros(spec.Macros, spec.StringMacros),
		Libs:     spec.Libs,
	}
	id, err := toolchain.CompileLink(b.graph, b.opts, spec.Source, extra, dir, unit, spec.Shared)
	return id, b.fail(dc, err)
}

func (b *builder) run(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec runSpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	exe, diags := b.resolve(spec.Exe)
	if diags.HasErrors() {
		return -1, diags
	}
	id, err := toolchain.RunExe(b.graph, exe, spec.Args...)
	return id, b.fail(dc, err)
}

// group is a named no-op that exists only to depend on other steps.
func (b *builder) group(dc *decl, ectx *hcl.EvalContext) (step.ID, hcl.Diagnostics) {
	var spec groupSpec
	if diags := gohcl.DecodeBody(dc.block.Body, ectx, &spec); diags.HasErrors() {
		return -1, diags
	}
	return b.graph.Root(), nil
}

func (b *builder) objectsAndDir(objects, dir hcl.Expression) ([]step.ID, step.ID, hcl.Diagnostics) {
	objs, diags := b.resolveList(objects)
	if diags.HasErrors() {
		return nil, -1, diags
	}
	d, diags := b.resolve(dir)
	return objs, d, diags
}

func (b *builder) resolve(expr hcl.Expression) (step.ID, hcl.Diagnostics) {
	ref, diags := staticRef(expr)
	if diags.HasErrors() {
		return -1, diags
	}
	return b.decls[ref.String()].id, nil
}

func (b *builder) resolveList(expr hcl.Expression) ([]step.ID, hcl.Diagnostics) {
	refs, diags := staticRefList(expr)
	if diags.HasErrors() {
		return nil, diags
	}
	ids := make([]step.ID, len(refs))
	for i, ref := range refs {
		ids[i] = b.decls[ref.String()].id
	}
	return ids, nil
}

func (b *builder) fail(dc *decl, err error) hcl.Diagnostics {
	if err == nil {
		return nil
	}
	return hcl.Diagnostics{{
		Severity: hcl.DiagError,
		Summary:  fmt.Sprintf("Invalid %s step", dc.ref.Kind),
		Detail:   fmt.Sprintf("Step %s: %s.", dc.ref, err),
		Subject:  dc.block.DefRange.Ptr(),
	}}
}

func nameOr(name *string, dc *decl) string {
	if name != nil && *name != "" {
		return *name
	}
	return dc.ref.Name
}

// macros appends the string macros, rendered as quoted defines, to plain in
// key order.
func macros(plain []string, strs map[string]string) []string {
	out := append([]string{}, plain...)
	keys := make([]string, 0, len(strs))
	for k := range strs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, toolchain.CMacro(k, strs[k]))
	}
	return out
}
