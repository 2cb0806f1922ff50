package buildfile

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// fileRoot decodes every top-level construct a build file may contain.
type fileRoot struct {
	Toolchain []*toolchainBlock `hcl:"toolchain,block"`
	Watch     []*watchBlock     `hcl:"watch,block"`
	Steps     []*stepBlock      `hcl:"step,block"`
	Remain    hcl.Body          `hcl:",remain"`
}

// rootAttrs holds the top-level attributes left in fileRoot.Remain.
type rootAttrs struct {
	Default []string `hcl:"default,optional"`
	Remain  hcl.Body `hcl:",remain"`
}

type toolchainBlock struct {
	CC          *string  `hcl:"cc,optional"`
	CCFlags     []string `hcl:"cc_flags,optional"`
	IncludeFlag *string  `hcl:"include_flag,optional"`
	DefineFlag  *string  `hcl:"define_flag,optional"`
	ObjectFlag  *string  `hcl:"object_flag,optional"`
	OutputFlag  *string  `hcl:"output_flag,optional"`

	LD           *string  `hcl:"ld,optional"`
	LDFlags      []string `hcl:"ld_flags,optional"`
	LDOutputFlag *string  `hcl:"ld_output_flag,optional"`
	LibFlag      *string  `hcl:"lib_flag,optional"`
	SharedFlag   *string  `hcl:"shared_flag,optional"`

	AR           *string  `hcl:"ar,optional"`
	ARFlags      []string `hcl:"ar_flags,optional"`
	AROutputFlag *string  `hcl:"ar_output_flag,optional"`

	ObjExt     *string `hcl:"obj_ext,optional"`
	ExeExt     *string `hcl:"exe_ext,optional"`
	SharedExt  *string `hcl:"shared_ext,optional"`
	ArchiveExt *string `hcl:"archive_ext,optional"`

	DefRange hcl.Range `hcl:",def_range"`
}

type watchBlock struct {
	Dirs     []string `hcl:"dirs,optional"`
	Debounce *string  `hcl:"debounce,optional"`

	DefRange hcl.Range `hcl:",def_range"`
}

type stepBlock struct {
	Kind      string   `hcl:"kind,label"`
	Name      string   `hcl:"name,label"`
	DependsOn []string `hcl:"depends_on,optional"`
	Body      hcl.Body `hcl:",remain"`

	DefRange hcl.Range `hcl:",def_range"`
}

// Per-kind bodies. Attributes typed hcl.Expression hold static step
// references that resolve to step IDs rather than values.

type pathSpec struct {
	Path string `hcl:"path"`
}

type copySpec struct {
	Source string `hcl:"source"`
	Dest   string `hcl:"dest"`
}

type commandSpec struct {
	Argv   []string `hcl:"argv"`
	Output *string  `hcl:"output,optional"`
}

type compileSpec struct {
	Source       string            `hcl:"source"`
	Dir          hcl.Expression    `hcl:"dir"`
	Includes     []string          `hcl:"includes,optional"`
	Macros       []string          `hcl:"macros,optional"`
	StringMacros map[string]string `hcl:"string_macros,optional"`
}

type linkSpec struct {
	Objects hcl.Expression `hcl:"objects"`
	Dir     hcl.Expression `hcl:"dir"`
	Name    *string        `hcl:"name,optional"`
	Libs    []string       `hcl:"libs,optional"`
	Shared  bool           `hcl:"shared,optional"`
}

type archiveSpec struct {
	Objects hcl.Expression `hcl:"objects"`
	Dir     hcl.Expression `hcl:"dir"`
	Name    *string        `hcl:"name,optional"`
}

type programSpec struct {
	Source       string            `hcl:"source"`
	Dir          hcl.Expression    `hcl:"dir"`
	Objects      hcl.Expression    `hcl:"objects,optional"`
	Includes     []string          `hcl:"includes,optional"`
	Macros       []string          `hcl:"macros,optional"`
	StringMacros map[string]string `hcl:"string_macros,optional"`
	Libs         []string          `hcl:"libs,optional"`
	Shared       bool              `hcl:"shared,optional"`
}

type runSpec struct {
	Exe  hcl.Expression `hcl:"exe"`
	Args []string       `hcl:"args,optional"`
}

type groupSpec struct {
	Steps cty.Value `hcl:"steps,optional"`
}
