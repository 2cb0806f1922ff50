package buildfile

import (
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// pathFunc joins its arguments with the platform path separator.
var pathFunc = function.New(&function.Spec{
	VarParam: &function.Parameter{
		Name: "elems",
		Type: cty.String,
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		elems := make([]string, len(args))
		for i, arg := range args {
			elems[i] = arg.AsString()
		}
		return cty.StringVal(filepath.Join(elems...)), nil
	},
})

func functions() map[string]function.Function {
	return map[string]function.Function{
		"path":   pathFunc,
		"join":   stdlib.JoinFunc,
		"concat": stdlib.ConcatFunc,
		"format": stdlib.FormatFunc,
		"upper":  stdlib.UpperFunc,
		"lower":  stdlib.LowerFunc,
	}
}

// evalContext exposes the outputs of the steps built so far as
// step.<kind>.<name>. Steps without an output evaluate to null.
func evalContext(outputs map[string]map[string]cty.Value) *hcl.EvalContext {
	kinds := make(map[string]cty.Value, len(outputs))
	for kind, byName := range outputs {
		kinds[kind] = cty.ObjectVal(byName)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"step": cty.ObjectVal(kinds)},
		Functions: functions(),
	}
}
