package buildfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// stepRef names a declared step as "<kind>.<name>".
type stepRef struct {
	Kind string
	Name string
}

func (r stepRef) String() string { return r.Kind + "." + r.Name }

// parseStepTraversal recognizes step.<kind>.<name>. Anything after the name
// is left for expression evaluation to reject.
func parseStepTraversal(traversal hcl.Traversal) (stepRef, bool) {
	if len(traversal) < 3 || traversal.RootName() != "step" {
		return stepRef{}, false
	}
	kindAttr, kindOk := traversal[1].(hcl.TraverseAttr)
	nameAttr, nameOk := traversal[2].(hcl.TraverseAttr)
	if !kindOk || !nameOk {
		return stepRef{}, false
	}
	return stepRef{Kind: kindAttr.Name, Name: nameAttr.Name}, true
}

// parseDependsOn accepts "<kind>.<name>" with an optional "step." prefix.
func parseDependsOn(raw string) (stepRef, error) {
	parts := strings.Split(strings.TrimPrefix(raw, "step."), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return stepRef{}, fmt.Errorf("invalid step address %q: expected <kind>.<name>", raw)
	}
	return stepRef{Kind: parts[0], Name: parts[1]}, nil
}

// traversalKey renders a traversal the way it was written, for messages.
func traversalKey(t hcl.Traversal) string {
	return string(hclwrite.TokensForTraversal(t).Bytes())
}

// referencedSteps lists the step references made by the attributes of body
// in source order, one entry per reference. Traversals rooted at anything
// other than "step" are reported as errors, since no other variables exist.
func referencedSteps(body hcl.Body) ([]stepRef, []hcl.Traversal, hcl.Diagnostics) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, nil, diags
	}

	sorted := make([]*hcl.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		sorted = append(sorted, attr)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Range.Start.Byte < sorted[j].Range.Start.Byte
	})

	var refs []stepRef
	var traversals []hcl.Traversal
	for _, attr := range sorted {
		for _, traversal := range attr.Expr.Variables() {
			ref, ok := parseStepTraversal(traversal)
			if !ok {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid reference",
					Detail:   fmt.Sprintf("%q is not a step reference. References take the form step.<kind>.<name>.", traversalKey(traversal)),
					Subject:  traversal.SourceRange().Ptr(),
				})
				continue
			}
			refs = append(refs, ref)
			traversals = append(traversals, traversal)
		}
	}
	return refs, traversals, diags
}

// staticRef resolves an expression that must be a bare step reference.
func staticRef(expr hcl.Expression) (stepRef, hcl.Diagnostics) {
	traversal, diags := hcl.AbsTraversalForExpr(expr)
	if diags.HasErrors() {
		return stepRef{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Step reference required",
			Detail:   "This attribute must be a reference of the form step.<kind>.<name>.",
			Subject:  expr.Range().Ptr(),
		}}
	}
	ref, ok := parseStepTraversal(traversal)
	if !ok || len(traversal) != 3 {
		return stepRef{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Step reference required",
			Detail:   fmt.Sprintf("%q is not of the form step.<kind>.<name>.", traversalKey(traversal)),
			Subject:  expr.Range().Ptr(),
		}}
	}
	return ref, nil
}

// staticRefList resolves a list expression of bare step references.
func staticRefList(expr hcl.Expression) ([]stepRef, hcl.Diagnostics) {
	exprs, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, diags
	}
	refs := make([]stepRef, 0, len(exprs))
	for _, e := range exprs {
		ref, d := staticRef(e)
		diags = append(diags, d...)
		if !d.HasErrors() {
			refs = append(refs, ref)
		}
	}
	return refs, diags
}

// isAbsent reports whether expr is the placeholder gohcl assigns to an
// optional expression attribute that was not set.
func isAbsent(expr hcl.Expression) bool {
	if expr == nil {
		return true
	}
	if len(expr.Variables()) > 0 {
		return false
	}
	v, diags := expr.Value(nil)
	return !diags.HasErrors() && v.IsNull() && v.Type() == cty.DynamicPseudoType
}
