package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// snapshotVarPrefix roots every compiled variable inside the evaluation
// context the engine builds for each check.
const snapshotVarPrefix = "metadata.runContextSnapshot.facets."

// Compiled is the canonical stored form of a condition: the author's DSL,
// its normalized rendering, and the JSON-Logic rule the runtime evaluates.
type Compiled struct {
	DSL          string                 `json:"dsl"`
	CanonicalDSL string                 `json:"canonicalDsl"`
	JSONLogic    map[string]interface{} `json:"jsonLogic"`
}

// Compile parses and compiles a DSL expression. Parse failures return a
// *SyntaxError; ingress maps those to the invalid-DSL rejection.
func Compile(dsl string) (*Compiled, error) {
	return compileScoped(dsl, "")
}

// CompileForFacet compiles a post-condition expression whose bare paths are
// relative to the given facet: "status == \"ready\"" scoped to "post_copy"
// reads post_copy.status. Paths already rooted at the facet are left alone.
func CompileForFacet(dsl, facetName string) (*Compiled, error) {
	return compileScoped(dsl, facetName)
}

func compileScoped(dsl, scopeFacet string) (*Compiled, error) {
	ast, err := parse(dsl)
	if err != nil {
		return nil, err
	}
	if scopeFacet != "" {
		ast = qualifyPaths(ast, scopeFacet)
	}
	return &Compiled{
		DSL:          dsl,
		CanonicalDSL: render(ast),
		JSONLogic:    toJSONLogic(ast, true),
	}, nil
}

// qualifyPaths prefixes bare paths with the scope facet.
func qualifyPaths(n exprNode, facetName string) exprNode {
	switch e := n.(type) {
	case *logicalExpr:
		for i, operand := range e.operands {
			e.operands[i] = qualifyPaths(operand, facetName)
		}
	case *notExpr:
		e.operand = qualifyPaths(e.operand, facetName)
	case *compareExpr:
		e.left = qualifyPaths(e.left, facetName)
		e.right = qualifyPaths(e.right, facetName)
	case *pathExpr:
		if e.segments[0] != facetName {
			e.segments = append([]string{facetName}, e.segments...)
		}
	}
	return n
}

// toJSONLogic lowers the AST to a JSON-Logic rule. In boolean position a
// bare path or literal is wrapped in "!!" so evaluation always yields a
// boolean at the root.
func toJSONLogic(n exprNode, boolPosition bool) map[string]interface{} {
	switch e := n.(type) {
	case *logicalExpr:
		operands := make([]interface{}, len(e.operands))
		for i, operand := range e.operands {
			operands[i] = toJSONLogic(operand, true)
		}
		return map[string]interface{}{e.op: operands}

	case *notExpr:
		return map[string]interface{}{"!": []interface{}{toJSONLogic(e.operand, true)}}

	case *compareExpr:
		return map[string]interface{}{
			e.op: []interface{}{operandValue(e.left), operandValue(e.right)},
		}

	case *pathExpr:
		v := operandValue(e)
		if boolPosition {
			return map[string]interface{}{"!!": []interface{}{v}}
		}
		return v.(map[string]interface{})

	case *literalExpr:
		return map[string]interface{}{"!!": []interface{}{e.value}}
	}
	// parse never yields other node types
	return map[string]interface{}{"!!": []interface{}{false}}
}

func operandValue(n exprNode) interface{} {
	switch e := n.(type) {
	case *pathExpr:
		return map[string]interface{}{"var": VarPath(e.segments[0], e.segments[1:]...)}
	case *literalExpr:
		return e.value
	default:
		return toJSONLogic(n, true)
	}
}

// VarPath builds the JSON-Logic var path for a facet value:
// metadata.runContextSnapshot.facets.<facet>.value[.<path...>].
func VarPath(facetName string, path ...string) string {
	var b strings.Builder
	b.WriteString(snapshotVarPrefix)
	b.WriteString(facetName)
	b.WriteString(".value")
	for _, seg := range path {
		b.WriteByte('.')
		b.WriteString(seg)
	}
	return b.String()
}

// render produces the canonical DSL: normalized spacing, double-quoted
// strings, no "facets." prefix, parentheses only where precedence needs
// them.
func render(n exprNode) string {
	switch e := n.(type) {
	case *logicalExpr:
		sep := " && "
		if e.op == "or" {
			sep = " || "
		}
		parts := make([]string, len(e.operands))
		for i, operand := range e.operands {
			part := render(operand)
			// && binds tighter than ||, so only an or-operand under an
			// and-parent needs parentheses to round-trip.
			if inner, ok := operand.(*logicalExpr); ok && e.op == "and" && inner.op == "or" {
				part = "(" + part + ")"
			}
			parts[i] = part
		}
		return strings.Join(parts, sep)

	case *notExpr:
		inner := render(e.operand)
		switch e.operand.(type) {
		case *logicalExpr, *compareExpr:
			return "!(" + inner + ")"
		}
		return "!" + inner

	case *compareExpr:
		return render(e.left) + " " + e.op + " " + render(e.right)

	case *pathExpr:
		return strings.Join(e.segments, ".")

	case *literalExpr:
		return renderLiteral(e.value)
	}
	return ""
}

func renderLiteral(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return strconv.Quote(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []interface{}:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = renderLiteral(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}
