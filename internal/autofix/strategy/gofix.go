package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

var numericTypes = map[string]bool{
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	"float32": true, "float64": true, "complex64": true, "complex128": true,
	"byte": true, "rune": true,
}

// resultTypes returns one type node per result value of a Go function.
func resultTypes(fn *sitter.Node) []*sitter.Node {
	res := fn.ChildByFieldName("result")
	if res == nil {
		return nil
	}
	if res.Type() != "parameter_list" {
		return []*sitter.Node{res}
	}
	var out []*sitter.Node
	for i := 0; i < int(res.NamedChildCount()); i++ {
		decl := res.NamedChild(i)
		typ := decl.ChildByFieldName("type")
		if typ == nil {
			continue
		}
		names := 0
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			if decl.NamedChild(j).Type() == "identifier" {
				names++
			}
		}
		for k := 0; k < max(names, 1); k++ {
			out = append(out, typ)
		}
	}
	return out
}

// zeroValue renders the zero value of a Go type. certain is false when the
// literal is a guess that only type checking can confirm.
func zeroValue(tree *syntax.Tree, typ *sitter.Node) (value string, certain bool) {
	switch typ.Type() {
	case "pointer_type", "slice_type", "map_type", "channel_type", "function_type", "interface_type":
		return "nil", true
	case "type_identifier":
		name := tree.Content(typ)
		switch {
		case name == "string":
			return `""`, true
		case name == "bool":
			return "false", true
		case name == "error" || name == "any":
			return "nil", true
		case numericTypes[name]:
			return "0", true
		}
		return name + "{}", false
	case "qualified_type", "generic_type", "array_type", "struct_type":
		return tree.Content(typ) + "{}", false
	case "parenthesized_type":
		if typ.NamedChildCount() == 1 {
			return zeroValue(tree, typ.NamedChild(0))
		}
	}
	return "", false
}

func isErrorType(tree *syntax.Tree, typ *sitter.Node) bool {
	return typ.Type() == "type_identifier" && tree.Content(typ) == "error"
}

// returnValues renders the zero values of every result but the last and
// reports whether all of them are certain.
func returnValues(tree *syntax.Tree, types []*sitter.Node) ([]string, bool) {
	values := make([]string, 0, len(types))
	certain := true
	for _, t := range types {
		v, ok := zeroValue(tree, t)
		if v == "" {
			return nil, false
		}
		certain = certain && ok
		values = append(values, v)
	}
	return values, certain
}

// enclosingFunc finds the function around the issue's first position.
func (fc *fixContext) enclosingFunc() *sitter.Node {
	if fc.tree == nil {
		return nil
	}
	node := fc.tree.NodeAt(fc.issue.Span.StartLine, fc.issue.Span.StartColumn)
	return syntax.EnclosingFunction(node)
}

// errorValue builds an error expression using whichever of errors or fmt the
// file already imports. need names an import the caller must add.
func errorValue(ctx context.Context, source []byte, msg string) (expr, need string) {
	imports := goImports(ctx, source)
	switch {
	case imports["errors"]:
		return fmt.Sprintf("errors.New(%q)", msg), ""
	case imports["fmt"]:
		return fmt.Sprintf("fmt.Errorf(%q)", msg), ""
	default:
		return fmt.Sprintf("errors.New(%q)", msg), "errors"
	}
}

// fixNilGuard returns early from the function when the dereferenced pointer
// parameter is nil.
func fixNilGuard(ctx context.Context, fc *fixContext) (*fix, error) {
	param := fc.issue.Metadata["param"]
	fn := fc.enclosingFunc()
	if fn == nil || param == "" || fc.issue.Language != syntax.LangGo {
		return nil, nil
	}
	body := fn.ChildByFieldName("body")
	if body == nil || body.StartPoint().Row == body.EndPoint().Row {
		return nil, nil
	}
	first := int(body.StartPoint().Row) + 1
	if first >= len(fc.lines) {
		return nil, nil
	}
	indent := indentOf(fc.lines[first])
	if strings.TrimSpace(fc.lines[first]) == "" {
		indent = indentOf(fc.lines[fn.StartPoint().Row]) + "\t"
	}
	unit := indentUnit(indent)

	types := resultTypes(fn)
	values, certain := returnValues(fc.tree, types)
	if len(types) > 0 && values == nil {
		return nil, nil
	}
	var need string
	if n := len(types); n > 0 && isErrorType(fc.tree, types[n-1]) {
		values[n-1], need = errorValue(ctx, fc.source, param+" is nil")
	}
	stmt := "return"
	if len(values) > 0 {
		stmt += " " + strings.Join(values, ", ")
	}

	guard := indent + "if " + param + " == nil {\n" + indent + unit + stmt + "\n" + indent + "}\n"
	after := []byte(strings.Join(fc.lines[:first], "") + guard + strings.Join(fc.lines[first:], ""))
	if need != "" {
		after = AddGoImport(ctx, after, need)
	}

	confidence := 0.72
	if !certain {
		confidence = 0.62
	}
	return &fix{
		after:       after,
		confidence:  confidence,
		explanation: fmt.Sprintf("return early when %s is nil before it is dereferenced", param),
	}, nil
}

var (
	blankErrLineRegex = regexp.MustCompile(`^(\s*)(.*?)\s*,\s*_\s*(:?=)\s*(.+?)\s*$`)
	calleeRegex       = regexp.MustCompile(`^([A-Za-z_][\w.]*)\(`)
	errIdentRegex     = regexp.MustCompile(`\berr\b`)
)

// fixUncheckedError binds the discarded error and returns it, wrapped the
// way the file already wraps errors.
func fixUncheckedError(ctx context.Context, fc *fixContext) (*fix, error) {
	i := fc.line()
	fn := fc.enclosingFunc()
	if i < 0 || fn == nil {
		return nil, nil
	}
	body := strings.TrimSuffix(fc.lines[i], "\n")
	m := blankErrLineRegex.FindStringSubmatch(body)
	if m == nil || errIdentRegex.MatchString(m[2]) {
		return nil, nil
	}
	indent, lhs, op, rhs := m[1], m[2], m[3], m[4]

	types := resultTypes(fn)
	if len(types) == 0 || !isErrorType(fc.tree, types[len(types)-1]) {
		return nil, nil
	}
	values, certain := returnValues(fc.tree, types)
	if values == nil {
		return nil, nil
	}

	var need string
	values[len(values)-1] = "err"
	if strings.Contains(string(fc.source), "%w") {
		callee := "call"
		if cm := calleeRegex.FindStringSubmatch(rhs); cm != nil {
			callee = cm[1]
		}
		values[len(values)-1] = fmt.Sprintf("fmt.Errorf(%q, err)", callee+": %w")
		need = "fmt"
	}

	unit := indentUnit(indent)
	replacement := indent + lhs + ", err " + op + " " + rhs + "\n" +
		indent + "if err != nil {\n" +
		indent + unit + "return " + strings.Join(values, ", ") + "\n" +
		indent + "}" + fc.lines[i][len(body):]
	after := []byte(strings.Join(fc.lines[:i], "") + replacement + strings.Join(fc.lines[i+1:], ""))
	if need != "" {
		after = AddGoImport(ctx, after, need)
	}

	confidence := 0.7
	switch {
	case op == "=":
		// err may not be declared in this scope.
		confidence = 0.55
	case !certain:
		confidence = 0.6
	}
	return &fix{after: after, confidence: confidence, explanation: "check the error instead of discarding it"}, nil
}
