// Package syntax wraps tree-sitter parsing for the languages the pipeline
// understands: language detection, syntax checking, node lookup by position,
// leaf tokenization and import extraction.
package syntax

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Supported language identifiers.
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
)

// DetectLanguage maps a file extension to a language identifier. Unknown
// extensions return "".
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return LangGo
	case ".py", ".pyi":
		return LangPython
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript
	case ".ts", ".tsx", ".mts", ".cts":
		return LangTypeScript
	default:
		return ""
	}
}

// Supported reports whether a tree-sitter grammar exists for lang.
func Supported(lang string) bool {
	return grammar(lang) != nil
}

func grammar(lang string) *sitter.Language {
	switch lang {
	case LangGo:
		return golang.GetLanguage()
	case LangPython:
		return python.GetLanguage()
	case LangJavaScript:
		return javascript.GetLanguage()
	case LangTypeScript:
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// Tree is a parsed file. Callers must Close it.
type Tree struct {
	Lang   string
	Source []byte
	tree   *sitter.Tree
}

// Parse parses source with the grammar for lang. Parsers are created per call
// because tree-sitter parsers are not safe for concurrent use.
func Parse(ctx context.Context, lang string, source []byte) (*Tree, error) {
	g := grammar(lang)
	if g == nil {
		return nil, fmt.Errorf("no grammar for language %q", lang)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter failed to parse: %w", err)
	}
	return &Tree{Lang: lang, Source: source, tree: tree}, nil
}

// Root returns the root node of the tree.
func (t *Tree) Root() *sitter.Node {
	return t.tree.RootNode()
}

// Close releases the underlying tree.
func (t *Tree) Close() {
	if t != nil && t.tree != nil {
		t.tree.Close()
	}
}

// Content returns the source text of node.
func (t *Tree) Content(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	return node.Content(t.Source)
}

// SyntaxError describes the first error node of a parse.
type SyntaxError struct {
	Line    int
	Column  int
	EndLine int
	Missing bool
	Snippet string
}

func (e *SyntaxError) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing token at %d:%d", e.Line, e.Column)
	}
	return fmt.Sprintf("syntax error at %d:%d near %q", e.Line, e.Column, e.Snippet)
}

// Check parses source and returns the first syntax error, or nil when the
// source parses cleanly. Unsupported languages are never reported as errors.
func Check(ctx context.Context, lang string, source []byte) (*SyntaxError, error) {
	if !Supported(lang) {
		return nil, nil
	}
	tree, err := Parse(ctx, lang, source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	errs := tree.Errors(1)
	if len(errs) == 0 {
		return nil, nil
	}
	return &errs[0], nil
}

// Errors collects up to limit syntax errors. Children of an error node are not
// reported separately. A limit of 0 means no limit.
func (t *Tree) Errors(limit int) []SyntaxError {
	var out []SyntaxError
	var walk func(n *sitter.Node) bool
	walk = func(n *sitter.Node) bool {
		if n == nil {
			return true
		}
		if n.IsError() || n.IsMissing() {
			out = append(out, t.describe(n))
			return limit == 0 || len(out) < limit
		}
		if !n.HasError() {
			return true
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if !walk(n.Child(i)) {
				return false
			}
		}
		return true
	}
	walk(t.Root())
	return out
}

func (t *Tree) describe(n *sitter.Node) SyntaxError {
	snippet := t.Content(n)
	if len(snippet) > 40 {
		snippet = snippet[:40]
	}
	return SyntaxError{
		Line:    int(n.StartPoint().Row) + 1,
		Column:  int(n.StartPoint().Column) + 1,
		EndLine: int(n.EndPoint().Row) + 1,
		Missing: n.IsMissing(),
		Snippet: snippet,
	}
}

// NodeAt returns the smallest named node that starts on the given 1-based line
// at or after column, falling back to the smallest named node covering the
// line start.
func (t *Tree) NodeAt(line, column int) *sitter.Node {
	if line < 1 {
		return nil
	}
	if column < 1 {
		column = 1
	}
	pt := sitter.Point{Row: uint32(line - 1), Column: uint32(column - 1)}
	node := t.Root().NamedDescendantForPointRange(pt, pt)
	if node == nil || node.Equal(t.Root()) {
		return nil
	}
	return node
}

// StatementAt returns the innermost statement-like node enclosing line.
func (t *Tree) StatementAt(line int) *sitter.Node {
	node := t.NodeAt(line, firstNonSpaceColumn(t.Source, line))
	for n := node; n != nil; n = n.Parent() {
		if isStatement(n.Type()) {
			return n
		}
	}
	return node
}

// EnclosingFunction walks up from node to the nearest function or method.
func EnclosingFunction(node *sitter.Node) *sitter.Node {
	for n := node; n != nil; n = n.Parent() {
		switch n.Type() {
		case "function_declaration", "method_declaration", "func_literal",
			"function_definition", "arrow_function", "function_expression", "method_definition", "function":
			return n
		}
	}
	return nil
}

// AncestorKinds returns up to depth node types from node upwards, node first.
func AncestorKinds(node *sitter.Node, depth int) []string {
	var kinds []string
	for n := node; n != nil && len(kinds) < depth; n = n.Parent() {
		kinds = append(kinds, n.Type())
	}
	return kinds
}

func isStatement(kind string) bool {
	return strings.HasSuffix(kind, "_statement") ||
		strings.HasSuffix(kind, "_declaration") ||
		kind == "short_var_declaration" ||
		kind == "expression_statement" ||
		kind == "assignment"
}

func firstNonSpaceColumn(source []byte, line int) int {
	start := LineOffset(source, line)
	if start < 0 {
		return 1
	}
	col := 1
	for i := start; i < len(source) && (source[i] == ' ' || source[i] == '\t'); i++ {
		col++
	}
	return col
}

// LineOffset returns the byte offset of the start of the 1-based line, or -1.
func LineOffset(source []byte, line int) int {
	if line < 1 {
		return -1
	}
	if line == 1 {
		return 0
	}
	current := 1
	for i, b := range source {
		if b == '\n' {
			current++
			if current == line {
				return i + 1
			}
		}
	}
	return -1
}
