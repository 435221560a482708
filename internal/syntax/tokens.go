package syntax

import (
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// TokenKind classifies a leaf token for generalization.
type TokenKind int

const (
	TokenOther TokenKind = iota
	TokenIdentifier
	TokenLiteral
)

// Token is a single leaf with its byte range in the source.
type Token struct {
	Kind  TokenKind
	Text  string
	Start int
	End   int
}

var identifierTypes = map[string]bool{
	"identifier":                    true,
	"field_identifier":              true,
	"type_identifier":               true,
	"package_identifier":            true,
	"property_identifier":           true,
	"shorthand_property_identifier": true,
	"private_property_identifier":   true,
	"statement_identifier":          true,
	"label_name":                    true,
}

// Literal node types are taken whole, without descending into quotes or
// escape sequences.
var literalTypes = map[string]bool{
	"interpreted_string_literal": true,
	"raw_string_literal":         true,
	"rune_literal":               true,
	"int_literal":                true,
	"float_literal":              true,
	"imaginary_literal":          true,
	"string":                     true,
	"template_string":            true,
	"number":                     true,
	"integer":                    true,
	"float":                      true,
	"concatenated_string":        true,
}

// Tokens returns the leaf tokens of the tree that overlap [start, end).
// Comments are dropped.
func (t *Tree) Tokens(start, end int) []Token {
	var out []Token
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		ns, ne := int(n.StartByte()), int(n.EndByte())
		if ne <= start || ns >= end {
			return
		}
		kind := n.Type()
		switch {
		case kind == "comment":
			return
		case literalTypes[kind]:
			out = append(out, Token{Kind: TokenLiteral, Text: n.Content(t.Source), Start: ns, End: ne})
			return
		case identifierTypes[kind]:
			out = append(out, Token{Kind: TokenIdentifier, Text: n.Content(t.Source), Start: ns, End: ne})
			return
		case n.ChildCount() == 0:
			text := n.Content(t.Source)
			if strings.TrimSpace(text) == "" {
				return
			}
			out = append(out, Token{Kind: TokenOther, Text: text, Start: ns, End: ne})
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(t.Root())
	return out
}

var lexRegex = regexp.MustCompile("`[^`]*`" + `|"(?:[^"\\\n]|\\.)*"|'(?:[^'\\\n]|\\.)*'|[A-Za-z_][A-Za-z0-9_]*|[0-9][0-9A-Za-z_.]*|//[^\n]*|#[^\n]*|\S`)

var commonKeywords = map[string]bool{
	"if": true, "else": true, "for": true, "while": true, "return": true, "func": true,
	"def": true, "function": true, "var": true, "let": true, "const": true, "nil": true,
	"null": true, "None": true, "true": true, "false": true, "True": true, "False": true,
	"class": true, "import": true, "from": true, "new": true, "in": true, "not": true,
	"and": true, "or": true, "switch": true, "case": true, "break": true, "continue": true,
	"try": true, "catch": true, "except": true, "raise": true, "throw": true, "go": true,
	"defer": true, "range": true, "type": true, "struct": true, "interface": true, "package": true,
}

// LexTokens tokenizes text without a grammar. It is the fallback for languages
// tree-sitter does not cover.
func LexTokens(text string) []Token {
	var out []Token
	for _, loc := range lexRegex.FindAllStringIndex(text, -1) {
		tok := text[loc[0]:loc[1]]
		kind := TokenOther
		switch c := tok[0]; {
		case strings.HasPrefix(tok, "//") || (c == '#' && len(tok) > 1):
			continue
		case c == '"' || c == '\'' || c == '`' || (c >= '0' && c <= '9'):
			kind = TokenLiteral
		case c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z'):
			if !commonKeywords[tok] {
				kind = TokenIdentifier
			}
		}
		out = append(out, Token{Kind: kind, Text: tok, Start: loc[0], End: loc[1]})
	}
	return out
}

// Imports returns the import paths declared in source.
func (t *Tree) Imports() []string {
	var out []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		switch n.Type() {
		case "import_spec":
			if p := n.ChildByFieldName("path"); p != nil {
				out = append(out, strings.Trim(t.Content(p), "\"`"))
			}
			return
		case "import_statement":
			if t.Lang == LangPython {
				for i := 0; i < int(n.NamedChildCount()); i++ {
					c := n.NamedChild(i)
					if c.Type() == "dotted_name" {
						out = append(out, t.Content(c))
					} else if c.Type() == "aliased_import" {
						if name := c.ChildByFieldName("name"); name != nil {
							out = append(out, t.Content(name))
						}
					}
				}
				return
			}
			if src := n.ChildByFieldName("source"); src != nil {
				out = append(out, strings.Trim(t.Content(src), "\"'`"))
			}
			return
		case "import_from_statement":
			if m := n.ChildByFieldName("module_name"); m != nil {
				out = append(out, t.Content(m))
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(t.Root())
	return out
}
