package detector

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

// source is the per-file state shared by rule checks.
type source struct {
	path    string
	lang    string
	content []byte
	lines   []string
	tree    *syntax.Tree // nil when the language has no grammar or parsing failed
}

type rule struct {
	id    string
	langs []string
	check func(src *source) []schemas.Issue
}

func (r rule) applies(lang string) bool {
	if len(r.langs) == 0 {
		return true
	}
	for _, l := range r.langs {
		if l == lang {
			return true
		}
	}
	return false
}

// RulesDetector runs the built-in lint and security rules.
type RulesDetector struct {
	rules []rule
}

// NewRulesDetector creates the detector with every built-in rule enabled.
func NewRulesDetector() *RulesDetector {
	return &RulesDetector{rules: []rule{
		{id: RuleTrailingWhitespace, check: checkTrailingWhitespace},
		{id: RuleDebugPrint, check: checkDebugPrint},
		{id: RuleWeakHash, check: checkWeakHash},
		{id: RuleInsecureTLS, check: checkInsecureTLS},
		{id: RuleUncheckedError, langs: []string{syntax.LangGo}, check: checkUncheckedError},
		{id: RuleNilDereference, langs: []string{syntax.LangGo}, check: checkNilDereference},
	}}
}

func (d *RulesDetector) Name() string { return "rules" }

func (d *RulesDetector) Languages() []string {
	return []string{syntax.LangGo, syntax.LangPython, syntax.LangJavaScript, syntax.LangTypeScript}
}

func (d *RulesDetector) Detect(ctx context.Context, path string, content []byte) ([]schemas.Issue, error) {
	src := &source{
		path:    path,
		lang:    syntax.DetectLanguage(path),
		content: content,
		lines:   strings.Split(string(content), "\n"),
	}
	if syntax.Supported(src.lang) {
		tree, err := syntax.Parse(ctx, src.lang, content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		defer tree.Close()
		src.tree = tree
	}

	var issues []schemas.Issue
	for _, r := range d.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.applies(src.lang) {
			continue
		}
		for _, issue := range r.check(src) {
			issue.Rule = r.id
			issue.Language = src.lang
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

func isComment(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "//") || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "*") || strings.HasPrefix(t, "/*")
}

// -- Style --

func checkTrailingWhitespace(src *source) []schemas.Issue {
	var issues []schemas.Issue
	for i, line := range src.lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == line || (i == len(src.lines)-1 && line == "") {
			continue
		}
		issues = append(issues, schemas.Issue{
			Span:     lineSpan(i+1, len(trimmed)+1, len(line)+1),
			Category: schemas.CategoryStyle,
			Severity: schemas.SeverityLow,
			Message:  "trailing whitespace",
		})
	}
	return issues
}

var debugPrintRegex = map[string]*regexp.Regexp{
	syntax.LangGo:         regexp.MustCompile(`^\s*(fmt\.Print(?:ln|f)?|println|print)\(.*\)\s*$`),
	syntax.LangPython:     regexp.MustCompile(`^\s*(breakpoint|pdb\.set_trace)\(\)\s*$`),
	syntax.LangJavaScript: regexp.MustCompile(`^\s*(console\.(?:log|debug)|debugger)(?:\(.*\))?;?\s*$`),
	syntax.LangTypeScript: regexp.MustCompile(`^\s*(console\.(?:log|debug)|debugger)(?:\(.*\))?;?\s*$`),
}

var goPackageRegex = regexp.MustCompile(`(?m)^package\s+(\w+)`)

func checkDebugPrint(src *source) []schemas.Issue {
	re := debugPrintRegex[src.lang]
	if re == nil || IsGoTestFile(src.path) {
		return nil
	}
	if src.lang == syntax.LangGo {
		// Printing is the job of a main package.
		if m := goPackageRegex.FindSubmatch(src.content); m != nil && string(m[1]) == "main" {
			return nil
		}
	}
	var issues []schemas.Issue
	for i, line := range src.lines {
		m := re.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		call := line[m[2]:m[3]]
		issues = append(issues, schemas.Issue{
			Span:     lineSpan(i+1, m[2]+1, len(strings.TrimRight(line, " \t"))+1),
			Category: schemas.CategoryStyle,
			Severity: schemas.SeverityLow,
			Message:  fmt.Sprintf("leftover debug statement %q", call),
			Metadata: map[string]string{"call": call},
		})
	}
	return issues
}

// -- Security --

var weakHashRegex = map[string]*regexp.Regexp{
	syntax.LangGo:         regexp.MustCompile(`\b(md5|sha1)\.(New|Sum)\(`),
	syntax.LangPython:     regexp.MustCompile(`\bhashlib\.(md5|sha1)\(`),
	syntax.LangJavaScript: regexp.MustCompile(`createHash\(\s*['"](md5|sha1)['"]`),
	syntax.LangTypeScript: regexp.MustCompile(`createHash\(\s*['"](md5|sha1)['"]`),
}

func checkWeakHash(src *source) []schemas.Issue {
	re := weakHashRegex[src.lang]
	if re == nil {
		return nil
	}
	if src.lang == syntax.LangGo {
		text := string(src.content)
		if !strings.Contains(text, `"crypto/md5"`) && !strings.Contains(text, `"crypto/sha1"`) {
			return nil
		}
	}
	var issues []schemas.Issue
	for i, line := range src.lines {
		if isComment(line) {
			continue
		}
		for _, m := range re.FindAllStringSubmatchIndex(line, -1) {
			algo := line[m[2]:m[3]]
			issues = append(issues, schemas.Issue{
				Span:     lineSpan(i+1, m[0]+1, m[1]+1),
				Category: schemas.CategorySecurity,
				Severity: schemas.SeverityMedium,
				Message:  fmt.Sprintf("weak hash algorithm %s", algo),
				Metadata: map[string]string{"algorithm": algo},
			})
		}
	}
	return issues
}

var insecureTLSRegex = map[string]*regexp.Regexp{
	syntax.LangGo:         regexp.MustCompile(`InsecureSkipVerify\s*:\s*true`),
	syntax.LangPython:     regexp.MustCompile(`verify\s*=\s*False`),
	syntax.LangJavaScript: regexp.MustCompile(`rejectUnauthorized\s*:\s*false`),
	syntax.LangTypeScript: regexp.MustCompile(`rejectUnauthorized\s*:\s*false`),
}

func checkInsecureTLS(src *source) []schemas.Issue {
	re := insecureTLSRegex[src.lang]
	if re == nil {
		return nil
	}
	var issues []schemas.Issue
	for i, line := range src.lines {
		if isComment(line) {
			continue
		}
		if m := re.FindStringIndex(line); m != nil {
			issues = append(issues, schemas.Issue{
				Span:     lineSpan(i+1, m[0]+1, m[1]+1),
				Category: schemas.CategorySecurity,
				Severity: schemas.SeverityHigh,
				Message:  "TLS certificate verification disabled",
			})
		}
	}
	return issues
}

// -- Correctness (Go) --

var blankErrorRegex = regexp.MustCompile(`^\s*([A-Za-z_]\w*(?:\s*,\s*[A-Za-z_]\w*)*)\s*,\s*_\s*(:?=)\s*[A-Za-z_](?:[\w.]*\w)?\(.*\)\s*$`)

func checkUncheckedError(src *source) []schemas.Issue {
	var issues []schemas.Issue
	for i, line := range src.lines {
		m := blankErrorRegex.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		issues = append(issues, schemas.Issue{
			Span:     lineSpan(i+1, m[2]+1, len(strings.TrimRight(line, " \t"))+1),
			Category: schemas.CategoryCorrectness,
			Severity: schemas.SeverityMedium,
			Message:  "error result discarded with blank identifier",
		})
	}
	return issues
}

// checkNilDereference flags the first field access through a pointer parameter
// that is not preceded by a nil comparison of that parameter.
func checkNilDereference(src *source) []schemas.Issue {
	if src.tree == nil {
		return nil
	}
	var issues []schemas.Issue
	visit(src.tree.Root(), func(n *sitter.Node) bool {
		if n.Type() != "function_declaration" && n.Type() != "method_declaration" {
			return true
		}
		body := n.ChildByFieldName("body")
		params := pointerParams(src.tree, n.ChildByFieldName("parameters"))
		if body == nil || len(params) == 0 {
			return false
		}
		for _, name := range params {
			if sel := unguardedAccess(src.tree, body, name); sel != nil {
				start, end := sel.StartPoint(), sel.EndPoint()
				issues = append(issues, schemas.Issue{
					Span: schemas.Span{
						StartLine: int(start.Row) + 1, StartColumn: int(start.Column) + 1,
						EndLine: int(end.Row) + 1, EndColumn: int(end.Column) + 1,
					},
					Category: schemas.CategoryCorrectness,
					Severity: schemas.SeverityHigh,
					Message:  fmt.Sprintf("possible nil dereference of parameter %q", name),
					Metadata: map[string]string{"param": name},
				})
			}
		}
		return false
	})
	return issues
}

func pointerParams(tree *syntax.Tree, list *sitter.Node) []string {
	if list == nil {
		return nil
	}
	var names []string
	for i := 0; i < int(list.NamedChildCount()); i++ {
		decl := list.NamedChild(i)
		if decl.Type() != "parameter_declaration" {
			continue
		}
		typ := decl.ChildByFieldName("type")
		if typ == nil || typ.Type() != "pointer_type" {
			continue
		}
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			c := decl.NamedChild(j)
			if c.Type() == "identifier" {
				names = append(names, tree.Content(c))
			}
		}
	}
	return names
}

func unguardedAccess(tree *syntax.Tree, body *sitter.Node, name string) *sitter.Node {
	var found *sitter.Node
	guarded := false
	visit(body, func(n *sitter.Node) bool {
		if found != nil || guarded {
			return false
		}
		switch n.Type() {
		case "binary_expression":
			expr := strings.Join(strings.Fields(tree.Content(n)), "")
			if expr == name+"==nil" || expr == name+"!=nil" || expr == "nil=="+name || expr == "nil!="+name {
				guarded = true
				return false
			}
		case "func_literal":
			return false
		case "selector_expression":
			operand := n.ChildByFieldName("operand")
			if operand == nil || operand.Type() != "identifier" || tree.Content(operand) != name {
				return true
			}
			if parent := n.Parent(); parent != nil && parent.Type() == "call_expression" {
				if fn := parent.ChildByFieldName("function"); fn != nil && fn.Equal(n) {
					return true
				}
			}
			found = n
			return false
		}
		return true
	})
	return found
}

// visit walks the tree in source order. fn returns false to skip children.
func visit(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		visit(n.NamedChild(i), fn)
	}
}

// IsGoTestFile reports whether path is a Go test file.
func IsGoTestFile(path string) bool {
	return strings.HasSuffix(filepath.Base(path), "_test.go")
}
