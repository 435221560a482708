package escalation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/detector"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

// Evidence weights. A proposal's confidence is the sum of what it earned.
const (
	evidenceRuleMatch = 0.30
	evidenceConfined  = 0.20
	evidenceSyntax    = 0.25
	evidenceCleared   = 0.25
)

// Security fixes security findings with narrow rule-specific rewrites.
type Security struct {
	minScore float64
	recheck  []detector.Detector
	logger   *zap.Logger
}

// NewSecurity creates the security handler. recheck are the detectors run
// against the patched file to confirm the finding is gone.
func NewSecurity(cfg config.EscalationConfig, logger *zap.Logger, recheck ...detector.Detector) *Security {
	return &Security{
		minScore: cfg.SecurityMinScore,
		recheck:  recheck,
		logger:   logger.Named("security"),
	}
}

func (h *Security) Name() schemas.StrategyName { return schemas.StrategySecurityHandler }

func (h *Security) Handles(issue *schemas.Issue) bool {
	return issue.Category == schemas.CategorySecurity
}

// Propose rewrites the finding and scores the result.
func (h *Security) Propose(ctx context.Context, issue *schemas.Issue, target strategy.Target) (*strategy.Candidate, error) {
	var (
		after       []byte
		ok          bool
		explanation string
		err         error
	)
	switch {
	case detector.IsSecretRule(issue.Rule):
		var name string
		after, name, ok, err = secretToEnv(ctx, issue, target.Content)
		explanation = fmt.Sprintf("read the secret from the %s environment variable instead of the source", name)
	case issue.Rule == detector.RuleWeakHash:
		after, ok = strategy.RewriteWeakHash(ctx, issue.Language, target.Content, issue.Span.StartLine)
		explanation = "replaced the weak hash with SHA-256"
	case issue.Rule == detector.RuleInsecureTLS:
		after, ok = strategy.RewriteInsecureTLS(issue.Language, target.Content, issue.Span.StartLine)
		explanation = "re-enabled TLS certificate verification"
	}
	if err != nil || !ok {
		return nil, err
	}

	diff, err := patch.Unified(issue.FilePath, target.Content, after)
	if err != nil {
		return nil, fmt.Errorf("failed to render patch: %w", err)
	}
	if diff == "" {
		return nil, nil
	}

	score := evidenceRuleMatch
	if confined(diff) {
		score += evidenceConfined
	}
	if syntax.Supported(issue.Language) {
		if serr, err := syntax.Check(ctx, issue.Language, after); err == nil && serr == nil {
			score += evidenceSyntax
		}
	}
	if h.cleared(ctx, issue, after) {
		score += evidenceCleared
	}
	if score < h.minScore {
		h.logger.Debug("Security rewrite below the minimum score",
			zap.String("issue_id", issue.ID), zap.Float64("score", score), zap.Float64("min_score", h.minScore))
		return nil, nil
	}
	return &strategy.Candidate{
		Strategy:      h.Name(),
		Patch:         diff,
		RawConfidence: min(score, 1),
		Explanation:   explanation,
	}, nil
}

// confined reports whether the edit stays small: the finding's line plus an
// import adjustment.
func confined(diff string) bool {
	fds, err := patch.Parse(diff)
	if err != nil || len(fds) != 1 {
		return false
	}
	added, removed := patch.Stats(fds)
	return removed <= 2 && added <= 6
}

// cleared re-runs the recheck detectors and reports whether the finding's
// rule no longer fires near its line.
func (h *Security) cleared(ctx context.Context, issue *schemas.Issue, after []byte) bool {
	if len(h.recheck) == 0 {
		return false
	}
	for _, d := range h.recheck {
		found, err := d.Detect(ctx, issue.FilePath, after)
		if err != nil {
			h.logger.Debug("Recheck detector failed", zap.String("detector", d.Name()), zap.Error(err))
			return false
		}
		for _, f := range found {
			if f.Rule == issue.Rule && abs(f.Span.StartLine-issue.Span.StartLine) <= 3 {
				return false
			}
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// -- Secret to environment lookup --

var nonIdentRegex = regexp.MustCompile(`[^A-Za-z0-9]+`)

// secretToEnv replaces the string literal holding a hardcoded secret with an
// environment lookup. ok is false when the secret is not a plain literal or
// sits where a runtime call is not allowed.
func secretToEnv(ctx context.Context, issue *schemas.Issue, source []byte) (after []byte, name string, ok bool, err error) {
	if !syntax.Supported(issue.Language) {
		return nil, "", false, nil
	}
	tree, err := syntax.Parse(ctx, issue.Language, source)
	if err != nil {
		return nil, "", false, err
	}
	defer tree.Close()

	lit := stringLiteralAt(tree.NodeAt(issue.Span.StartLine, issue.Span.StartColumn))
	if lit == nil || int(lit.StartPoint().Row) != issue.Span.StartLine-1 {
		return nil, "", false, nil
	}
	for n := lit.Parent(); n != nil; n = n.Parent() {
		if n.Type() == "const_spec" || n.Type() == "const_declaration" {
			return nil, "", false, nil
		}
	}

	name = envName(tree, lit)
	if name == "" {
		name = envNameFrom(strings.TrimPrefix(issue.Rule, detector.RuleSecretPrefix))
	}

	var expr string
	switch issue.Language {
	case syntax.LangGo:
		expr = fmt.Sprintf("os.Getenv(%q)", name)
	case syntax.LangPython:
		expr = fmt.Sprintf("os.environ.get(%q, \"\")", name)
	case syntax.LangJavaScript, syntax.LangTypeScript:
		expr = fmt.Sprintf("(process.env.%s ?? \"\")", name)
	default:
		return nil, "", false, nil
	}

	out := make([]byte, 0, len(source)+len(expr))
	out = append(out, source[:lit.StartByte()]...)
	out = append(out, expr...)
	out = append(out, source[lit.EndByte():]...)

	switch issue.Language {
	case syntax.LangGo:
		out = strategy.AddGoImport(ctx, out, "os")
	case syntax.LangPython:
		delta := len(expr) - int(lit.EndByte()-lit.StartByte())
		out = addPythonImport(tree, out, "os", lit.StartByte(), delta)
	}
	return out, name, true, nil
}

func stringLiteralAt(n *sitter.Node) *sitter.Node {
	for ; n != nil; n = n.Parent() {
		switch n.Type() {
		case "interpreted_string_literal", "raw_string_literal", "string", "template_string":
			return n
		case "block", "function_declaration", "method_declaration", "source_file", "module", "program":
			return nil
		}
	}
	return nil
}

// envName derives a variable name from what the literal is assigned to.
func envName(tree *syntax.Tree, lit *sitter.Node) string {
	child := lit
	for n := lit.Parent(); n != nil; child, n = n, n.Parent() {
		var target *sitter.Node
		switch n.Type() {
		case "expression_list", "literal_element", "argument_list", "arguments":
			continue
		case "short_var_declaration", "assignment_statement", "assignment", "assignment_expression":
			target = n.ChildByFieldName("left")
		case "var_spec", "variable_declarator":
			target = n.ChildByFieldName("name")
		case "keyed_element", "pair":
			target = n.ChildByFieldName("key")
			if target == nil && n.NamedChildCount() > 0 {
				target = n.NamedChild(0)
			}
		case "keyword_argument":
			target = n.ChildByFieldName("name")
		default:
			return ""
		}
		if target == nil || target.Equal(child) {
			return ""
		}
		return envNameFrom(lastIdentifier(tree, target))
	}
	return ""
}

func lastIdentifier(tree *syntax.Tree, n *sitter.Node) string {
	text := strings.Trim(tree.Content(n), "\"'`")
	if i := strings.LastIndexAny(text, ".,"); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(text)
}

// envNameFrom turns an identifier into UPPER_SNAKE_CASE.
func envNameFrom(ident string) string {
	var b strings.Builder
	for i, r := range ident {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := ident[i-1]
			if prev >= 'a' && prev <= 'z' || prev >= '0' && prev <= '9' {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}
	name := strings.Trim(nonIdentRegex.ReplaceAllString(b.String(), "_"), "_")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "SECRET_" + name
	}
	return strings.ToUpper(name)
}

// addPythonImport inserts "import <module>" before the first import of the
// file, or at the top, unless it is already imported. tree is the parse of
// the source before an edit at editAt that changed its length by delta.
func addPythonImport(tree *syntax.Tree, source []byte, module string, editAt uint32, delta int) []byte {
	for _, imp := range tree.Imports() {
		if imp == module {
			return source
		}
	}
	line := "import " + module + "\n"
	root := tree.Root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		c := root.NamedChild(i)
		if c.Type() == "import_statement" || c.Type() == "import_from_statement" {
			if c.Type() == "import_from_statement" && strings.Contains(tree.Content(c), "__future__") {
				continue
			}
			at := int(c.StartByte())
			if c.StartByte() > editAt {
				at += delta
			}
			return append(append(append([]byte{}, source[:at]...), line...), source[at:]...)
		}
	}
	return append([]byte(line), source...)
}
