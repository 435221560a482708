package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/detector"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

// fixContext is what a rule fixer sees of the file.
type fixContext struct {
	issue  *schemas.Issue
	source []byte
	// lines keep their trailing newline.
	lines []string
	// tree is nil when the language has no grammar.
	tree *syntax.Tree
}

// line returns the 0-based index of the issue's first line, or -1.
func (fc *fixContext) line() int {
	i := fc.issue.Span.StartLine - 1
	if i < 0 || i >= len(fc.lines) {
		return -1
	}
	return i
}

type fix struct {
	after       []byte
	confidence  float64
	explanation string
}

type fixer func(ctx context.Context, fc *fixContext) (*fix, error)

// Contextual applies rule-specific fixers that read the surrounding code to
// follow the file's own conventions.
type Contextual struct {
	fixers map[string]fixer
	logger *zap.Logger
}

// NewContextual creates the contextual strategy with every built-in fixer.
func NewContextual(logger *zap.Logger) *Contextual {
	return &Contextual{
		fixers: map[string]fixer{
			detector.RuleNilDereference:     fixNilGuard,
			detector.RuleUncheckedError:     fixUncheckedError,
			detector.RuleTrailingWhitespace: fixTrailingWhitespace,
			detector.RuleDebugPrint:         fixDebugPrint,
			detector.RuleWeakHash:           fixWeakHash,
			detector.RuleInsecureTLS:        fixInsecureTLS,
		},
		logger: logger.Named("contextual"),
	}
}

func (s *Contextual) Name() schemas.StrategyName { return schemas.StrategyContextual }

// Supports reports whether a fixer exists for rule.
func (s *Contextual) Supports(rule string) bool {
	_, ok := s.fixers[rule]
	return ok
}

func (s *Contextual) Propose(ctx context.Context, issue *schemas.Issue, target Target) (*Candidate, error) {
	f, ok := s.fixers[issue.Rule]
	if !ok {
		return nil, nil
	}
	fc := &fixContext{
		issue:  issue,
		source: target.Content,
		lines:  strings.SplitAfter(string(target.Content), "\n"),
	}
	if syntax.Supported(issue.Language) {
		tree, err := syntax.Parse(ctx, issue.Language, target.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", issue.FilePath, err)
		}
		defer tree.Close()
		fc.tree = tree
	}

	res, err := f(ctx, fc)
	if err != nil || res == nil {
		return nil, err
	}
	return newCandidate(s.Name(), issue, target.Content, res.after, res.confidence, res.explanation)
}

// -- Line rewrites --

func fixTrailingWhitespace(_ context.Context, fc *fixContext) (*fix, error) {
	after, ok := replaceLine(fc.source, fc.line(), func(l string) string {
		return strings.TrimRight(l, " \t")
	})
	if !ok {
		return nil, nil
	}
	return &fix{after: after, confidence: 0.95, explanation: "removed trailing whitespace"}, nil
}

func fixDebugPrint(_ context.Context, fc *fixContext) (*fix, error) {
	i := fc.line()
	if i < 0 {
		return nil, nil
	}
	after := []byte(strings.Join(fc.lines[:i], "") + strings.Join(fc.lines[i+1:], ""))
	confidence := 0.85
	if fc.issue.Language == syntax.LangGo && strings.HasPrefix(fc.issue.Metadata["call"], "fmt.") && !usesPackage(after, "fmt") {
		after = removeGoImport(after, "fmt")
	}
	if fc.issue.Language == syntax.LangPython {
		// Removing the only statement of a block leaves it empty.
		confidence = 0.8
	}
	return &fix{after: after, confidence: confidence, explanation: fmt.Sprintf("removed leftover debug statement %s", fc.issue.Metadata["call"])}, nil
}

func fixWeakHash(ctx context.Context, fc *fixContext) (*fix, error) {
	after, ok := RewriteWeakHash(ctx, fc.issue.Language, fc.source, fc.issue.Span.StartLine)
	if !ok {
		return nil, nil
	}
	// The digest size changes, which callers may depend on.
	return &fix{after: after, confidence: 0.6, explanation: "replaced weak hash with SHA-256"}, nil
}

func fixInsecureTLS(_ context.Context, fc *fixContext) (*fix, error) {
	after, ok := RewriteInsecureTLS(fc.issue.Language, fc.source, fc.issue.Span.StartLine)
	if !ok {
		return nil, nil
	}
	return &fix{after: after, confidence: 0.75, explanation: "re-enabled TLS certificate verification"}, nil
}

var (
	goWeakHashCalls = []struct{ from, to string }{
		{"md5.Sum(", "sha256.Sum256("},
		{"sha1.Sum(", "sha256.Sum256("},
		{"md5.New(", "sha256.New("},
		{"sha1.New(", "sha256.New("},
	}
	pyWeakHashRegex = regexp.MustCompile(`\bhashlib\.(md5|sha1)\(`)
	jsWeakHashRegex = regexp.MustCompile(`createHash\(\s*(['"])(md5|sha1)['"]`)

	goInsecureRegex = regexp.MustCompile(`InsecureSkipVerify\s*:\s*true`)
	pyInsecureRegex = regexp.MustCompile(`verify\s*=\s*False`)
	jsInsecureRegex = regexp.MustCompile(`rejectUnauthorized\s*:\s*false`)
)

// RewriteWeakHash replaces MD5 and SHA-1 calls on the 1-based line with
// SHA-256 and fixes up Go imports. ok is false when the line has nothing to
// rewrite.
func RewriteWeakHash(ctx context.Context, lang string, source []byte, line int) ([]byte, bool) {
	switch lang {
	case syntax.LangGo:
		after, ok := replaceLine(source, line-1, func(l string) string {
			for _, c := range goWeakHashCalls {
				l = strings.ReplaceAll(l, c.from, c.to)
			}
			return l
		})
		if !ok {
			return nil, false
		}
		imports := goImports(ctx, source)
		for _, algo := range []string{"md5", "sha1"} {
			if imports["crypto/"+algo] && !usesPackage(after, algo) {
				after = replaceGoImport(ctx, after, "crypto/"+algo, "crypto/sha256")
			}
		}
		return AddGoImport(ctx, after, "crypto/sha256"), true
	case syntax.LangPython:
		return replaceLine(source, line-1, func(l string) string {
			return pyWeakHashRegex.ReplaceAllString(l, "hashlib.sha256(")
		})
	case syntax.LangJavaScript, syntax.LangTypeScript:
		return replaceLine(source, line-1, func(l string) string {
			return jsWeakHashRegex.ReplaceAllString(l, "createHash(${1}sha256${1}")
		})
	}
	return nil, false
}

// RewriteInsecureTLS turns certificate verification back on for the 1-based
// line.
func RewriteInsecureTLS(lang string, source []byte, line int) ([]byte, bool) {
	var re *regexp.Regexp
	var repl string
	switch lang {
	case syntax.LangGo:
		re, repl = goInsecureRegex, "InsecureSkipVerify: false"
	case syntax.LangPython:
		re, repl = pyInsecureRegex, "verify=True"
	case syntax.LangJavaScript, syntax.LangTypeScript:
		re, repl = jsInsecureRegex, "rejectUnauthorized: true"
	default:
		return nil, false
	}
	return replaceLine(source, line-1, func(l string) string {
		return re.ReplaceAllString(l, repl)
	})
}

// replaceLine rewrites the 0-based line i, keeping its newline. ok is false
// when the line is out of range or unchanged.
func replaceLine(source []byte, i int, fn func(string) string) ([]byte, bool) {
	lines := strings.SplitAfter(string(source), "\n")
	if i < 0 || i >= len(lines) {
		return nil, false
	}
	body := strings.TrimSuffix(lines[i], "\n")
	next := fn(body)
	if next == body {
		return nil, false
	}
	lines[i] = next + lines[i][len(body):]
	return []byte(strings.Join(lines, "")), true
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// indentUnit guesses one indentation level from an existing indent.
func indentUnit(indent string) string {
	if indent == "" || strings.HasPrefix(indent, "\t") {
		return "\t"
	}
	if len(indent)%4 == 0 {
		return "    "
	}
	return "  "
}
