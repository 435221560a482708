package detector

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

const maxSyntaxErrors = 5

// SyntaxDetector reports tree-sitter parse errors.
type SyntaxDetector struct{}

// NewSyntaxDetector creates the syntax detector.
func NewSyntaxDetector() *SyntaxDetector { return &SyntaxDetector{} }

func (d *SyntaxDetector) Name() string { return "syntax" }

func (d *SyntaxDetector) Languages() []string {
	return []string{syntax.LangGo, syntax.LangPython, syntax.LangJavaScript, syntax.LangTypeScript}
}

func (d *SyntaxDetector) Detect(ctx context.Context, path string, content []byte) ([]schemas.Issue, error) {
	lang := syntax.DetectLanguage(path)
	tree, err := syntax.Parse(ctx, lang, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defer tree.Close()

	var issues []schemas.Issue
	for _, se := range tree.Errors(maxSyntaxErrors) {
		issues = append(issues, schemas.Issue{
			Span: schemas.Span{
				StartLine: se.Line, StartColumn: se.Column,
				EndLine: max(se.EndLine, se.Line), EndColumn: se.Column,
			},
			Category: schemas.CategorySyntax,
			Severity: schemas.SeverityHigh,
			Rule:     RuleSyntaxError,
			Message:  se.Error(),
			Language: lang,
		})
	}
	return issues, nil
}
