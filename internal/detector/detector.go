// Package detector hosts the issue detectors run by the scanner and the
// registry that runs them with a per-file timeout.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/fingerprint"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

// Rule identifiers shared by detectors and the fixers that understand them.
const (
	RuleSyntaxError        = "syntax-error"
	RuleNilDereference     = "nil-dereference"
	RuleUncheckedError     = "unchecked-error"
	RuleTrailingWhitespace = "trailing-whitespace"
	RuleDebugPrint         = "debug-print"
	RuleWeakHash           = "weak-hash"
	RuleInsecureTLS        = "insecure-tls"
	RuleCrash              = "crash-site"
	// Secrets carry the gitleaks rule ID prefixed with RuleSecretPrefix.
	RuleSecretPrefix = "secret/"
)

// IsSecretRule reports whether rule came from the secrets detector.
func IsSecretRule(rule string) bool {
	return strings.HasPrefix(rule, RuleSecretPrefix)
}

// Detector finds issues in a single file. Implementations must be safe for
// concurrent use and should honor ctx.
type Detector interface {
	Name() string
	// Languages lists the languages the detector understands. An empty list
	// means every file.
	Languages() []string
	Detect(ctx context.Context, path string, content []byte) ([]schemas.Issue, error)
}

// Failure is the error of one detector on one file.
type Failure struct {
	Detector string
	Path     string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("detector %s failed on %s: %v", f.Detector, f.Path, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrTimeout is wrapped by a Failure when a detector exceeds the per-file timeout.
var ErrTimeout = errors.New("detector timed out")

// Registry runs every applicable detector against a file.
type Registry struct {
	detectors []Detector
	timeout   time.Duration
	logger    *zap.Logger
}

// NewRegistry creates a registry. A non-positive timeout disables the limit.
func NewRegistry(logger *zap.Logger, timeout time.Duration, detectors ...Detector) *Registry {
	return &Registry{
		detectors: detectors,
		timeout:   timeout,
		logger:    logger.Named("detector"),
	}
}

// Register adds a detector.
func (r *Registry) Register(d Detector) {
	r.detectors = append(r.detectors, d)
}

// For returns the detectors that apply to lang, in registration order.
func (r *Registry) For(lang string) []Detector {
	var out []Detector
	for _, d := range r.detectors {
		langs := d.Languages()
		if len(langs) == 0 {
			out = append(out, d)
			continue
		}
		for _, l := range langs {
			if l == lang {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Run executes every applicable detector on content. Issues come back with
// their language, detector name and fingerprint filled in. A failing detector
// never hides the results of the others; its error is returned as a Failure.
func (r *Registry) Run(ctx context.Context, path string, content []byte) ([]schemas.Issue, []*Failure) {
	lang := syntax.DetectLanguage(path)
	var (
		issues   []schemas.Issue
		failures []*Failure
	)
	for _, d := range r.For(lang) {
		if ctx.Err() != nil {
			failures = append(failures, &Failure{Detector: d.Name(), Path: path, Err: ctx.Err()})
			break
		}
		found, err := r.runOne(ctx, d, path, content)
		if err != nil {
			r.logger.Warn("Detector failed",
				zap.String("detector", d.Name()), zap.String("path", path), zap.Error(err))
			failures = append(failures, &Failure{Detector: d.Name(), Path: path, Err: err})
			continue
		}
		for i := range found {
			issue := &found[i]
			issue.FilePath = path
			issue.Detector = d.Name()
			if issue.Language == "" {
				issue.Language = lang
			}
			if issue.Snippet == "" {
				issue.Snippet = snippet(content, issue.Span)
			}
			issue.Fingerprint = fingerprint.Compute(ctx, fingerprint.Input{
				Lang:     issue.Language,
				Source:   content,
				Rule:     issue.Rule,
				Category: issue.Category,
				Message:  issue.Message,
				Span:     issue.Span,
			})
		}
		issues = append(issues, found...)
	}
	return issues, failures
}

type detectResult struct {
	issues []schemas.Issue
	err    error
}

// runOne enforces the hard timeout. A detector that ignores ctx is abandoned
// once the deadline passes; its goroutine finishes in the background.
func (r *Registry) runOne(ctx context.Context, d Detector, path string, content []byte) ([]schemas.Issue, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan detectResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- detectResult{err: fmt.Errorf("detector panicked: %v", rec)}
			}
		}()
		issues, err := d.Detect(ctx, path, content)
		done <- detectResult{issues: issues, err: err}
	}()

	select {
	case res := <-done:
		return res.issues, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
		}
		return nil, ctx.Err()
	}
}

// snippet returns the full source lines covered by span.
func snippet(content []byte, span schemas.Span) string {
	start := syntax.LineOffset(content, span.StartLine)
	if start < 0 {
		return ""
	}
	endLine := max(span.EndLine, span.StartLine)
	end := syntax.LineOffset(content, endLine+1)
	if end < 0 {
		end = len(content)
	}
	return strings.TrimRight(string(content[start:end]), "\n")
}

// lineSpan builds a span covering columns [startCol, endCol) of a 1-based line.
func lineSpan(line, startCol, endCol int) schemas.Span {
	return schemas.Span{StartLine: line, StartColumn: startCol, EndLine: line, EndColumn: endCol}
}

// lineAt converts a byte offset into a 1-based line and column.
func lineAt(content []byte, offset int) (line, col int) {
	line, col = 1, 1
	for i := 0; i < offset && i < len(content); i++ {
		if content[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
