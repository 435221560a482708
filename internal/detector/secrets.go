package detector

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
)

// SecretsDetector finds hardcoded credentials with the gitleaks rule set.
type SecretsDetector struct {
	cfg gitleaksConfig.Config
}

// NewSecretsDetector loads the default gitleaks configuration once. allowlist
// holds content regexes whose matches are never reported.
func NewSecretsDetector(allowlist []string) (*SecretsDetector, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load gitleaks config: %w", err)
	}
	cfg := base.Config
	if len(allowlist) > 0 {
		entry := &gitleaksConfig.Allowlist{Description: "scalpel-autofix allowlist"}
		for _, pattern := range allowlist {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid secrets allowlist pattern %q: %w", pattern, err)
			}
			entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		cfg.Allowlists = append(cfg.Allowlists, entry)
	}
	return &SecretsDetector{cfg: cfg}, nil
}

func (d *SecretsDetector) Name() string { return "secrets" }

func (d *SecretsDetector) Languages() []string { return nil }

// Detect builds a detector per call: gitleaks detectors accumulate findings
// and are not meant to be shared across files.
func (d *SecretsDetector) Detect(ctx context.Context, path string, content []byte) ([]schemas.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gl := detect.NewDetector(d.cfg)
	findings := gl.DetectString(string(content))

	var issues []schemas.Issue
	seen := make(map[int]bool)
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		offset := bytes.Index(content, []byte(secret))
		if offset < 0 || seen[offset] {
			continue
		}
		seen[offset] = true
		line, col := lineAt(content, offset)
		lineText := snippet(content, lineSpan(line, 1, 1))
		issues = append(issues, schemas.Issue{
			Span:     lineSpan(line, col, col+len(secret)),
			Category: schemas.CategorySecurity,
			Severity: schemas.SeverityCritical,
			Rule:     RuleSecretPrefix + f.RuleID,
			Message:  fmt.Sprintf("hardcoded secret (%s)", f.Description),
			Snippet:  strings.Replace(lineText, secret, "REDACTED", 1),
			Metadata: map[string]string{"secret_rule": f.RuleID},
		})
	}
	return issues, nil
}
