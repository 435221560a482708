package strategy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/fingerprint"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

// PatternMatch replays the stored template of an issue's exact fingerprint.
type PatternMatch struct {
	patterns store.PatternStore
	logger   *zap.Logger
}

// NewPatternMatch creates the pattern-match strategy.
func NewPatternMatch(patterns store.PatternStore, logger *zap.Logger) *PatternMatch {
	return &PatternMatch{patterns: patterns, logger: logger.Named("pattern_match")}
}

func (s *PatternMatch) Name() schemas.StrategyName { return schemas.StrategyPatternMatch }

// Propose instantiates the pattern's template at the issue location. The
// confidence is the pattern's smoothed success rate.
func (s *PatternMatch) Propose(ctx context.Context, issue *schemas.Issue, target Target) (*Candidate, error) {
	p, err := s.patterns.GetPattern(ctx, issue.Fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern: %w", err)
	}
	if p.Template.Lines == 0 {
		return nil, nil
	}

	after, err := fingerprint.Instantiate(ctx, issue.Language, p.Template, target.Content, issue.Span)
	if errors.Is(err, fingerprint.ErrNoMatch) {
		s.logger.Debug("Pattern template does not fit the issue location", zap.String("issue_id", issue.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newCandidate(s.Name(), issue, target.Content, after, p.Reliability(),
		fmt.Sprintf("replayed pattern seen %d times (%d successes, %d failures)", p.Occurrences, p.Successes, p.Failures))
}
