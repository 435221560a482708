// Package learning feeds terminal fix outcomes back into the pattern store,
// the similarity index and the confidence calibrator.
package learning

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/fingerprint"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

// Calibrator receives per-strategy outcomes.
type Calibrator interface {
	Record(ctx context.Context, strategy schemas.StrategyName, domain schemas.Category, success bool) error
}

// Indexer receives patterns that gained a usable template.
type Indexer interface {
	Index(ctx context.Context, p *schemas.Pattern) error
}

// Loop records outcomes. The calibrator and indexer are optional.
type Loop struct {
	patterns   store.PatternStore
	calibrator Calibrator
	index      Indexer
	logger     *zap.Logger
}

// New creates a learning loop.
func New(patterns store.PatternStore, calibrator Calibrator, index Indexer, logger *zap.Logger) *Loop {
	return &Loop{
		patterns:   patterns,
		calibrator: calibrator,
		index:      index,
		logger:     logger.Named("learning"),
	}
}

// Record folds one terminal outcome into the learned state. change is the
// issue file's content before and after the attempt; it is only needed to
// promote a resolved non-pattern fix into a pattern and may be nil otherwise.
func (l *Loop) Record(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt, outcome schemas.Outcome, change *patch.FileChange) error {
	switch outcome {
	case schemas.OutcomeResolved:
		return l.success(ctx, issue, attempt, change)
	case schemas.OutcomeRolledBack, schemas.OutcomeNeedsReview:
		return l.failure(ctx, issue, attempt)
	default:
		return nil
	}
}

func (l *Loop) success(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt, change *patch.FileChange) error {
	var tmpl schemas.Template
	if attempt.Strategy != schemas.StrategyPatternMatch && change != nil {
		t, err := fingerprint.Learn(ctx, issue.Language, change.Before, change.After, issue.Span)
		if err != nil {
			l.logger.Debug("Fix could not be generalized into a template",
				zap.String("issue_id", issue.ID), zap.String("strategy", string(attempt.Strategy)), zap.Error(err))
		} else {
			tmpl = t
		}
	}

	p, err := l.patterns.UpdatePattern(ctx, issue.Fingerprint, func(p *schemas.Pattern, exists bool) error {
		if !exists {
			p.Language = issue.Language
			p.Rule = issue.Rule
		}
		if tmpl.Lines > 0 && p.Template.Lines == 0 {
			p.Template = tmpl
		}
		if !slices.Contains(p.Tags, string(attempt.Strategy)) {
			p.Tags = append(p.Tags, string(attempt.Strategy))
		}
		p.Occurrences++
		p.Successes++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record success of pattern %s: %w", issue.Fingerprint, err)
	}
	l.logger.Debug("Pattern success recorded",
		zap.String("fingerprint", p.Fingerprint),
		zap.Int64("occurrences", p.Occurrences),
		zap.Int64("successes", p.Successes))

	var errs []error
	if l.index != nil && p.Template.Lines > 0 {
		if err := l.index.Index(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, l.calibrate(ctx, issue, attempt, true))
	return errors.Join(errs...)
}

func (l *Loop) failure(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt) error {
	if attempt.Strategy == schemas.StrategyPatternMatch {
		_, err := l.patterns.UpdatePattern(ctx, issue.Fingerprint, func(p *schemas.Pattern, exists bool) error {
			if !exists {
				return store.ErrNotFound
			}
			p.Occurrences++
			p.Failures++
			return nil
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			l.logger.Warn("Pattern of a failed pattern-match attempt no longer exists", zap.String("fingerprint", issue.Fingerprint))
		case err != nil:
			return fmt.Errorf("failed to record failure of pattern %s: %w", issue.Fingerprint, err)
		}
	}
	return l.calibrate(ctx, issue, attempt, false)
}

func (l *Loop) calibrate(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt, success bool) error {
	if l.calibrator == nil || attempt.Strategy == schemas.StrategyHumanReview {
		return nil
	}
	if err := l.calibrator.Record(ctx, attempt.Strategy, issue.Category, success); err != nil {
		return fmt.Errorf("failed to record calibration outcome: %w", err)
	}
	return nil
}
