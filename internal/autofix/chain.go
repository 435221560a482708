package autofix

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
)

// Calibrator adjusts a strategy's raw confidence by its track record.
type Calibrator interface {
	Calibrate(strategy schemas.StrategyName, domain schemas.Category, raw float64) float64
}

// Proposal is the chain's pick for an issue.
type Proposal struct {
	Attempt *schemas.FixAttempt
	// Next is the index to resume from if the attempt fails validation.
	Next int
	// Tried records, in order, the strategies passed over before Attempt:
	// those that failed, declined or fell below their floor.
	Tried []schemas.FixAttempt
}

// Chain tries strategies in their declared order and stops at the first
// whose calibrated confidence clears its floor.
type Chain struct {
	strategies []strategy.Strategy
	calibrator Calibrator
	floor      func(name string) float64
	logger     *zap.Logger
}

// NewChain creates a chain over strategies, in the order given.
func NewChain(cfg config.AutofixConfig, calibrator Calibrator, logger *zap.Logger, strategies ...strategy.Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		calibrator: calibrator,
		floor:      cfg.FloorFor,
		logger:     logger.Named("chain"),
	}
}

// Len is the number of strategies.
func (c *Chain) Len() int { return len(c.strategies) }

// Names lists the strategies in order.
func (c *Chain) Names() []schemas.StrategyName {
	out := make([]schemas.StrategyName, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, s.Name())
	}
	return out
}

// Filter keeps the named strategies, preserving order. An empty list keeps
// all of them.
func (c *Chain) Filter(names []schemas.StrategyName) *Chain {
	if len(names) == 0 {
		return c
	}
	out := &Chain{calibrator: c.calibrator, floor: c.floor, logger: c.logger}
	for _, s := range c.strategies {
		if slices.Contains(names, s.Name()) {
			out.strategies = append(out.strategies, s)
		}
	}
	return out
}

// Resolve runs the chain from the first strategy.
func (c *Chain) Resolve(ctx context.Context, issue *schemas.Issue, target strategy.Target) (*Proposal, error) {
	return c.ResolveFrom(ctx, issue, target, 0)
}

// ResolveFrom runs the chain starting at strategy index start. It returns
// ErrExhausted when no remaining strategy clears its floor; the Proposal
// returned alongside it carries only Tried. A strategy that errors is logged
// and skipped.
func (c *Chain) ResolveFrom(ctx context.Context, issue *schemas.Issue, target strategy.Target, start int) (*Proposal, error) {
	ctx, span := observability.Tracer("autofix").Start(ctx, "chain.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("issue.id", issue.ID), attribute.Int("chain.start", start))

	var tried []schemas.FixAttempt
	for i := start; i < len(c.strategies); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := c.strategies[i]
		name := s.Name()

		candidate, err := s.Propose(ctx, issue, target)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil, err
			}
			ferr := proposeErr(name, issue.ID, err)
			c.logger.Warn("Strategy failed, treating as no attempt", zap.Error(ferr), zap.Bool("external", errors.Is(ferr, ErrExternalService)))
			observability.ObserveAttempt(string(name), "error")
			tried = append(tried, passedOver(issue, name, schemas.ValidationError, 0, 0, ferr.Error()))
			continue
		}
		if candidate == nil {
			observability.ObserveAttempt(string(name), "no_attempt")
			tried = append(tried, passedOver(issue, name, schemas.ValidationNoAttempt, 0, 0, "no candidate"))
			continue
		}

		calibrated := c.calibrator.Calibrate(name, issue.Category, candidate.RawConfidence)
		floor := c.floor(string(name))
		if calibrated < floor {
			c.logger.Debug("Candidate below floor",
				zap.String("issue_id", issue.ID),
				zap.String("strategy", string(name)),
				zap.Float64("raw", candidate.RawConfidence),
				zap.Float64("calibrated", calibrated),
				zap.Float64("floor", floor))
			observability.ObserveAttempt(string(name), "below_floor")
			tried = append(tried, passedOver(issue, name, schemas.ValidationBelowFloor, candidate.RawConfidence, calibrated,
				fmt.Sprintf("calibrated confidence %.2f below floor %.2f", calibrated, floor)))
			continue
		}

		observability.ObserveAttempt(string(name), "proposed")
		span.SetAttributes(attribute.String("chain.strategy", string(name)), attribute.Float64("chain.confidence", calibrated))
		return &Proposal{
			Attempt: &schemas.FixAttempt{
				IssueID:              issue.ID,
				Strategy:             name,
				RawConfidence:        candidate.RawConfidence,
				CalibratedConfidence: calibrated,
				Patch:                candidate.Patch,
				Explanation:          candidate.Explanation,
				Validation:           schemas.ValidationPending,
			},
			Next:  i + 1,
			Tried: tried,
		}, nil
	}
	span.SetStatus(codes.Error, ErrExhausted.Error())
	return &Proposal{Next: len(c.strategies), Tried: tried}, fmt.Errorf("issue %s: %w", issue.ID, ErrExhausted)
}

// passedOver builds the history record of a strategy that produced nothing
// to validate.
func passedOver(issue *schemas.Issue, name schemas.StrategyName, outcome schemas.ValidationOutcome, raw, calibrated float64, reason string) schemas.FixAttempt {
	return schemas.FixAttempt{
		IssueID:              issue.ID,
		Strategy:             name,
		RawConfidence:        raw,
		CalibratedConfidence: calibrated,
		Validation:           outcome,
		FailureReason:        reason,
	}
}
