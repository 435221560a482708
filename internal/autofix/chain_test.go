package autofix

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// fakeStrategy returns a fixed candidate, nothing, or an error, and counts
// how often it was asked.
type fakeStrategy struct {
	name       schemas.StrategyName
	confidence float64
	patch      string
	err        error
	calls      int
	log        *[]schemas.StrategyName
}

func (f *fakeStrategy) Name() schemas.StrategyName { return f.name }

func (f *fakeStrategy) Propose(ctx context.Context, issue *schemas.Issue, target strategy.Target) (*strategy.Candidate, error) {
	f.calls++
	if f.log != nil {
		*f.log = append(*f.log, f.name)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.patch == "" {
		return nil, nil
	}
	return &strategy.Candidate{Strategy: f.name, Patch: f.patch, RawConfidence: f.confidence, Explanation: "fake"}, nil
}

// scaleCalibrator multiplies raw confidence by a per-strategy factor.
type scaleCalibrator map[schemas.StrategyName]float64

func (s scaleCalibrator) Calibrate(name schemas.StrategyName, _ schemas.Category, raw float64) float64 {
	if f, ok := s[name]; ok {
		return raw * f
	}
	return raw
}

func chainConfig() config.AutofixConfig {
	return config.AutofixConfig{
		DefaultFloor: 0.6,
		Floors:       map[string]float64{string(schemas.StrategyGenerative): 0.8},
	}
}

func TestChainResolve(t *testing.T) {
	issue := &schemas.Issue{ID: "i-1", Category: schemas.CategoryCorrectness}

	t.Run("first strategy over its floor wins", func(t *testing.T) {
		var order []schemas.StrategyName
		pattern := &fakeStrategy{name: schemas.StrategyPatternMatch, log: &order}
		similarity := &fakeStrategy{name: schemas.StrategySimilarity, confidence: 0.55, patch: "sim", log: &order}
		contextual := &fakeStrategy{name: schemas.StrategyContextual, confidence: 0.72, patch: "ctx", log: &order}
		generative := &fakeStrategy{name: schemas.StrategyGenerative, confidence: 0.99, patch: "gen", log: &order}
		chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t), pattern, similarity, contextual, generative)

		prop, err := chain.Resolve(context.Background(), issue, strategy.Target{})
		require.NoError(t, err)
		assert.Equal(t, schemas.StrategyContextual, prop.Attempt.Strategy)
		assert.Equal(t, "ctx", prop.Attempt.Patch)
		assert.Equal(t, schemas.ValidationPending, prop.Attempt.Validation)
		assert.Equal(t, "i-1", prop.Attempt.IssueID)
		assert.Equal(t, 3, prop.Next)
		assert.Equal(t, []schemas.StrategyName{
			schemas.StrategyPatternMatch, schemas.StrategySimilarity, schemas.StrategyContextual,
		}, order)
		assert.Zero(t, generative.calls)

		require.Len(t, prop.Tried, 2, "every strategy passed over is recorded")
		assert.Equal(t, schemas.StrategyPatternMatch, prop.Tried[0].Strategy)
		assert.Equal(t, schemas.ValidationNoAttempt, prop.Tried[0].Validation)
		assert.Equal(t, schemas.StrategySimilarity, prop.Tried[1].Strategy)
		assert.Equal(t, schemas.ValidationBelowFloor, prop.Tried[1].Validation)
		assert.InDelta(t, 0.55, prop.Tried[1].CalibratedConfidence, 1e-9)
		assert.Contains(t, prop.Tried[1].FailureReason, "below floor 0.60")
		assert.Empty(t, prop.Tried[1].Patch)
	})

	t.Run("calibration can push a candidate under its floor", func(t *testing.T) {
		contextual := &fakeStrategy{name: schemas.StrategyContextual, confidence: 0.72, patch: "ctx"}
		generative := &fakeStrategy{name: schemas.StrategyGenerative, confidence: 0.9, patch: "gen"}
		cal := scaleCalibrator{schemas.StrategyContextual: 0.5}
		chain := NewChain(chainConfig(), cal, zaptest.NewLogger(t), contextual, generative)

		prop, err := chain.Resolve(context.Background(), issue, strategy.Target{})
		require.NoError(t, err)
		assert.Equal(t, schemas.StrategyGenerative, prop.Attempt.Strategy)
		assert.InDelta(t, 0.9, prop.Attempt.RawConfidence, 1e-9)
		assert.LessOrEqual(t, prop.Attempt.CalibratedConfidence, prop.Attempt.RawConfidence)
	})

	t.Run("per strategy floors apply", func(t *testing.T) {
		generative := &fakeStrategy{name: schemas.StrategyGenerative, confidence: 0.75, patch: "gen"}
		chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t), generative)

		_, err := chain.Resolve(context.Background(), issue, strategy.Target{})
		assert.ErrorIs(t, err, ErrExhausted)
	})

	t.Run("a failing strategy counts as no attempt", func(t *testing.T) {
		broken := &fakeStrategy{name: schemas.StrategyGenerative, err: errors.New("backend down")}
		contextual := &fakeStrategy{name: schemas.StrategyContextual, confidence: 0.9, patch: "ctx"}
		chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t), broken, contextual)

		prop, err := chain.Resolve(context.Background(), issue, strategy.Target{})
		require.NoError(t, err)
		assert.Equal(t, schemas.StrategyContextual, prop.Attempt.Strategy)
		assert.Equal(t, 1, broken.calls)
		require.Len(t, prop.Tried, 1)
		assert.Equal(t, schemas.ValidationError, prop.Tried[0].Validation)
		assert.Contains(t, prop.Tried[0].FailureReason, "backend down")
	})

	t.Run("an unreachable model is recorded as an external failure", func(t *testing.T) {
		down := &fakeStrategy{name: schemas.StrategyGenerative, err: fmt.Errorf("%w: 503 after 3 retries", strategy.ErrUnavailable)}
		chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t), down)

		prop, err := chain.Resolve(context.Background(), issue, strategy.Target{})
		assert.ErrorIs(t, err, ErrExhausted)
		require.NotNil(t, prop)
		require.Len(t, prop.Tried, 1)
		assert.Equal(t, schemas.ValidationError, prop.Tried[0].Validation)
		assert.Contains(t, prop.Tried[0].FailureReason, "generative unavailable")
	})

	t.Run("exhaustion", func(t *testing.T) {
		chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t),
			&fakeStrategy{name: schemas.StrategyPatternMatch},
			&fakeStrategy{name: schemas.StrategyContextual, confidence: 0.1, patch: "ctx"})

		prop, err := chain.Resolve(context.Background(), issue, strategy.Target{})
		assert.ErrorIs(t, err, ErrExhausted)
		require.NotNil(t, prop)
		assert.Nil(t, prop.Attempt)
		require.Len(t, prop.Tried, 2)
		assert.Equal(t, schemas.ValidationNoAttempt, prop.Tried[0].Validation)
		assert.Equal(t, schemas.ValidationBelowFloor, prop.Tried[1].Validation)
	})

	t.Run("resume after a failed candidate", func(t *testing.T) {
		first := &fakeStrategy{name: schemas.StrategyPatternMatch, confidence: 0.9, patch: "a"}
		second := &fakeStrategy{name: schemas.StrategyContextual, confidence: 0.9, patch: "b"}
		chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t), first, second)

		prop, err := chain.ResolveFrom(context.Background(), issue, strategy.Target{}, 1)
		require.NoError(t, err)
		assert.Equal(t, "b", prop.Attempt.Patch)
		assert.Zero(t, first.calls)

		_, err = chain.ResolveFrom(context.Background(), issue, strategy.Target{}, prop.Next)
		assert.ErrorIs(t, err, ErrExhausted)
	})

	t.Run("cancelled context stops the chain", func(t *testing.T) {
		s := &fakeStrategy{name: schemas.StrategyContextual, confidence: 0.9, patch: "b"}
		chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t), s)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := chain.Resolve(ctx, issue, strategy.Target{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, s.calls)
	})
}

func TestChainFilter(t *testing.T) {
	chain := NewChain(chainConfig(), scaleCalibrator{}, zaptest.NewLogger(t),
		&fakeStrategy{name: schemas.StrategyPatternMatch},
		&fakeStrategy{name: schemas.StrategySimilarity},
		&fakeStrategy{name: schemas.StrategyContextual},
	)
	assert.Same(t, chain, chain.Filter(nil))

	filtered := chain.Filter([]schemas.StrategyName{schemas.StrategyContextual, schemas.StrategyPatternMatch})
	assert.Equal(t, []schemas.StrategyName{schemas.StrategyPatternMatch, schemas.StrategyContextual}, filtered.Names())
	assert.Equal(t, 3, chain.Len())
	assert.Equal(t, 2, filtered.Len())
}
