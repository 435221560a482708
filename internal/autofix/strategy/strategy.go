// Package strategy holds the fix strategies the chain tries, in order:
// pattern match, codebase similarity, contextual fixers and the generative
// model.
package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
)

// ErrUnavailable is wrapped by strategies whose external backend could not be
// reached after retries.
var ErrUnavailable = errors.New("strategy backend unavailable")

// Target is the file an issue lives in, as currently on disk.
type Target struct {
	// Root is the absolute scan root. Issue paths are relative to it.
	Root    string
	Content []byte
}

// Candidate is a proposed fix.
type Candidate struct {
	Strategy schemas.StrategyName
	// Patch is a unified diff relative to the scan root.
	Patch         string
	RawConfidence float64
	Explanation   string
}

// Strategy proposes a fix for one issue. A nil candidate with a nil error
// means the strategy makes no attempt.
type Strategy interface {
	Name() schemas.StrategyName
	Propose(ctx context.Context, issue *schemas.Issue, target Target) (*Candidate, error)
}

// newCandidate diffs before against after. It returns nil when the fix does
// not change the file.
func newCandidate(name schemas.StrategyName, issue *schemas.Issue, before, after []byte, confidence float64, explanation string) (*Candidate, error) {
	diff, err := patch.Unified(issue.FilePath, before, after)
	if err != nil {
		return nil, fmt.Errorf("failed to render patch: %w", err)
	}
	if diff == "" {
		return nil, nil
	}
	return &Candidate{
		Strategy:      name,
		Patch:         diff,
		RawConfidence: clamp(confidence),
		Explanation:   explanation,
	}, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
