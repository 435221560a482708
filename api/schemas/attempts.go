package schemas

import "time"

// StrategyName identifies who proposed a patch: one of the chain strategies or
// an escalation handler.
type StrategyName string

// Chain strategies, in their fixed declared order.
const (
	StrategyPatternMatch StrategyName = "pattern_match"
	StrategySimilarity   StrategyName = "codebase_similarity"
	StrategyContextual   StrategyName = "contextual"
	StrategyGenerative   StrategyName = "generative"
)

// Escalation handlers.
const (
	StrategySecurityHandler   StrategyName = "escalation_security"
	StrategyDependencyHandler StrategyName = "escalation_dependency"
	StrategyHumanReview       StrategyName = "human_review"
)

// ChainOrder is the order the strategy chain tries strategies in.
func ChainOrder() []StrategyName {
	return []StrategyName{StrategyPatternMatch, StrategySimilarity, StrategyContextual, StrategyGenerative}
}

// ValidationOutcome records what the validator concluded about an attempt.
type ValidationOutcome string

const (
	ValidationPending    ValidationOutcome = "pending"
	ValidationPassed     ValidationOutcome = "passed"
	ValidationFailed     ValidationOutcome = "failed"
	ValidationRolledBack ValidationOutcome = "rolled_back"
)

// Outcomes of a strategy that was tried but produced nothing to validate.
// They keep the attempt history complete for review.
const (
	ValidationNoAttempt  ValidationOutcome = "no_attempt"
	ValidationError      ValidationOutcome = "error"
	ValidationBelowFloor ValidationOutcome = "below_floor"
)

// Candidate reports whether the attempt carried a patch that went to the
// validator.
func (o ValidationOutcome) Candidate() bool {
	switch o {
	case ValidationNoAttempt, ValidationError, ValidationBelowFloor:
		return false
	default:
		return true
	}
}

// Outcome is the terminal result fed to the learning loop.
type Outcome string

const (
	OutcomeResolved    Outcome = "resolved"
	OutcomeRolledBack  Outcome = "rolled_back"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeNeedsReview Outcome = "needs_review"
)

// FixAttempt is one strategy's try at resolving an Issue. It maps to the
// `fix_attempts` table, foreign-keyed to `issues`.
type FixAttempt struct {
	ID       string       `json:"id"`
	IssueID  string       `json:"issue_id"`
	Sequence int          `json:"sequence"`
	Strategy StrategyName `json:"strategy"`

	RawConfidence        float64 `json:"raw_confidence"`
	CalibratedConfidence float64 `json:"calibrated_confidence"`

	// Patch is a unified diff; multi-file groups carry one file diff per file.
	Patch       string `json:"patch"`
	Explanation string `json:"explanation,omitempty"`

	Validation    ValidationOutcome `json:"validation"`
	FailedGate    string            `json:"failed_gate,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Applied       bool              `json:"applied"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
