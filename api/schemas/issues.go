package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Issue Schemas --

// Severity represents how urgently an issue should be remediated. The values
// are lowercase to align with the database columns.
type Severity string

// Constants defining the standard severity levels for issues.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities so that critical is the highest. Unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as floor.
func (s Severity) AtLeast(floor Severity) bool {
	return s.Rank() >= floor.Rank()
}

// ParseSeverity converts user input (flags, config) into a Severity.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := severityRank[s]; !ok {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// Category groups issues by domain. The calibrator keys its accuracy table on it.
type Category string

const (
	CategorySyntax      Category = "syntax"
	CategorySecurity    Category = "security"
	CategoryPerformance Category = "performance"
	CategoryStyle       Category = "style"
	CategoryCorrectness Category = "correctness"
	CategoryCrash       Category = "crash"
	CategoryDependency  Category = "dependency"
)

// IssueState is the lifecycle state of an Issue.
type IssueState string

const (
	StateDetected    IssueState = "detected"
	StateAttempting  IssueState = "attempting"
	StateValidating  IssueState = "validating"
	StateApplied     IssueState = "applied"
	StateRolledBack  IssueState = "rolled_back"
	StateMonitoring  IssueState = "monitoring"
	StateResolved    IssueState = "resolved"
	StateEscalated   IssueState = "escalated"
	StateNeedsReview IssueState = "needs_review"
)

// transitions lists every legal edge of the issue lifecycle.
var transitions = map[IssueState][]IssueState{
	StateDetected:    {StateAttempting},
	StateAttempting:  {StateValidating, StateEscalated, StateNeedsReview},
	StateValidating:  {StateApplied, StateRolledBack, StateNeedsReview},
	StateApplied:     {StateMonitoring, StateRolledBack},
	StateMonitoring:  {StateResolved, StateRolledBack},
	StateRolledBack:  {StateAttempting, StateEscalated, StateNeedsReview, StateDetected},
	StateEscalated:   {StateValidating, StateNeedsReview},
	StateNeedsReview: {StateValidating, StateDetected},
	StateResolved:    {StateDetected},
}

// CanTransition reports whether the lifecycle permits moving from one state to another.
func CanTransition(from, to IssueState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Open reports whether the issue still needs attention. Only resolved issues are closed.
func (s IssueState) Open() bool {
	return s != StateResolved
}

// OpenStates returns every state considered open, used by scheduler queries.
func OpenStates() []IssueState {
	return []IssueState{
		StateDetected, StateAttempting, StateValidating, StateApplied,
		StateRolledBack, StateMonitoring, StateEscalated, StateNeedsReview,
	}
}

// ParseIssueState converts user input into a known IssueState.
func ParseIssueState(raw string) (IssueState, error) {
	s := IssueState(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("unknown issue state %q", raw)
	}
	return s, nil
}

// ReviewDecision is the verdict a human reviewer records against an issue.
type ReviewDecision string

const (
	ReviewNone    ReviewDecision = ""
	ReviewApprove ReviewDecision = "approve"
	ReviewReject  ReviewDecision = "reject"
	ReviewDefer   ReviewDecision = "defer"
)

// ParseReviewDecision validates a decision supplied by the review collaborator.
func ParseReviewDecision(raw string) (ReviewDecision, error) {
	switch d := ReviewDecision(strings.ToLower(strings.TrimSpace(raw))); d {
	case ReviewApprove, ReviewReject, ReviewDefer:
		return d, nil
	default:
		return ReviewNone, fmt.Errorf("unknown review decision %q", raw)
	}
}

// Span is a 1-based line/column range within a file.
type Span struct {
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column"`
	EndLine     int `json:"end_line"`
	EndColumn   int `json:"end_column"`
}

// Issue is a single detected defect. It maps directly to the `issues` table.
type Issue struct {
	ID          string `json:"id"`
	Project     string `json:"project"`
	Fingerprint string `json:"fingerprint"`
	FilePath    string `json:"file_path"`
	Span        Span   `json:"span"`

	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Detector string   `json:"detector"`
	Language string   `json:"language"`

	// Snippet is the source text covered by Span at detection time.
	Snippet string `json:"snippet"`

	State          IssueState        `json:"state"`
	ReviewDecision ReviewDecision    `json:"review_decision,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Attempts is the ordered fix history. Only populated by queries that ask for it.
	Attempts []FixAttempt `json:"attempts,omitempty"`
}

// IssueFilter narrows issue queries. Zero values match everything.
type IssueFilter struct {
	Project  string
	FilePath string
	States   []IssueState
	Limit    int
}
