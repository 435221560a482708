// Package store defines the persistence contracts of the autofix pipeline and
// its PostgreSQL implementation. Embedded alternatives live in the memstore and
// sqlitestore subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStateConflict is returned when a compare-and-swap transition loses, or
	// the transition is not part of the lifecycle.
	ErrStateConflict = errors.New("issue state conflict")
	// ErrAlreadyApplied is returned when another attempt of the issue is already applied.
	ErrAlreadyApplied = errors.New("issue already has an applied attempt")
	// ErrCountDecreased is returned when a pattern update would lower a counter.
	ErrCountDecreased = errors.New("pattern counters only increase")
)

// IssueStore persists issues and their fix attempts.
type IssueStore interface {
	// RecordIssue stores a freshly detected issue. An existing record with the
	// same project, fingerprint and path is reused: open issues are refreshed,
	// resolved ones reopened. issue is updated in place with the stored
	// identity and state. The result reports whether the issue needs work
	// (newly created or reopened).
	RecordIssue(ctx context.Context, issue *schemas.Issue) (bool, error)
	// GetIssue loads an issue together with its ordered attempt history.
	GetIssue(ctx context.Context, id string) (*schemas.Issue, error)
	ListIssues(ctx context.Context, filter schemas.IssueFilter) ([]schemas.Issue, error)
	// TransitionIssue moves an issue from one state to another only if it is
	// currently in from.
	TransitionIssue(ctx context.Context, id string, from, to schemas.IssueState) error
	SetReviewDecision(ctx context.Context, id string, decision schemas.ReviewDecision) error

	// AddAttempt appends an attempt, assigning its ID (when empty), sequence
	// number and timestamps.
	AddAttempt(ctx context.Context, attempt *schemas.FixAttempt) error
	// UpdateAttempt persists the validation fields of an attempt.
	UpdateAttempt(ctx context.Context, attempt *schemas.FixAttempt) error
	// SetApplied flips the applied flag of an attempt. Setting it fails with
	// ErrAlreadyApplied when a different attempt of the issue is applied.
	SetApplied(ctx context.Context, issueID, attemptID string, applied bool) error
	ListAttempts(ctx context.Context, issueID string) ([]schemas.FixAttempt, error)
}

// PatternUpdateFunc mutates a pattern inside UpdatePattern. exists is false
// when the fingerprint has no pattern yet and p is a zero pattern.
type PatternUpdateFunc func(p *schemas.Pattern, exists bool) error

// PatternStore persists fix patterns.
type PatternStore interface {
	GetPattern(ctx context.Context, fingerprint string) (*schemas.Pattern, error)
	// UpdatePattern is the only way to mutate a pattern. fn runs while the
	// fingerprint is locked; returning an error aborts the update.
	UpdatePattern(ctx context.Context, fingerprint string, fn PatternUpdateFunc) (*schemas.Pattern, error)
	ListPatterns(ctx context.Context) ([]schemas.Pattern, error)
}

// SnapshotStore persists per-file scan metadata.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, path string) (*schemas.FileSnapshot, error)
	PutSnapshot(ctx context.Context, snap *schemas.FileSnapshot) error
	// MarkDirty forces the next scan of each path regardless of its hash.
	MarkDirty(ctx context.Context, paths ...string) error
	ListSnapshots(ctx context.Context) ([]schemas.FileSnapshot, error)
}

// CalibrationStore persists strategy outcome counts.
type CalibrationStore interface {
	LoadCalibration(ctx context.Context) ([]schemas.CalibrationRecord, error)
	RecordCalibration(ctx context.Context, strategy schemas.StrategyName, domain schemas.Category, success bool) error
}

// Repository is the complete persistence surface of the pipeline.
type Repository interface {
	IssueStore
	PatternStore
	SnapshotStore
	CalibrationStore
	Close() error
}

// PrepareNewIssue fills the identity and lifecycle fields of an issue that is
// about to be inserted.
func PrepareNewIssue(issue *schemas.Issue, now time.Time) {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	issue.State = schemas.StateDetected
	issue.ReviewDecision = schemas.ReviewNone
	issue.DetectedAt = now
	issue.LastSeenAt = now
	issue.UpdatedAt = now
}

// MergeSeen folds a re-detection into the stored identity of an issue and
// reports whether the issue was reopened.
func MergeSeen(issue *schemas.Issue, id string, state schemas.IssueState, decision schemas.ReviewDecision, detectedAt, now time.Time) bool {
	issue.ID = id
	issue.DetectedAt = detectedAt
	issue.LastSeenAt = now
	issue.UpdatedAt = now
	issue.State = state
	issue.ReviewDecision = decision
	if state.Open() {
		return false
	}
	issue.State = schemas.StateDetected
	issue.ReviewDecision = schemas.ReviewNone
	return true
}

// CheckTransition validates a requested lifecycle edge.
func CheckTransition(from, to schemas.IssueState) error {
	if !schemas.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, ErrStateConflict)
	}
	return nil
}

// ApplyPatternUpdate runs fn against a copy of current and rejects results that
// decrease a counter or change the fingerprint.
func ApplyPatternUpdate(fingerprint string, current schemas.Pattern, exists bool, now time.Time, fn PatternUpdateFunc) (schemas.Pattern, error) {
	next := current
	next.Tags = append([]string(nil), current.Tags...)
	if !exists {
		next = schemas.Pattern{Fingerprint: fingerprint, CreatedAt: now}
	}
	if err := fn(&next, exists); err != nil {
		return schemas.Pattern{}, err
	}
	if next.Fingerprint != fingerprint {
		return schemas.Pattern{}, fmt.Errorf("pattern update changed fingerprint %s to %s", fingerprint, next.Fingerprint)
	}
	if next.Occurrences < current.Occurrences || next.Successes < current.Successes || next.Failures < current.Failures {
		return schemas.Pattern{}, fmt.Errorf("pattern %s: %w", fingerprint, ErrCountDecreased)
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.LastSeenAt = now
	return next, nil
}
