// Package review records human decisions on issues the pipeline could not
// settle on its own.
package review

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

var (
	// ErrNotAwaitingReview is returned for issues outside the review queue.
	ErrNotAwaitingReview = errors.New("issue is not awaiting review")
	// ErrNoCandidate is returned when an approved issue has no fix to apply.
	ErrNoCandidate = errors.New("issue has no candidate fix")
)

// Committer validates and applies an approved attempt.
type Committer interface {
	Commit(ctx context.Context, root string, issue *schemas.Issue, attempt *schemas.FixAttempt) (bool, error)
}

// Learner records the outcome of a rejected fix.
type Learner interface {
	Record(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt, outcome schemas.Outcome, change *patch.FileChange) error
}

// Result describes what a decision did.
type Result struct {
	IssueID   string                 `json:"issue_id"`
	Decision  schemas.ReviewDecision `json:"decision"`
	State     schemas.IssueState     `json:"state"`
	AttemptID string                 `json:"attempt_id,omitempty"`
	Applied   bool                   `json:"applied"`
}

// Service applies review decisions.
type Service struct {
	store     store.IssueStore
	committer Committer
	learner   Learner
	root      string
	logger    *zap.Logger
}

// New creates a review service for the tree checked out at root.
func New(st store.IssueStore, committer Committer, learner Learner, root string, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		committer: committer,
		learner:   learner,
		root:      root,
		logger:    logger.Named("review"),
	}
}

// Queue lists the issues of a project waiting for a decision.
func (s *Service) Queue(ctx context.Context, project string) ([]schemas.Issue, error) {
	issues, err := s.store.ListIssues(ctx, schemas.IssueFilter{
		Project: project,
		States:  []schemas.IssueState{schemas.StateNeedsReview},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	out := issues[:0]
	for _, issue := range issues {
		if issue.ReviewDecision != schemas.ReviewReject {
			out = append(out, issue)
		}
	}
	return out, nil
}

// Decide records a decision on an issue awaiting review. Approve validates
// and applies the latest candidate; reject counts it as a failure and leaves
// the issue with the reviewer; defer sends the issue back to be attempted
// on the next scan.
func (s *Service) Decide(ctx context.Context, issueID string, decision schemas.ReviewDecision) (*Result, error) {
	decision, err := schemas.ParseReviewDecision(string(decision))
	if err != nil {
		return nil, err
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", issueID, err)
	}
	if issue.State != schemas.StateNeedsReview {
		return nil, fmt.Errorf("issue %s is %s: %w", issueID, issue.State, ErrNotAwaitingReview)
	}
	attempt := latestCandidate(issue.Attempts)
	if decision == schemas.ReviewApprove && attempt == nil {
		return nil, fmt.Errorf("issue %s: %w", issueID, ErrNoCandidate)
	}

	if err := s.store.SetReviewDecision(ctx, issueID, decision); err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	issue.ReviewDecision = decision
	res := &Result{IssueID: issueID, Decision: decision}
	if attempt != nil {
		res.AttemptID = attempt.ID
	}
	logger := s.logger.With(zap.String("issue_id", issueID), zap.String("decision", string(decision)))

	switch decision {
	case schemas.ReviewApprove:
		applied, err := s.committer.Commit(ctx, s.root, issue, attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to apply approved fix: %w", err)
		}
		res.Applied = applied
		logger.Info("Approved fix processed", zap.Bool("applied", applied), zap.String("attempt_id", attempt.ID))

	case schemas.ReviewReject:
		// Validation already recorded a failure for this attempt.
		if attempt != nil && attempt.Validation != schemas.ValidationFailed && attempt.Validation != schemas.ValidationRolledBack {
			if err := s.learner.Record(ctx, issue, attempt, schemas.OutcomeNeedsReview, nil); err != nil {
				logger.Warn("Failed to record rejected fix", zap.Error(err))
			}
		}
		logger.Info("Fix rejected")

	case schemas.ReviewDefer:
		if err := s.store.TransitionIssue(ctx, issueID, schemas.StateNeedsReview, schemas.StateDetected); err != nil {
			return nil, fmt.Errorf("failed to requeue issue: %w", err)
		}
		issue.State = schemas.StateDetected
		logger.Info("Issue deferred")
	}
	res.State = issue.State
	return res, nil
}

// latestCandidate picks the newest attempt that passed validation, or else
// the newest attempt with a patch.
func latestCandidate(attempts []schemas.FixAttempt) *schemas.FixAttempt {
	var fallback *schemas.FixAttempt
	for i := len(attempts) - 1; i >= 0; i-- {
		a := &attempts[i]
		if a.Patch == "" || a.Applied || !a.Validation.Candidate() {
			continue
		}
		if a.Validation == schemas.ValidationPassed {
			return a
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback
}
