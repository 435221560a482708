// Package memstore is an in-memory Repository. Every record lives in a
// mutex-guarded arena and is copied on the way in and out, so callers never
// share memory with the store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

type calibrationKey struct {
	strategy schemas.StrategyName
	domain   schemas.Category
}

// Store is the in-memory Repository.
type Store struct {
	mu sync.RWMutex

	issues      map[string]*schemas.Issue
	identity    map[string]string
	attempts    map[string][]*schemas.FixAttempt
	patterns    map[string]*schemas.Pattern
	snapshots   map[string]*schemas.FileSnapshot
	calibration map[calibrationKey]*schemas.CalibrationRecord

	now func() time.Time
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		issues:      make(map[string]*schemas.Issue),
		identity:    make(map[string]string),
		attempts:    make(map[string][]*schemas.FixAttempt),
		patterns:    make(map[string]*schemas.Pattern),
		snapshots:   make(map[string]*schemas.FileSnapshot),
		calibration: make(map[calibrationKey]*schemas.CalibrationRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close implements store.Repository.
func (s *Store) Close() error { return nil }

func identityKey(project, fingerprint, path string) string {
	return project + "\x00" + fingerprint + "\x00" + path
}

func copyIssue(in *schemas.Issue) *schemas.Issue {
	out := *in
	out.Attempts = nil
	if in.Metadata != nil {
		out.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func copyPattern(in *schemas.Pattern) *schemas.Pattern {
	out := *in
	out.Tags = append([]string(nil), in.Tags...)
	return &out
}

// RecordIssue implements store.IssueStore.
func (s *Store) RecordIssue(_ context.Context, issue *schemas.Issue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := identityKey(issue.Project, issue.Fingerprint, issue.FilePath)
	id, ok := s.identity[key]
	if !ok {
		store.PrepareNewIssue(issue, now)
		s.issues[issue.ID] = copyIssue(issue)
		s.identity[key] = issue.ID
		return true, nil
	}

	stored := s.issues[id]
	reopened := store.MergeSeen(issue, id, stored.State, stored.ReviewDecision, stored.DetectedAt, now)
	refreshed := copyIssue(issue)
	refreshed.Category, refreshed.Rule, refreshed.Detector, refreshed.Language = stored.Category, stored.Rule, stored.Detector, stored.Language
	s.issues[id] = refreshed
	return reopened, nil
}

// GetIssue implements store.IssueStore.
func (s *Store) GetIssue(_ context.Context, id string) (*schemas.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", id, store.ErrNotFound)
	}
	out := copyIssue(stored)
	for _, a := range s.attempts[id] {
		out.Attempts = append(out.Attempts, *a)
	}
	return out, nil
}

// ListIssues implements store.IssueStore.
func (s *Store) ListIssues(_ context.Context, filter schemas.IssueFilter) ([]schemas.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[schemas.IssueState]bool, len(filter.States))
	for _, st := range filter.States {
		states[st] = true
	}

	var out []schemas.Issue
	for _, issue := range s.issues {
		if filter.Project != "" && issue.Project != filter.Project {
			continue
		}
		if filter.FilePath != "" && issue.FilePath != filter.FilePath {
			continue
		}
		if len(states) > 0 && !states[issue.State] {
			continue
		}
		out = append(out, *copyIssue(issue))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransitionIssue implements store.IssueStore.
func (s *Store) TransitionIssue(_ context.Context, id string, from, to schemas.IssueState) error {
	if err := store.CheckTransition(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("issue %s: %w", id, store.ErrNotFound)
	}
	if issue.State != from {
		return fmt.Errorf("issue %s is %s, not %s: %w", id, issue.State, from, store.ErrStateConflict)
	}
	issue.State = to
	issue.UpdatedAt = s.now()
	return nil
}

// SetReviewDecision implements store.IssueStore.
func (s *Store) SetReviewDecision(_ context.Context, id string, decision schemas.ReviewDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("issue %s: %w", id, store.ErrNotFound)
	}
	issue.ReviewDecision = decision
	issue.UpdatedAt = s.now()
	return nil
}

// AddAttempt implements store.IssueStore.
func (s *Store) AddAttempt(_ context.Context, attempt *schemas.FixAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.issues[attempt.IssueID]; !ok {
		return fmt.Errorf("issue %s: %w", attempt.IssueID, store.ErrNotFound)
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Validation == "" {
		attempt.Validation = schemas.ValidationPending
	}
	now := s.now()
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	attempt.Applied = false
	attempt.Sequence = len(s.attempts[attempt.IssueID]) + 1

	stored := *attempt
	s.attempts[attempt.IssueID] = append(s.attempts[attempt.IssueID], &stored)
	return nil
}

func (s *Store) findAttempt(issueID, attemptID string) *schemas.FixAttempt {
	for _, a := range s.attempts[issueID] {
		if a.ID == attemptID {
			return a
		}
	}
	return nil
}

// UpdateAttempt implements store.IssueStore.
func (s *Store) UpdateAttempt(_ context.Context, attempt *schemas.FixAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.findAttempt(attempt.IssueID, attempt.ID)
	if stored == nil {
		return fmt.Errorf("attempt %s: %w", attempt.ID, store.ErrNotFound)
	}
	attempt.UpdatedAt = s.now()
	stored.Validation = attempt.Validation
	stored.FailedGate = attempt.FailedGate
	stored.FailureReason = attempt.FailureReason
	stored.CalibratedConfidence = attempt.CalibratedConfidence
	stored.UpdatedAt = attempt.UpdatedAt
	return nil
}

// SetApplied implements store.IssueStore.
func (s *Store) SetApplied(_ context.Context, issueID, attemptID string, applied bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.findAttempt(issueID, attemptID)
	if stored == nil {
		return fmt.Errorf("attempt %s: %w", attemptID, store.ErrNotFound)
	}
	if applied {
		for _, a := range s.attempts[issueID] {
			if a.Applied && a.ID != attemptID {
				return fmt.Errorf("attempt %s: %w", attemptID, store.ErrAlreadyApplied)
			}
		}
	}
	stored.Applied = applied
	stored.UpdatedAt = s.now()
	return nil
}

// ListAttempts implements store.IssueStore.
func (s *Store) ListAttempts(_ context.Context, issueID string) ([]schemas.FixAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schemas.FixAttempt, 0, len(s.attempts[issueID]))
	for _, a := range s.attempts[issueID] {
		out = append(out, *a)
	}
	return out, nil
}

// GetPattern implements store.PatternStore.
func (s *Store) GetPattern(_ context.Context, fingerprint string) (*schemas.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[fingerprint]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", fingerprint, store.ErrNotFound)
	}
	return copyPattern(p), nil
}

// UpdatePattern implements store.PatternStore. fn runs under the arena lock.
func (s *Store) UpdatePattern(_ context.Context, fingerprint string, fn store.PatternUpdateFunc) (*schemas.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current schemas.Pattern
	p, exists := s.patterns[fingerprint]
	if exists {
		current = *p
	}
	next, err := store.ApplyPatternUpdate(fingerprint, current, exists, s.now(), fn)
	if err != nil {
		return nil, err
	}
	s.patterns[fingerprint] = copyPattern(&next)
	return &next, nil
}

// ListPatterns implements store.PatternStore.
func (s *Store) ListPatterns(_ context.Context) ([]schemas.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schemas.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *copyPattern(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Successes != out[j].Successes {
			return out[i].Successes > out[j].Successes
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out, nil
}

// GetSnapshot implements store.SnapshotStore.
func (s *Store) GetSnapshot(_ context.Context, path string) (*schemas.FileSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[path]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", path, store.ErrNotFound)
	}
	out := *snap
	return &out, nil
}

// PutSnapshot implements store.SnapshotStore.
func (s *Store) PutSnapshot(_ context.Context, snap *schemas.FileSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *snap
	s.snapshots[snap.Path] = &stored
	return nil
}

// MarkDirty implements store.SnapshotStore.
func (s *Store) MarkDirty(_ context.Context, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		if snap, ok := s.snapshots[p]; ok {
			snap.Dirty = true
			continue
		}
		s.snapshots[p] = &schemas.FileSnapshot{Path: p, Dirty: true}
	}
	return nil
}

// ListSnapshots implements store.SnapshotStore.
func (s *Store) ListSnapshots(_ context.Context) ([]schemas.FileSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schemas.FileSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// LoadCalibration implements store.CalibrationStore.
func (s *Store) LoadCalibration(_ context.Context) ([]schemas.CalibrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schemas.CalibrationRecord, 0, len(s.calibration))
	for _, r := range s.calibration {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Domain < out[j].Domain
	})
	return out, nil
}

// RecordCalibration implements store.CalibrationStore.
func (s *Store) RecordCalibration(_ context.Context, strategy schemas.StrategyName, domain schemas.Category, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := calibrationKey{strategy: strategy, domain: domain}
	r, ok := s.calibration[key]
	if !ok {
		r = &schemas.CalibrationRecord{Strategy: strategy, Domain: domain}
		s.calibration[key] = r
	}
	successes, failures := store.CalibrationDelta(success)
	r.Successes += successes
	r.Failures += failures
	r.UpdatedAt = s.now()
	return nil
}
