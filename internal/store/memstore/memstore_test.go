package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

func newIssue(path string) *schemas.Issue {
	return &schemas.Issue{
		Project: "demo", Fingerprint: "fp-" + path, FilePath: path,
		Category: schemas.CategoryCorrectness, Severity: schemas.SeverityMedium,
		Rule: "nil-dereference", Metadata: map[string]string{"k": "v"},
	}
}

func TestRecordIssue(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := newIssue("a.go")
	needsWork, err := s.RecordIssue(ctx, first)
	require.NoError(t, err)
	assert.True(t, needsWork)

	again := newIssue("a.go")
	needsWork, err = s.RecordIssue(ctx, again)
	require.NoError(t, err)
	assert.False(t, needsWork, "an open issue is refreshed, not duplicated")
	assert.Equal(t, first.ID, again.ID)

	issues, err := s.ListIssues(ctx, schemas.IssueFilter{Project: "demo"})
	require.NoError(t, err)
	assert.Len(t, issues, 1)

	// Drive the issue to resolved and detect it again.
	for _, step := range [][2]schemas.IssueState{
		{schemas.StateDetected, schemas.StateAttempting},
		{schemas.StateAttempting, schemas.StateValidating},
		{schemas.StateValidating, schemas.StateApplied},
		{schemas.StateApplied, schemas.StateMonitoring},
		{schemas.StateMonitoring, schemas.StateResolved},
	} {
		require.NoError(t, s.TransitionIssue(ctx, first.ID, step[0], step[1]))
	}
	reopened := newIssue("a.go")
	needsWork, err = s.RecordIssue(ctx, reopened)
	require.NoError(t, err)
	assert.True(t, needsWork)
	assert.Equal(t, first.ID, reopened.ID, "reopening reuses the record")
	assert.Equal(t, schemas.StateDetected, reopened.State)

	// Mutating the caller's copy does not leak into the store.
	reopened.Metadata["k"] = "changed"
	stored, err := s.GetIssue(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", stored.Metadata["k"])
}

func TestTransitionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	issue := newIssue("a.go")
	_, err := s.RecordIssue(ctx, issue)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.TransitionIssue(ctx, issue.ID, schemas.StateDetected, schemas.StateAttempting); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, store.ErrStateConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	assert.ErrorIs(t, s.TransitionIssue(ctx, "missing", schemas.StateDetected, schemas.StateAttempting), store.ErrNotFound)
	assert.ErrorIs(t, s.TransitionIssue(ctx, issue.ID, schemas.StateAttempting, schemas.StateResolved), store.ErrStateConflict)
}

func TestAttemptsAtMostOneApplied(t *testing.T) {
	ctx := context.Background()
	s := New()
	issue := newIssue("a.go")
	_, err := s.RecordIssue(ctx, issue)
	require.NoError(t, err)

	a1 := &schemas.FixAttempt{IssueID: issue.ID, Strategy: schemas.StrategyPatternMatch}
	a2 := &schemas.FixAttempt{IssueID: issue.ID, Strategy: schemas.StrategyContextual}
	require.NoError(t, s.AddAttempt(ctx, a1))
	require.NoError(t, s.AddAttempt(ctx, a2))
	assert.Equal(t, 1, a1.Sequence)
	assert.Equal(t, 2, a2.Sequence)

	require.NoError(t, s.SetApplied(ctx, issue.ID, a1.ID, true))
	assert.ErrorIs(t, s.SetApplied(ctx, issue.ID, a2.ID, true), store.ErrAlreadyApplied)

	require.NoError(t, s.SetApplied(ctx, issue.ID, a1.ID, false))
	require.NoError(t, s.SetApplied(ctx, issue.ID, a2.ID, true))

	a1.Validation = schemas.ValidationRolledBack
	a1.FailedGate = "monitoring"
	require.NoError(t, s.UpdateAttempt(ctx, a1))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, got.Attempts, 2)
	assert.False(t, got.Attempts[0].Applied)
	assert.Equal(t, "monitoring", got.Attempts[0].FailedGate)
	assert.True(t, got.Attempts[1].Applied)

	assert.ErrorIs(t, s.AddAttempt(ctx, &schemas.FixAttempt{IssueID: "missing"}), store.ErrNotFound)
}

func TestUpdatePatternIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdatePattern(ctx, "fp", func(p *schemas.Pattern, exists bool) error {
				p.Occurrences++
				p.Successes++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := s.GetPattern(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Successes)
	assert.Equal(t, int64(50), p.Occurrences)

	_, err = s.UpdatePattern(ctx, "fp", func(p *schemas.Pattern, exists bool) error {
		p.Successes = 1
		return nil
	})
	assert.ErrorIs(t, err, store.ErrCountDecreased)

	_, err = s.GetPattern(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSnapshotsAndCalibration(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.PutSnapshot(ctx, &schemas.FileSnapshot{Path: "/r/a.go", ContentHash: "h1"}))
	require.NoError(t, s.MarkDirty(ctx, "/r/a.go", "/r/b.go"))

	snaps, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Dirty)
	assert.Equal(t, "h1", snaps[0].ContentHash)
	assert.Equal(t, "/r/b.go", snaps[1].Path)

	require.NoError(t, s.RecordCalibration(ctx, schemas.StrategyContextual, schemas.CategoryStyle, true))
	require.NoError(t, s.RecordCalibration(ctx, schemas.StrategyContextual, schemas.CategoryStyle, false))
	require.NoError(t, s.RecordCalibration(ctx, schemas.StrategyContextual, schemas.CategoryStyle, true))
	records, err := s.LoadCalibration(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].Successes)
	assert.Equal(t, int64(1), records[0].Failures)
}
