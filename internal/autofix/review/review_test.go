package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
	"github.com/xkilldash9x/scalpel-autofix/internal/store/memstore"
)

type mockCommitter struct {
	mock.Mock
}

func (m *mockCommitter) Commit(ctx context.Context, root string, issue *schemas.Issue, attempt *schemas.FixAttempt) (bool, error) {
	args := m.Called(ctx, root, issue, attempt)
	return args.Bool(0), args.Error(1)
}

type mockLearner struct {
	mock.Mock
}

func (m *mockLearner) Record(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt, outcome schemas.Outcome, change *patch.FileChange) error {
	args := m.Called(ctx, issue, attempt, outcome, change)
	return args.Error(0)
}

// queued stores an issue that went through one validated but held attempt.
func queued(t *testing.T, st *memstore.Store, withAttempt bool) string {
	t.Helper()
	ctx := context.Background()
	issue := &schemas.Issue{
		Project:     "demo",
		Fingerprint: "fp-1",
		FilePath:    "main.go",
		Category:    schemas.CategoryCorrectness,
		Severity:    schemas.SeverityHigh,
		Rule:        "nil-dereference",
	}
	_, err := st.RecordIssue(ctx, issue)
	require.NoError(t, err)
	require.NoError(t, st.TransitionIssue(ctx, issue.ID, schemas.StateDetected, schemas.StateAttempting))

	if withAttempt {
		require.NoError(t, st.TransitionIssue(ctx, issue.ID, schemas.StateAttempting, schemas.StateValidating))
		attempt := &schemas.FixAttempt{IssueID: issue.ID, Strategy: schemas.StrategyContextual, Patch: "--- a/main.go\n+++ b/main.go\n"}
		require.NoError(t, st.AddAttempt(ctx, attempt))
		attempt.Validation = schemas.ValidationPassed
		require.NoError(t, st.UpdateAttempt(ctx, attempt))
		require.NoError(t, st.TransitionIssue(ctx, issue.ID, schemas.StateValidating, schemas.StateNeedsReview))
	} else {
		require.NoError(t, st.TransitionIssue(ctx, issue.ID, schemas.StateAttempting, schemas.StateNeedsReview))
	}
	return issue.ID
}

func TestDecide(t *testing.T) {
	ctx := context.Background()

	t.Run("approve commits the validated attempt", func(t *testing.T) {
		st := memstore.New()
		id := queued(t, st, true)
		committer := new(mockCommitter)
		committer.On("Commit", mock.Anything, "/repo", mock.MatchedBy(func(i *schemas.Issue) bool { return i.ID == id }),
			mock.MatchedBy(func(a *schemas.FixAttempt) bool { return a.Strategy == schemas.StrategyContextual })).
			Return(true, nil).Once()
		svc := New(st, committer, new(mockLearner), "/repo", zaptest.NewLogger(t))

		res, err := svc.Decide(ctx, id, schemas.ReviewApprove)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.NotEmpty(t, res.AttemptID)
		committer.AssertExpectations(t)

		issue, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schemas.ReviewApprove, issue.ReviewDecision)
	})

	t.Run("approve without a candidate fails", func(t *testing.T) {
		st := memstore.New()
		id := queued(t, st, false)
		svc := New(st, new(mockCommitter), new(mockLearner), "/repo", zaptest.NewLogger(t))

		_, err := svc.Decide(ctx, id, schemas.ReviewApprove)
		assert.ErrorIs(t, err, ErrNoCandidate)
		issue, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schemas.ReviewNone, issue.ReviewDecision)
	})

	t.Run("reject records a failure and keeps the issue", func(t *testing.T) {
		st := memstore.New()
		id := queued(t, st, true)
		learner := new(mockLearner)
		learner.On("Record", mock.Anything, mock.Anything, mock.Anything, schemas.OutcomeNeedsReview, (*patch.FileChange)(nil)).
			Return(nil).Once()
		svc := New(st, new(mockCommitter), learner, "/repo", zaptest.NewLogger(t))

		res, err := svc.Decide(ctx, id, schemas.ReviewReject)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateNeedsReview, res.State)
		learner.AssertExpectations(t)

		queue, err := svc.Queue(ctx, "demo")
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("reject of a failed attempt records nothing more", func(t *testing.T) {
		st := memstore.New()
		id := queued(t, st, false)
		require.NoError(t, st.AddAttempt(ctx, &schemas.FixAttempt{
			IssueID:    id,
			Strategy:   schemas.StrategyGenerative,
			Patch:      "--- a/main.go\n+++ b/main.go\n",
			Validation: schemas.ValidationFailed,
			FailedGate: "build",
		}))
		learner := new(mockLearner)
		svc := New(st, new(mockCommitter), learner, "/repo", zaptest.NewLogger(t))

		res, err := svc.Decide(ctx, id, schemas.ReviewReject)
		require.NoError(t, err)
		assert.NotEmpty(t, res.AttemptID)
		assert.Equal(t, schemas.StateNeedsReview, res.State)
		learner.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("defer requeues the issue", func(t *testing.T) {
		st := memstore.New()
		id := queued(t, st, true)
		svc := New(st, new(mockCommitter), new(mockLearner), "/repo", zaptest.NewLogger(t))

		queue, err := svc.Queue(ctx, "demo")
		require.NoError(t, err)
		require.Len(t, queue, 1)

		res, err := svc.Decide(ctx, id, schemas.ReviewDefer)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateDetected, res.State)

		issue, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateDetected, issue.State)
		assert.Equal(t, schemas.ReviewDefer, issue.ReviewDecision)
	})

	t.Run("issues outside the queue are refused", func(t *testing.T) {
		st := memstore.New()
		issue := &schemas.Issue{Project: "demo", Fingerprint: "fp-2", FilePath: "a.go"}
		_, err := st.RecordIssue(ctx, issue)
		require.NoError(t, err)
		svc := New(st, new(mockCommitter), new(mockLearner), "/repo", zaptest.NewLogger(t))

		_, err = svc.Decide(ctx, issue.ID, schemas.ReviewDefer)
		assert.ErrorIs(t, err, ErrNotAwaitingReview)
	})

	t.Run("unknown decisions are refused", func(t *testing.T) {
		svc := New(memstore.New(), new(mockCommitter), new(mockLearner), "/repo", zaptest.NewLogger(t))
		_, err := svc.Decide(ctx, "any", schemas.ReviewDecision("maybe"))
		assert.Error(t, err)
	})
}

func TestLatestCandidate(t *testing.T) {
	attempts := []schemas.FixAttempt{
		{ID: "1", Patch: "p", Validation: schemas.ValidationPassed},
		{ID: "2", Patch: "p", Validation: schemas.ValidationFailed},
		{ID: "3", Validation: schemas.ValidationPending},
		{ID: "4", Patch: "p", Validation: schemas.ValidationBelowFloor},
	}
	assert.Equal(t, "1", latestCandidate(attempts).ID)
	assert.Equal(t, "2", latestCandidate(attempts[1:]).ID)
	assert.Nil(t, latestCandidate(attempts[2:]), "records of passed-over strategies are never candidates")
	assert.Nil(t, latestCandidate(nil))
}
