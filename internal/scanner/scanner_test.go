package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/detector"
	"github.com/xkilldash9x/scalpel-autofix/internal/store/memstore"
)

const nilDerefGo = "package users\n\ntype User struct{ Name string }\n\nfunc DisplayName(u *User) string {\n\treturn u.Name\n}\n"

type countingDetector struct {
	inner detector.Detector
	calls atomic.Int32
	fail  bool
}

func (c *countingDetector) Name() string        { return c.inner.Name() }
func (c *countingDetector) Languages() []string { return c.inner.Languages() }

func (c *countingDetector) Detect(ctx context.Context, path string, content []byte) ([]schemas.Issue, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.New("detector exploded")
	}
	return c.inner.Detect(ctx, path, content)
}

type staticChanges map[string]bool

func (s staticChanges) Changed(ctx context.Context, root string) (map[string]bool, error) {
	return s, nil
}

func scannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		IgnoreDirs:       []string{".git", "vendor", "node_modules"},
		MaxFileSizeBytes: 1 << 20,
		DetectorTimeout:  5 * time.Second,
		HealthThreshold:  0.5,
	}
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func drain(t *testing.T, s *Scanner, req Request) ([]WorkItem, Stats) {
	t.Helper()
	out := make(chan WorkItem)
	var items []WorkItem
	done := make(chan struct{})
	go func() {
		defer close(done)
		for item := range out {
			items = append(items, item)
		}
	}()
	stats, err := s.Scan(context.Background(), req, out)
	require.NoError(t, err)
	<-done
	return items, stats
}

func TestScanIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	root := t.TempDir()
	writeFile(t, root, "users/users.go", nilDerefGo)
	writeFile(t, root, "clean/clean.go", "package clean\n\nfunc Add(a, b int) int { return a + b }\n")
	writeFile(t, root, "vendor/dep/dep.go", nilDerefGo)
	writeFile(t, root, "README.md", "# readme\n")

	logger := zaptest.NewLogger(t)
	rules := &countingDetector{inner: detector.NewRulesDetector()}
	st := memstore.New()
	s := New(scannerConfig(), detector.NewRegistry(logger, time.Second, rules), st, nil, logger)
	req := Request{Root: root, Project: "demo", Concurrency: 4}

	items, stats := drain(t, s, req)
	assert.Equal(t, 2, stats.FilesSeen, "vendor and unknown languages are not walked")
	assert.Equal(t, 2, stats.FilesScanned)
	assert.Equal(t, int32(2), rules.calls.Load())
	require.Len(t, items, 2)

	var users WorkItem
	for _, it := range items {
		if it.RelPath == "users/users.go" {
			users = it
		}
	}
	require.Len(t, users.Issues, 1)
	assert.Equal(t, detector.RuleNilDereference, users.Issues[0].Rule)
	assert.Equal(t, "demo", users.Issues[0].Project)
	assert.NotEmpty(t, users.Issues[0].ID)

	snap, err := st.GetSnapshot(context.Background(), users.Path)
	require.NoError(t, err)
	assert.Equal(t, users.Hash, snap.ContentHash)
	assert.Equal(t, 1, snap.OutstandingIssues)

	// The issue is picked up by the pipeline before the next scan.
	require.NoError(t, st.TransitionIssue(context.Background(), users.Issues[0].ID, schemas.StateDetected, schemas.StateAttempting))

	items, stats = drain(t, s, req)
	assert.Equal(t, 2, stats.FilesSkipped)
	assert.Zero(t, stats.FilesScanned)
	assert.Equal(t, int32(2), rules.calls.Load(), "unchanged files never reach a detector")
	assert.Empty(t, items)

	all, err := st.ListIssues(context.Background(), schemas.IssueFilter{Project: "demo"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScanDirtyAndPending(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "users.go", nilDerefGo)
	logger := zaptest.NewLogger(t)
	rules := &countingDetector{inner: detector.NewRulesDetector()}
	st := memstore.New()
	s := New(scannerConfig(), detector.NewRegistry(logger, time.Second, rules), st, nil, logger)
	req := Request{Root: root, Project: "demo", Concurrency: 1}

	_, _ = drain(t, s, req)

	// Unchanged, but the issue was never picked up: it is handed out again
	// without running detectors.
	items, stats := drain(t, s, req)
	assert.Equal(t, 1, stats.FilesSkipped)
	require.Len(t, items, 1)
	assert.True(t, items[0].Skipped)
	assert.Len(t, items[0].Issues, 1)
	assert.Equal(t, int32(1), rules.calls.Load())

	require.NoError(t, st.MarkDirty(context.Background(), path))
	_, stats = drain(t, s, req)
	assert.Equal(t, 1, stats.FilesScanned)
	assert.Equal(t, int32(2), rules.calls.Load())
}

func TestScanSeverityFloorAndFailures(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n\nfunc f() {\n\tx := 1 \n\t_ = x\n}\n")
	logger := zaptest.NewLogger(t)
	broken := &countingDetector{inner: detector.NewSyntaxDetector(), fail: true}
	st := memstore.New()
	s := New(scannerConfig(), detector.NewRegistry(logger, time.Second, broken, detector.NewRulesDetector()), st, nil, logger)

	items, stats := drain(t, s, Request{Root: root, Project: "demo", SeverityFloor: schemas.SeverityMedium})
	assert.Equal(t, 1, stats.FilesScanned, "a failing detector does not fail the file")
	require.Len(t, items, 1)
	assert.Empty(t, items[0].Issues, "trailing whitespace is below the floor")
	require.Len(t, items[0].Failures, 1)

	snap, err := st.GetSnapshot(context.Background(), filepath.Join(root, "a.go"))
	require.NoError(t, err)
	assert.Contains(t, snap.LastError, "detector exploded")

	issues, err := st.ListIssues(context.Background(), schemas.IssueFilter{})
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestScanRetriesFileAfterDetectorFailure(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "users.go", nilDerefGo)
	logger := zaptest.NewLogger(t)
	rules := &countingDetector{inner: detector.NewRulesDetector(), fail: true}
	st := memstore.New()
	s := New(scannerConfig(), detector.NewRegistry(logger, time.Second, rules), st, nil, logger)
	req := Request{Root: root, Project: "demo"}

	_, stats := drain(t, s, req)
	assert.Equal(t, 1, stats.FilesScanned)
	assert.Zero(t, stats.IssuesFound)

	snap, err := st.GetSnapshot(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, snap.Dirty, "a failed detector pass leaves the file dirty")

	// Same content, detector recovered.
	rules.fail = false
	items, stats := drain(t, s, req)
	assert.Zero(t, stats.FilesSkipped)
	assert.Equal(t, 1, stats.FilesScanned)
	assert.Equal(t, int32(2), rules.calls.Load())
	require.Len(t, items, 1)
	require.Len(t, items[0].Issues, 1)
	assert.Equal(t, detector.RuleNilDereference, items[0].Issues[0].Rule)

	snap, err = st.GetSnapshot(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, snap.Dirty)
	assert.Empty(t, snap.LastError)

	_, stats = drain(t, s, req)
	assert.Equal(t, 1, stats.FilesSkipped, "a clean pass is cached again")
	assert.Equal(t, int32(2), rules.calls.Load())
}

func TestPlanPriority(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, rel := range []string{"a.go", "b.go", "c.go", "d.go", "e.go"} {
		writeFile(t, root, rel, "package x\n")
	}
	logger := zaptest.NewLogger(t)
	st := memstore.New()

	_, err := st.RecordIssue(ctx, &schemas.Issue{Project: "demo", Fingerprint: "fp", FilePath: "e.go"})
	require.NoError(t, err)
	require.NoError(t, st.PutSnapshot(ctx, &schemas.FileSnapshot{Path: filepath.Join(root, "d.go"), OutstandingIssues: 3}))
	require.NoError(t, st.PutSnapshot(ctx, &schemas.FileSnapshot{Path: filepath.Join(root, "c.go"), OutstandingIssues: 1}))
	changes := staticChanges{filepath.Join(root, "b.go"): true}

	s := New(scannerConfig(), detector.NewRegistry(logger, time.Second), st, changes, logger)
	plan, err := s.Plan(ctx, root, "demo")
	require.NoError(t, err)

	var order []string
	for _, c := range plan {
		order = append(order, c.RelPath)
	}
	// c.go has health 0.5, which is not below the threshold, but it still
	// sorts ahead of the healthy a.go.
	assert.Equal(t, []string{"e.go", "b.go", "d.go", "c.go", "a.go"}, order)
	assert.Equal(t, TierOpenIssues, plan[0].Tier)
	assert.Equal(t, TierRecentlyChanged, plan[1].Tier)
	assert.Equal(t, TierUnhealthy, plan[2].Tier)
	assert.Equal(t, TierRemainder, plan[3].Tier)
}

func TestScanMaxFileSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.go", "package big\n\n// padding padding padding\n")
	logger := zaptest.NewLogger(t)
	cfg := scannerConfig()
	cfg.MaxFileSizeBytes = 10
	s := New(cfg, detector.NewRegistry(logger, time.Second), memstore.New(), nil, logger)
	plan, err := s.Plan(context.Background(), root, "demo")
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestGitChanges(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	committed := writeFile(t, root, "pkg/old.go", "package pkg\n")
	_, err = wt.Add("pkg/old.go")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	untracked := writeFile(t, root, "pkg/new.go", "package pkg\n")

	logger := zaptest.NewLogger(t)
	changed, err := NewGitChanges(logger, 5).Changed(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, changed[untracked], "worktree changes are reported")
	assert.True(t, changed[committed], "files in recent commits are reported")

	changed, err = NewGitChanges(logger, 0).Changed(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, changed[committed])

	changed, err = NewGitChanges(logger, 5).Changed(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestScanCarriesMonitoringIssues(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "users.go", nilDerefGo)
	logger := zaptest.NewLogger(t)
	st := memstore.New()
	s := New(scannerConfig(), detector.NewRegistry(logger, time.Second, detector.NewRulesDetector()), st, nil, logger)
	req := Request{Root: root, Project: "demo", Concurrency: 1}
	ctx := context.Background()

	items, _ := drain(t, s, req)
	require.Len(t, items, 1)
	id := items[0].Issues[0].ID
	for _, next := range []schemas.IssueState{schemas.StateAttempting, schemas.StateValidating, schemas.StateApplied, schemas.StateMonitoring} {
		issue, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		require.NoError(t, st.TransitionIssue(ctx, id, issue.State, next))
	}

	// Skipped files are still handed out while a fix on them is observed.
	items, stats := drain(t, s, req)
	assert.Equal(t, 1, stats.FilesSkipped)
	require.Len(t, items, 1)
	assert.Empty(t, items[0].Issues)
	require.Len(t, items[0].Monitoring, 1)
	assert.Equal(t, id, items[0].Monitoring[0].ID)
	assert.Nil(t, items[0].Seen)
}
