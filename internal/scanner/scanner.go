// Package scanner walks a source tree, decides which files need scanning,
// runs the detectors on them in priority order and records what it found.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/detector"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

// Priority tiers, most urgent first.
const (
	TierOpenIssues = iota + 1
	TierRecentlyChanged
	TierUnhealthy
	TierRemainder
)

// Store is the persistence the scanner needs.
type Store interface {
	store.SnapshotStore
	RecordIssue(ctx context.Context, issue *schemas.Issue) (bool, error)
	ListIssues(ctx context.Context, filter schemas.IssueFilter) ([]schemas.Issue, error)
}

// Request describes one scan batch.
type Request struct {
	Root          string
	Project       string
	Concurrency   int
	SeverityFloor schemas.Severity
}

// Candidate is a file selected by the walk, with its scheduling priority.
type Candidate struct {
	Path    string // absolute
	RelPath string // slash separated, relative to the root
	Tier    int
	Health  float64
}

// WorkItem is the result of scanning one file.
type WorkItem struct {
	Candidate
	Language string
	Content  []byte
	Hash     string
	// Skipped is true when the content hash matched the cached snapshot.
	Skipped bool
	// Issues need remediation: newly detected, reopened, or left in the
	// detected state by an earlier batch.
	Issues []schemas.Issue
	// Monitoring are issues whose applied fix is still being observed.
	Monitoring []schemas.Issue
	// Seen holds the fingerprints every detector pass reported for the file.
	// It is nil for skipped files.
	Seen map[string]bool
	// Failures are detectors that failed on the file.
	Failures []*detector.Failure
}

// Stats summarizes a scan.
type Stats struct {
	FilesSeen    int
	FilesScanned int
	FilesSkipped int
	FilesFailed  int
	IssuesFound  int
	Cancelled    bool
}

// Scanner walks, prioritizes and scans files.
type Scanner struct {
	cfg      config.ScannerConfig
	registry *detector.Registry
	store    Store
	changes  ChangeSource
	logger   *zap.Logger
}

// New creates a scanner. changes may be nil to disable version-control
// prioritization.
func New(cfg config.ScannerConfig, registry *detector.Registry, st Store, changes ChangeSource, logger *zap.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		registry: registry,
		store:    st,
		changes:  changes,
		logger:   logger.Named("scanner"),
	}
}

// Plan walks root and returns the candidate files in scheduling order.
func (s *Scanner) Plan(ctx context.Context, root, project string) ([]Candidate, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	files, err := s.walk(ctx, root)
	if err != nil {
		return nil, err
	}

	open, err := s.store.ListIssues(ctx, schemas.IssueFilter{Project: project, States: schemas.OpenStates()})
	if err != nil {
		return nil, fmt.Errorf("failed to load open issues: %w", err)
	}
	withIssues := make(map[string]bool, len(open))
	for _, issue := range open {
		withIssues[issue.FilePath] = true
	}

	changed := map[string]bool{}
	if s.changes != nil {
		if changed, err = s.changes.Changed(ctx, root); err != nil {
			s.logger.Warn("Version control change detection failed, continuing without it", zap.Error(err))
			changed = map[string]bool{}
		}
	}

	snaps, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	health := make(map[string]float64, len(snaps))
	for i := range snaps {
		health[snaps[i].Path] = snaps[i].HealthScore()
	}

	candidates := make([]Candidate, 0, len(files))
	for _, path := range files {
		rel, _ := filepath.Rel(root, path)
		c := Candidate{Path: path, RelPath: filepath.ToSlash(rel), Health: 1, Tier: TierRemainder}
		if h, ok := health[path]; ok {
			c.Health = h
		}
		switch {
		case withIssues[c.RelPath]:
			c.Tier = TierOpenIssues
		case changed[path]:
			c.Tier = TierRecentlyChanged
		case c.Health < s.cfg.HealthThreshold:
			c.Tier = TierUnhealthy
		}
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Health != b.Health {
			return a.Health < b.Health
		}
		return a.RelPath < b.RelPath
	})
	return candidates, nil
}

func (s *Scanner) walk(ctx context.Context, root string) ([]string, error) {
	ignore := make(map[string]bool, len(s.cfg.IgnoreDirs))
	for _, d := range s.cfg.IgnoreDirs {
		ignore[d] = true
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && ignore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || syntax.DetectLanguage(path) == "" {
			return nil
		}
		if s.cfg.MaxFileSizeBytes > 0 {
			info, err := d.Info()
			if err != nil || info.Size() > s.cfg.MaxFileSizeBytes {
				observability.ObserveFileScan("too_large")
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// Scan plans the batch and scans files under bounded concurrency, sending a
// WorkItem for every file that was scanned or still has pending issues. out
// is closed when Scan returns. Cancelling ctx stops new files from starting.
func (s *Scanner) Scan(ctx context.Context, req Request, out chan<- WorkItem) (Stats, error) {
	defer close(out)
	started := time.Now()
	defer func() { observability.ObserveScan(time.Since(started)) }()

	var stats Stats
	candidates, err := s.Plan(ctx, req.Root, req.Project)
	if err != nil {
		if ctx.Err() != nil {
			stats.Cancelled = true
			return stats, nil
		}
		return stats, err
	}
	stats.FilesSeen = len(candidates)

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	floor := req.SeverityFloor
	if floor == "" {
		floor = schemas.SeverityLow
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			item, err := s.scanFile(gctx, req.Project, floor, c)
			mu.Lock()
			switch {
			case err != nil:
				stats.FilesFailed++
			case item.Skipped:
				stats.FilesSkipped++
			default:
				stats.FilesScanned++
				stats.IssuesFound += len(item.Seen)
			}
			mu.Unlock()
			if err != nil {
				s.logger.Warn("File scan failed", zap.String("path", c.RelPath), zap.Error(err))
				return nil
			}
			if item.Skipped && len(item.Issues) == 0 && len(item.Monitoring) == 0 {
				return nil
			}
			select {
			case out <- item:
			case <-gctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
	stats.Cancelled = ctx.Err() != nil
	return stats, nil
}

func (s *Scanner) scanFile(ctx context.Context, project string, floor schemas.Severity, c Candidate) (WorkItem, error) {
	item := WorkItem{Candidate: c, Language: syntax.DetectLanguage(c.Path)}
	content, err := os.ReadFile(c.Path)
	if err != nil {
		s.writeSnapshot(ctx, &schemas.FileSnapshot{Path: c.Path, LastError: err.Error(), Dirty: true})
		observability.ObserveFileScan("failed")
		return item, fmt.Errorf("failed to read file: %w", err)
	}
	sum := sha256.Sum256(content)
	item.Content = content
	item.Hash = hex.EncodeToString(sum[:])

	// fail keeps the file dirty so the next scan retries it.
	fail := func(err error) (WorkItem, error) {
		s.writeSnapshot(ctx, &schemas.FileSnapshot{
			Path: c.Path, ContentHash: item.Hash, LastScanAt: time.Now().UTC(), LastError: err.Error(), Dirty: true,
		})
		observability.ObserveFileScan("failed")
		return item, err
	}

	snap, err := s.store.GetSnapshot(ctx, c.Path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fail(fmt.Errorf("failed to load snapshot: %w", err))
	}
	if item.Monitoring, err = s.issuesIn(ctx, project, c.RelPath, schemas.StateMonitoring); err != nil {
		return fail(err)
	}
	if snap != nil && snap.ContentHash == item.Hash && !snap.Dirty {
		item.Skipped = true
		observability.ObserveFileScan("skipped")
		if item.Issues, err = s.issuesIn(ctx, project, c.RelPath, schemas.StateDetected); err != nil {
			return fail(err)
		}
		return item, nil
	}

	found, failures := s.registry.Run(ctx, c.RelPath, content)
	item.Failures = failures
	item.Seen = make(map[string]bool, len(found))

	next := &schemas.FileSnapshot{Path: c.Path, ContentHash: item.Hash, LastScanAt: time.Now().UTC()}
	if len(failures) > 0 {
		// A detector that failed or timed out has not seen this content yet.
		next.LastError = failures[0].Error()
		next.Dirty = true
	}
	defer func() { s.writeSnapshot(ctx, next) }()

	for i := range found {
		issue := found[i]
		if !issue.Severity.AtLeast(floor) {
			continue
		}
		if item.Seen[issue.Fingerprint] {
			continue
		}
		item.Seen[issue.Fingerprint] = true
		issue.Project = project
		observability.ObserveIssueDetected(string(issue.Category), string(issue.Severity))

		needsWork, err := s.store.RecordIssue(ctx, &issue)
		if err != nil {
			next.LastError = err.Error()
			next.Dirty = true
			return item, fmt.Errorf("failed to record issue: %w", err)
		}
		if needsWork || issue.State == schemas.StateDetected {
			item.Issues = append(item.Issues, issue)
		}
	}
	// Crash sites come from the log watcher, not a detector pass, so a rescan
	// never reports them. Keep them queued.
	pending, err := s.issuesIn(ctx, project, c.RelPath, schemas.StateDetected)
	if err != nil {
		next.LastError = err.Error()
		next.Dirty = true
		return item, err
	}
	for _, issue := range pending {
		if issue.Rule == detector.RuleCrash && !item.Seen[issue.Fingerprint] {
			item.Issues = append(item.Issues, issue)
		}
	}
	next.OutstandingIssues = len(item.Seen)
	observability.ObserveFileScan("scanned")
	return item, nil
}

func (s *Scanner) issuesIn(ctx context.Context, project, relPath string, state schemas.IssueState) ([]schemas.Issue, error) {
	issues, err := s.store.ListIssues(ctx, schemas.IssueFilter{
		Project: project, FilePath: relPath, States: []schemas.IssueState{state},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s issues: %w", state, err)
	}
	return issues, nil
}

// writeSnapshot persists scan metadata even when the batch is being cancelled.
func (s *Scanner) writeSnapshot(ctx context.Context, snap *schemas.FileSnapshot) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.PutSnapshot(ctx, snap); err != nil {
		s.logger.Error("Failed to write snapshot", zap.String("path", snap.Path), zap.Error(err))
	}
}
