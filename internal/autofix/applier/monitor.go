package applier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// Verdict is what the monitor concluded about an applied fix.
type Verdict int

const (
	// Pending means the window is still open.
	Pending Verdict = iota
	// Resolve means the window closed without the issue coming back.
	Resolve
	// Rollback means the issue reappeared.
	Rollback
)

func (v Verdict) String() string {
	switch v {
	case Resolve:
		return "resolve"
	case Rollback:
		return "rollback"
	default:
		return "pending"
	}
}

// Watch is an applied fix under observation.
type Watch struct {
	IssueID     string    `json:"issue_id"`
	AttemptID   string    `json:"attempt_id"`
	Fingerprint string    `json:"fingerprint"`
	FilePath    string    `json:"file_path"`
	AppliedAt   time.Time `json:"applied_at"`
	// Passes counts detector passes over the file that did not report the
	// fingerprint.
	Passes int `json:"passes"`
}

// Monitor tracks the observation window of applied fixes. The window closes
// once the configured duration has elapsed and the configured number of clean
// detector passes has been seen. Watches survive restarts.
type Monitor struct {
	path   string
	window time.Duration
	passes int
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	watches map[string]*Watch
}

// NewMonitor loads persisted watches from path.
func NewMonitor(cfg config.MonitoringConfig, path string, logger *zap.Logger) (*Monitor, error) {
	m := &Monitor{
		path:    path,
		window:  cfg.Window,
		passes:  cfg.CleanPasses,
		logger:  logger.Named("monitor"),
		now:     func() time.Time { return time.Now().UTC() },
		watches: make(map[string]*Watch),
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read monitor state: %w", err)
	}
	var list []Watch
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode monitor state: %w", err)
	}
	for i := range list {
		w := list[i]
		m.watches[w.IssueID] = &w
	}
	return m, nil
}

// Immediate reports whether fixes resolve as soon as they are applied.
func (m *Monitor) Immediate() bool {
	return m.window <= 0 && m.passes <= 0
}

// Watch starts observing an applied fix. With an empty window it returns
// Resolve and keeps nothing.
func (m *Monitor) Watch(w Watch) (Verdict, error) {
	if m.Immediate() {
		return Resolve, nil
	}
	if w.AppliedAt.IsZero() {
		w.AppliedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[w.IssueID] = &w
	return Pending, m.persistLocked()
}

// Observe records one detector pass over the watched issue's file. Unknown
// issues are reported as Resolve so a lost watch never pins an issue.
func (m *Monitor) Observe(issueID string, reappeared bool) (Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[issueID]
	if !ok {
		if reappeared {
			return Rollback, nil
		}
		return Resolve, nil
	}
	if reappeared {
		delete(m.watches, issueID)
		m.logger.Info("Fixed issue reappeared", zap.String("issue_id", issueID), zap.Int("clean_passes", w.Passes))
		return Rollback, m.persistLocked()
	}
	w.Passes++
	if w.Passes >= m.passes && m.now().Sub(w.AppliedAt) >= m.window {
		delete(m.watches, issueID)
		return Resolve, m.persistLocked()
	}
	return Pending, m.persistLocked()
}

// Forget stops observing an issue.
func (m *Monitor) Forget(issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[issueID]; !ok {
		return nil
	}
	delete(m.watches, issueID)
	return m.persistLocked()
}

// Watching reports whether an issue is under observation.
func (m *Monitor) Watching(issueID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[issueID]
	return ok
}

// Get returns the watch of an issue.
func (m *Monitor) Get(issueID string) (Watch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[issueID]
	if !ok {
		return Watch{}, false
	}
	return *w, true
}

func (m *Monitor) persistLocked() error {
	list := make([]Watch, 0, len(m.watches))
	for _, w := range m.watches {
		list = append(list, *w)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IssueID < list[j].IssueID })
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode monitor state: %w", err)
	}
	if err := writeFileAtomic(m.path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write monitor state: %w", err)
	}
	return nil
}
