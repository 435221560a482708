// Package applier validates candidate patches in a scratch workspace,
// commits the ones that pass all gates atomically with backups, and keeps
// them recoverable while they are monitored.
package applier

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
)

// Result is the outcome of validating, and possibly committing, a candidate.
type Result struct {
	Passed bool
	// Gate and Reason describe the first failing gate.
	Gate    string
	Reason  string
	Changes []patch.FileChange
}

func failed(gate, reason string) *Result {
	return &Result{Gate: gate, Reason: reason}
}

// Applier owns the gate sequence, the backups and the monitor.
type Applier struct {
	gates   []Gate
	timeout time.Duration
	backups *BackupManager
	monitor *Monitor
	logger  *zap.Logger
}

// Option customizes an Applier.
type Option func(*Applier)

// WithGates replaces the configured gate sequence.
func WithGates(gates ...Gate) Option {
	return func(a *Applier) { a.gates = gates }
}

// New creates an applier keeping its backups and monitor state under stateDir.
func New(cfg config.AutofixConfig, stateDir string, logger *zap.Logger, opts ...Option) (*Applier, error) {
	logger = logger.Named("applier")
	backups, err := NewBackupManager(filepath.Join(stateDir, "backups"), cfg.Backup.Retention, logger)
	if err != nil {
		return nil, err
	}
	monitor, err := NewMonitor(cfg.Monitoring, filepath.Join(stateDir, "monitor.json"), logger)
	if err != nil {
		return nil, err
	}
	a := &Applier{
		gates:   DefaultGates(cfg.Gates, logger),
		timeout: cfg.Gates.Timeout,
		backups: backups,
		monitor: monitor,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Monitor returns the post-apply monitor.
func (a *Applier) Monitor() *Monitor { return a.monitor }

// Backups returns the backup manager.
func (a *Applier) Backups() *BackupManager { return a.backups }

// Changes applies the attempt's patch to the live files in memory.
func (a *Applier) Changes(root string, attempt *schemas.FixAttempt) ([]patch.FileChange, error) {
	return patch.Apply(attempt.Patch, func(rel string) ([]byte, error) {
		path, err := livePath(root, rel)
		if err != nil {
			return nil, err
		}
		content, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s does not exist", rel)
		}
		return content, err
	})
}

// Validate runs the gates against the attempt without touching live files.
func (a *Applier) Validate(ctx context.Context, root string, attempt *schemas.FixAttempt) (*Result, error) {
	changes, err := a.Changes(root, attempt)
	if err != nil {
		return failed(GateApply, err.Error()), nil
	}
	res, err := a.runGates(ctx, root, changes)
	if err != nil {
		return nil, err
	}
	res.Changes = changes
	return res, nil
}

// Apply validates the attempt and, if every gate passes, backs up and
// replaces each target file atomically. A multi-file group is all or nothing:
// a failed replace restores the files already written. Once started, Apply
// runs to completion even if ctx is cancelled.
func (a *Applier) Apply(ctx context.Context, root string, issue *schemas.Issue, attempt *schemas.FixAttempt) (res *Result, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := observability.Tracer("applier").Start(ctx, "applier.Apply")
	span.SetAttributes(
		attribute.String("issue.id", issue.ID),
		attribute.String("attempt.strategy", string(attempt.Strategy)),
	)
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !res.Passed:
			span.SetAttributes(attribute.String("gate.failed", res.Gate))
		}
		span.End()
	}()

	res, err = a.Validate(ctx, root, attempt)
	if err != nil || !res.Passed {
		return res, err
	}

	if _, err := a.backups.Save(root, issue.ID, attempt.ID, res.Changes); err != nil {
		if errors.Is(err, ErrConflict) {
			return failed(GateCommit, err.Error()), nil
		}
		return nil, err
	}
	if err := a.commit(root, issue.ID, res.Changes); err != nil {
		if derr := a.backups.Discard(issue.ID); derr != nil {
			a.logger.Error("Failed to discard backups after a failed commit", zap.String("issue_id", issue.ID), zap.Error(derr))
		}
		observability.ObserveGateFailure(GateCommit)
		return failed(GateCommit, err.Error()), nil
	}
	a.logger.Info("Fix applied",
		zap.String("issue_id", issue.ID),
		zap.String("attempt_id", attempt.ID),
		zap.String("strategy", string(attempt.Strategy)),
		zap.Int("files", len(res.Changes)))
	return res, nil
}

func (a *Applier) runGates(ctx context.Context, root string, changes []patch.FileChange) (*Result, error) {
	ws, err := NewWorkspace(root, changes)
	if err != nil {
		return failed(GateApply, err.Error()), nil
	}
	defer ws.Close()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	for _, g := range a.gates {
		err := g.Check(ctx, ws)
		if err == nil || errors.Is(err, ErrSkipped) {
			continue
		}
		observability.ObserveGateFailure(g.Name())
		var gerr *GateError
		if errors.As(err, &gerr) {
			return failed(gerr.Gate, gerr.Reason), nil
		}
		return failed(g.Name(), err.Error()), nil
	}
	return &Result{Passed: true}, nil
}

// commit replaces every live file. The live content must still match what
// was validated. On failure the files already written are put back.
func (a *Applier) commit(root, issueID string, changes []patch.FileChange) error {
	for i, c := range changes {
		err := a.replace(root, c)
		if err == nil {
			continue
		}
		for _, done := range changes[:i] {
			if rerr := a.revert(root, done); rerr != nil {
				a.logger.Error("Failed to revert partially applied group",
					zap.String("issue_id", issueID), zap.String("file", done.Path), zap.Error(rerr))
				err = errors.Join(err, rerr)
			}
		}
		return err
	}
	return nil
}

func (a *Applier) revert(root string, c patch.FileChange) error {
	path, err := livePath(root, c.Path)
	if err != nil {
		return err
	}
	if c.Before == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return writeFileAtomic(path, c.Before, mode)
}

func (a *Applier) replace(root string, c patch.FileChange) error {
	path, err := livePath(root, c.Path)
	if err != nil {
		return err
	}
	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", c.Path, err)
	}
	if hashContent(current) != hashContent(c.Before) {
		return fmt.Errorf("%s: %w", c.Path, ErrConflict)
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeFileAtomic(path, c.After, mode); err != nil {
		return fmt.Errorf("failed to replace %s: %w", c.Path, err)
	}
	return nil
}

// Rollback restores the pre-image of every file the issue's applied fix
// wrote and stops monitoring it.
func (a *Applier) Rollback(ctx context.Context, root, issueID string) error {
	_, span := observability.Tracer("applier").Start(ctx, "applier.Rollback")
	defer span.End()
	if err := a.backups.Restore(root, issueID); err != nil {
		span.RecordError(err)
		return err
	}
	return a.monitor.Forget(issueID)
}

// Discard drops the backups of a fix that is final.
func (a *Applier) Discard(issueID string) error {
	if err := a.monitor.Forget(issueID); err != nil {
		return err
	}
	return a.backups.Discard(issueID)
}

// Original returns the pre-image of one file of the issue's applied fix.
func (a *Applier) Original(issueID, relPath string) ([]byte, error) {
	for _, b := range a.backups.Active(issueID) {
		if b.FilePath == relPath {
			return a.backups.Original(b)
		}
	}
	return nil, fmt.Errorf("%s for issue %s: %w", relPath, issueID, ErrNoBackup)
}

// Sweep expires backups past retention that no monitored fix needs.
func (a *Applier) Sweep() (int, error) {
	return a.backups.Sweep(a.monitor.Watching)
}
