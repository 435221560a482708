// Package autofix runs the remediation pipeline: it scans a tree, resolves
// each detected issue through the strategy chain and the escalation handlers,
// validates and applies the winning fix, and watches it until it is final.
package autofix

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/applier"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/escalation"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/engine"
	"github.com/xkilldash9x/scalpel-autofix/internal/notify"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
	"github.com/xkilldash9x/scalpel-autofix/internal/scanner"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

// Store is the persistence the pipeline needs.
type Store interface {
	store.IssueStore
	store.SnapshotStore
}

// Learner feeds final outcomes back into patterns and calibration.
type Learner interface {
	Record(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt, outcome schemas.Outcome, change *patch.FileChange) error
}

// Deps are the collaborators of a pipeline. Router and Notifier may be nil.
type Deps struct {
	Store      Store
	Scanner    *scanner.Scanner
	Chain      *Chain
	Router     *escalation.Router
	Applier    *applier.Applier
	Learner    Learner
	Calibrator Calibrator
	Notifier   notify.Publisher
}

// Pipeline wires the scanner, the chain, escalation and the applier.
type Pipeline struct {
	cfg config.Interface
	Deps
	// locks serialize work per file across batches and review decisions.
	locks  *engine.KeyedLocks
	logger *zap.Logger
}

// NewPipeline checks deps and creates a pipeline.
func NewPipeline(cfg config.Interface, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config cannot be nil")
	case deps.Store == nil, deps.Scanner == nil, deps.Chain == nil, deps.Applier == nil, deps.Learner == nil:
		return nil, errors.New("store, scanner, chain, applier and learner are required")
	}
	if deps.Router == nil {
		deps.Router = escalation.NewRouter(logger)
	}
	return &Pipeline{cfg: cfg, Deps: deps, locks: engine.NewKeyedLocks(), logger: logger.Named("pipeline")}, nil
}

// verdict is what happened to one validated candidate.
type verdict int

const (
	verdictFailed verdict = iota
	verdictHeld
	verdictApplied
)

// batch carries per-run settings and counters.
type batch struct {
	id        string
	root      string
	project   string
	chain     *Chain
	autoApply bool

	applied     atomic.Int64
	rolledBack  atomic.Int64
	needsReview atomic.Int64
}

// Run scans the request's root and remediates what it finds. Cancelling ctx
// stops new files from starting; fixes already being applied finish.
func (p *Pipeline) Run(ctx context.Context, req schemas.ScanRequest) (*schemas.ScanSummary, error) {
	root, err := filepath.Abs(req.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	b := &batch{
		id:        uuid.NewString(),
		root:      root,
		project:   req.Project,
		chain:     p.Chain.Filter(req.Options.Strategies),
		autoApply: req.Options.AutoApply,
	}
	logger := p.logger.With(zap.String("batch_id", b.id), zap.String("root", root))

	floor := req.Options.SeverityFloor
	if floor == "" && p.cfg.Scanner().SeverityFloor != "" {
		if floor, err = schemas.ParseSeverity(p.cfg.Scanner().SeverityFloor); err != nil {
			return nil, err
		}
	}

	pool, err := engine.New(p.cfg, logger, engine.WithSize(req.Options.Concurrency), engine.WithLocks(p.locks))
	if err != nil {
		return nil, err
	}
	logger.Info("Starting scan batch",
		zap.Int("concurrency", pool.Size()),
		zap.Bool("auto_apply", b.autoApply),
		zap.Any("strategies", b.chain.Names()))

	items := make(chan scanner.WorkItem, pool.Size())
	tasks := make(chan engine.Task)
	pool.Start(ctx, tasks)

	type scanResult struct {
		stats scanner.Stats
		err   error
	}
	scanned := make(chan scanResult, 1)
	go func() {
		stats, err := p.Scanner.Scan(ctx, scanner.Request{
			Root:          root,
			Project:       req.Project,
			Concurrency:   pool.Size(),
			SeverityFloor: floor,
		}, items)
		scanned <- scanResult{stats, err}
	}()

	for item := range items {
		if ctx.Err() != nil {
			continue
		}
		task := engine.Task{
			ID:  item.RelPath,
			Key: item.RelPath,
			Run: func(ctx context.Context, _ *engine.Lease) error {
				p.processFile(ctx, b, item)
				return nil
			},
		}
		select {
		case tasks <- task:
		case <-ctx.Done():
		}
	}
	close(tasks)
	pool.Stop()
	res := <-scanned

	if n, err := p.Applier.Sweep(); err != nil {
		logger.Warn("Backup sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Expired backups removed", zap.Int("count", n))
	}

	summary := &schemas.ScanSummary{
		BatchID:      b.id,
		Project:      req.Project,
		FilesSeen:    res.stats.FilesSeen,
		FilesScanned: res.stats.FilesScanned,
		FilesSkipped: res.stats.FilesSkipped,
		FilesFailed:  res.stats.FilesFailed,
		IssuesFound:  res.stats.IssuesFound,
		Applied:      int(b.applied.Load()),
		RolledBack:   int(b.rolledBack.Load()),
		NeedsReview:  int(b.needsReview.Load()),
		Cancelled:    res.stats.Cancelled || ctx.Err() != nil,
	}
	p.publish(ctx, notify.Event{Type: notify.EventBatchCompleted, Project: req.Project, Summary: summary})
	logger.Info("Scan batch completed",
		zap.Int("files_scanned", summary.FilesScanned),
		zap.Int("files_skipped", summary.FilesSkipped),
		zap.Int("issues_found", summary.IssuesFound),
		zap.Int("applied", summary.Applied),
		zap.Int("needs_review", summary.NeedsReview),
		zap.Bool("cancelled", summary.Cancelled))
	if res.err != nil {
		return summary, fmt.Errorf("scan failed: %w", res.err)
	}
	return summary, nil
}

// processFile handles one work item under the file's lock: monitored fixes
// first, then each pending issue in turn. Once the file has changed on disk
// the remaining issues wait for the next scan, since their spans are stale.
func (p *Pipeline) processFile(ctx context.Context, b *batch, item scanner.WorkItem) {
	logger := p.logger.With(zap.String("file", item.RelPath))
	for _, f := range item.Failures {
		logger.Warn("Detector failure", zap.Error(&DetectorFailure{Detector: f.Detector, Path: f.Path, Err: f.Err}))
	}

	changed := false
	for i := range item.Monitoring {
		issue := item.Monitoring[i]
		restored, err := p.observe(ctx, b, item, &issue)
		if err != nil {
			logger.Error("Failed to observe monitored fix", zap.String("issue_id", issue.ID), zap.Error(err))
		}
		changed = changed || restored
	}

	for i := range item.Issues {
		if changed || ctx.Err() != nil {
			break
		}
		issue := item.Issues[i]
		target := strategy.Target{Root: b.root, Content: item.Content}
		applied, err := p.resolve(ctx, b, &issue, target)
		if err != nil {
			logger.Error("Failed to remediate issue", zap.String("issue_id", issue.ID), zap.Error(err))
		}
		changed = applied
	}
	if changed {
		p.markDirty(ctx, item.Path)
	}
}

// resolve walks the chain for one issue, validating each proposal, and
// escalates when the chain runs dry. It reports whether the file changed.
func (p *Pipeline) resolve(ctx context.Context, b *batch, issue *schemas.Issue, target strategy.Target) (bool, error) {
	dctx := context.WithoutCancel(ctx)
	maxFailures := p.cfg.Autofix().MaxValidationFailures
	state := issue.State
	start, failures := 0, 0

	for {
		prop, err := b.chain.ResolveFrom(ctx, issue, target, start)
		if prop != nil {
			if rerr := p.recordPassedOver(dctx, prop.Tried); rerr != nil {
				return false, rerr
			}
		}
		switch {
		case errors.Is(err, ErrExhausted):
			return p.escalate(dctx, b, issue, target, state)
		case err != nil:
			if state == schemas.StateRolledBack {
				// Requeue for the next batch.
				if terr := p.transition(dctx, issue, state, schemas.StateDetected); terr != nil {
					return false, terr
				}
			}
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}

		if state == schemas.StateDetected || state == schemas.StateRolledBack {
			if err := p.transition(dctx, issue, state, schemas.StateAttempting); err != nil {
				return false, err
			}
		}
		if err := p.transition(dctx, issue, schemas.StateAttempting, schemas.StateValidating); err != nil {
			return false, err
		}
		attempt := prop.Attempt
		if err := p.Store.AddAttempt(dctx, attempt); err != nil {
			return false, storeErr("add attempt", err)
		}

		unlock, err := p.lockGroup(dctx, issue, attempt.Patch)
		if err != nil {
			return false, err
		}
		v, err := p.validateAndCommit(dctx, b, b.root, issue, attempt, p.shouldCommit(b, attempt))
		unlock()
		if err != nil {
			return false, err
		}
		switch v {
		case verdictApplied:
			return true, nil
		case verdictHeld:
			return false, nil
		}

		failures++
		state = schemas.StateRolledBack
		if maxFailures > 0 && failures >= maxFailures {
			return false, p.toReview(dctx, b, issue, state, fmt.Sprintf("%d candidates failed validation", failures))
		}
		start = prop.Next
	}
}

// escalate offers an exhausted issue to the escalation handlers. from is
// Detected or RolledBack.
func (p *Pipeline) escalate(ctx context.Context, b *batch, issue *schemas.Issue, target strategy.Target, from schemas.IssueState) (bool, error) {
	if from == schemas.StateDetected {
		if err := p.transition(ctx, issue, from, schemas.StateAttempting); err != nil {
			return false, err
		}
		from = schemas.StateAttempting
	}
	if err := p.transition(ctx, issue, from, schemas.StateEscalated); err != nil {
		return false, err
	}
	observability.ObserveOutcome(string(schemas.OutcomeEscalated))

	submit := &escalationSubmitter{p: p, b: b}
	accepted, err := p.Router.Escalate(ctx, issue, target, submit)
	if err != nil {
		return submit.applied, err
	}
	if accepted {
		return submit.applied, nil
	}
	return false, p.toReview(ctx, b, issue, issue.State, "no strategy or escalation handler produced a valid fix")
}

// escalationSubmitter validates handler proposals for one issue and records
// the handlers that made none.
type escalationSubmitter struct {
	p       *Pipeline
	b       *batch
	applied bool
}

func (s *escalationSubmitter) Submit(ctx context.Context, issue *schemas.Issue, c *strategy.Candidate) (bool, error) {
	p := s.p
	if issue.State == schemas.StateRolledBack {
		if err := p.transition(ctx, issue, schemas.StateRolledBack, schemas.StateEscalated); err != nil {
			return false, err
		}
	}
	if err := p.transition(ctx, issue, schemas.StateEscalated, schemas.StateValidating); err != nil {
		return false, err
	}
	attempt := &schemas.FixAttempt{
		IssueID:              issue.ID,
		Strategy:             c.Strategy,
		RawConfidence:        c.RawConfidence,
		CalibratedConfidence: p.calibrate(c.Strategy, issue.Category, c.RawConfidence),
		Patch:                c.Patch,
		Explanation:          c.Explanation,
		Validation:           schemas.ValidationPending,
	}
	if err := p.Store.AddAttempt(ctx, attempt); err != nil {
		return false, storeErr("add attempt", err)
	}

	// Multi-file proposals touch files other workers may own.
	unlock, err := p.lockGroup(ctx, issue, c.Patch)
	if err != nil {
		return false, err
	}
	defer unlock()
	v, err := p.validateAndCommit(ctx, s.b, s.b.root, issue, attempt, p.shouldCommit(s.b, attempt))
	if err != nil {
		return false, err
	}
	s.applied = v == verdictApplied
	return v != verdictFailed, nil
}

func (s *escalationSubmitter) Decline(ctx context.Context, issue *schemas.Issue, handler schemas.StrategyName, err error) error {
	outcome, reason := schemas.ValidationNoAttempt, "no proposal"
	if err != nil {
		outcome, reason = schemas.ValidationError, proposeErr(handler, issue.ID, err).Error()
	}
	return s.p.recordPassedOver(ctx, []schemas.FixAttempt{passedOver(issue, handler, outcome, 0, 0, reason)})
}

// Commit validates and applies an attempt a reviewer approved. The issue
// must be awaiting review. It reports whether the fix was applied; when
// validation fails the issue goes back to the review queue. It waits for any
// batch of this pipeline that holds one of the patched files.
func (p *Pipeline) Commit(ctx context.Context, root string, issue *schemas.Issue, attempt *schemas.FixAttempt) (bool, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return false, fmt.Errorf("failed to resolve root: %w", err)
	}
	unlock, err := p.lockGroup(ctx, issue, attempt.Patch)
	if err != nil {
		return false, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	if err := p.transition(ctx, issue, schemas.StateNeedsReview, schemas.StateValidating); err != nil {
		return false, err
	}
	b := &batch{id: uuid.NewString(), root: root, project: issue.Project}
	v, err := p.validateAndCommit(ctx, b, root, issue, attempt, true)
	if err != nil {
		return false, err
	}
	if v == verdictFailed {
		return false, p.toReview(ctx, b, issue, schemas.StateRolledBack, "approved fix no longer validates")
	}
	return true, nil
}

// shouldCommit reports whether a validated attempt may be applied without
// review.
func (p *Pipeline) shouldCommit(b *batch, attempt *schemas.FixAttempt) bool {
	return b.autoApply && attempt.CalibratedConfidence >= p.cfg.Autofix().AutoApplyThreshold
}

// validateAndCommit runs the gates on an attempt of an issue in Validating.
// With commit set the fix is applied and monitored; otherwise a passing
// attempt is held for review.
func (p *Pipeline) validateAndCommit(ctx context.Context, b *batch, root string, issue *schemas.Issue, attempt *schemas.FixAttempt, commit bool) (verdict, error) {
	var (
		res *applier.Result
		err error
	)
	if commit {
		res, err = p.Applier.Apply(ctx, root, issue, attempt)
	} else {
		res, err = p.Applier.Validate(ctx, root, attempt)
	}
	if err != nil {
		res = &applier.Result{Gate: applier.GateApply, Reason: err.Error()}
	}

	if !res.Passed {
		verr := &ValidationFailure{IssueID: issue.ID, AttemptID: attempt.ID, Gate: res.Gate, Reason: res.Reason}
		p.logger.Info("Candidate rejected", zap.String("strategy", string(attempt.Strategy)), zap.Error(verr))
		attempt.Validation = schemas.ValidationFailed
		attempt.FailedGate = res.Gate
		attempt.FailureReason = res.Reason
		if err := p.Store.UpdateAttempt(ctx, attempt); err != nil {
			return verdictFailed, storeErr("update attempt", err)
		}
		if err := p.transition(ctx, issue, schemas.StateValidating, schemas.StateRolledBack); err != nil {
			return verdictFailed, err
		}
		b.rolledBack.Add(1)
		observability.ObserveOutcome(string(schemas.OutcomeRolledBack))
		p.learn(ctx, issue, attempt, schemas.OutcomeRolledBack, nil)
		p.publish(ctx, notify.IssueEvent(notify.EventIssueRolledBack, issue, attempt.Strategy, verr.Error()))
		return verdictFailed, nil
	}

	attempt.Validation = schemas.ValidationPassed
	attempt.FailedGate, attempt.FailureReason = "", ""
	if err := p.Store.UpdateAttempt(ctx, attempt); err != nil {
		return verdictFailed, storeErr("update attempt", err)
	}

	if !commit {
		if err := p.transition(ctx, issue, schemas.StateValidating, schemas.StateNeedsReview); err != nil {
			return verdictFailed, err
		}
		b.needsReview.Add(1)
		observability.ObserveOutcome(string(schemas.OutcomeNeedsReview))
		p.publish(ctx, notify.IssueEvent(notify.EventIssueNeedsReview, issue, attempt.Strategy,
			fmt.Sprintf("validated fix held for review at confidence %.2f", attempt.CalibratedConfidence)))
		return verdictHeld, nil
	}

	if err := p.Store.SetApplied(ctx, issue.ID, attempt.ID, true); err != nil {
		// The live file already holds the fix; put it back.
		if rerr := p.Applier.Rollback(ctx, root, issue.ID); rerr != nil {
			err = errors.Join(err, rerr)
		}
		err = storeErr("set applied", err)
		if terr := p.transition(ctx, issue, schemas.StateValidating, schemas.StateRolledBack); terr != nil {
			err = errors.Join(err, terr)
		}
		return verdictFailed, err
	}
	attempt.Applied = true
	if err := p.transition(ctx, issue, schemas.StateValidating, schemas.StateApplied); err != nil {
		return verdictFailed, err
	}
	b.applied.Add(1)
	p.publish(ctx, notify.IssueEvent(notify.EventIssueApplied, issue, attempt.Strategy, attempt.Explanation))

	v, err := p.Applier.Monitor().Watch(applier.Watch{
		IssueID:     issue.ID,
		AttemptID:   attempt.ID,
		Fingerprint: issue.Fingerprint,
		FilePath:    issue.FilePath,
	})
	if err != nil {
		p.logger.Error("Failed to start monitoring", zap.String("issue_id", issue.ID), zap.Error(err))
	}
	if err := p.transition(ctx, issue, schemas.StateApplied, schemas.StateMonitoring); err != nil {
		return verdictApplied, err
	}
	if v == applier.Resolve {
		return verdictApplied, p.finalize(ctx, root, issue, attempt, changeFor(res.Changes, issue.FilePath))
	}
	return verdictApplied, nil
}

// observe feeds one detector pass to the monitor of an applied fix. It
// reports whether the live file was restored.
func (p *Pipeline) observe(ctx context.Context, b *batch, item scanner.WorkItem, issue *schemas.Issue) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	if item.Skipped {
		// Not a detector pass; make sure the next batch gives it one.
		p.markDirty(ctx, item.Path)
		return false, nil
	}
	v, err := p.Applier.Monitor().Observe(issue.ID, item.Seen[issue.Fingerprint])
	if err != nil {
		p.logger.Warn("Failed to persist monitor state", zap.String("issue_id", issue.ID), zap.Error(err))
	}

	attempt, err := p.appliedAttempt(ctx, issue.ID)
	if err != nil {
		return false, err
	}
	switch v {
	case applier.Resolve:
		var change *patch.FileChange
		if before, err := p.Applier.Original(issue.ID, issue.FilePath); err == nil {
			change = &patch.FileChange{Path: issue.FilePath, Before: before, After: item.Content}
		}
		return false, p.finalize(ctx, b.root, issue, attempt, change)
	case applier.Rollback:
		return true, p.revert(ctx, b, issue, attempt)
	default:
		p.markDirty(ctx, item.Path)
		return false, nil
	}
}

// finalize closes the monitoring window of a fix that held.
func (p *Pipeline) finalize(ctx context.Context, root string, issue *schemas.Issue, attempt *schemas.FixAttempt, change *patch.FileChange) error {
	if err := p.transition(ctx, issue, schemas.StateMonitoring, schemas.StateResolved); err != nil {
		return err
	}
	observability.ObserveOutcome(string(schemas.OutcomeResolved))
	if attempt != nil {
		p.learn(ctx, issue, attempt, schemas.OutcomeResolved, change)
	}
	if err := p.Applier.Discard(issue.ID); err != nil {
		p.logger.Warn("Failed to discard backups", zap.String("issue_id", issue.ID), zap.Error(err))
	}
	p.logger.Info("Issue resolved", zap.String("issue_id", issue.ID), zap.String("file", issue.FilePath))
	return nil
}

// revert undoes a monitored fix whose issue came back. The issue is queued
// again unless it has used up its validation budget.
func (p *Pipeline) revert(ctx context.Context, b *batch, issue *schemas.Issue, attempt *schemas.FixAttempt) error {
	rerr := p.Applier.Rollback(ctx, b.root, issue.ID)
	if err := p.transition(ctx, issue, schemas.StateMonitoring, schemas.StateRolledBack); err != nil {
		return err
	}
	b.rolledBack.Add(1)
	observability.ObserveOutcome(string(schemas.OutcomeRolledBack))
	if rerr != nil {
		return errors.Join(rerr, p.toReview(ctx, b, issue, schemas.StateRolledBack, "failed to restore backup: "+rerr.Error()))
	}

	if attempt != nil {
		if err := p.Store.SetApplied(ctx, issue.ID, attempt.ID, false); err != nil {
			return storeErr("clear applied", err)
		}
		attempt.Applied = false
		attempt.Validation = schemas.ValidationRolledBack
		if err := p.Store.UpdateAttempt(ctx, attempt); err != nil {
			return storeErr("update attempt", err)
		}
		p.learn(ctx, issue, attempt, schemas.OutcomeRolledBack, nil)
	}
	p.publish(ctx, notify.IssueEvent(notify.EventIssueRolledBack, issue, strategyOf(attempt), "issue reappeared after the fix"))

	attempts, err := p.Store.ListAttempts(ctx, issue.ID)
	if err != nil {
		return storeErr("list attempts", err)
	}
	failed := 0
	for _, a := range attempts {
		if a.Validation == schemas.ValidationFailed || a.Validation == schemas.ValidationRolledBack {
			failed++
		}
	}
	if limit := p.cfg.Autofix().MaxValidationFailures; limit > 0 && failed >= limit {
		return p.toReview(ctx, b, issue, schemas.StateRolledBack, fmt.Sprintf("%d fixes failed", failed))
	}
	return p.transition(ctx, issue, schemas.StateRolledBack, schemas.StateDetected)
}

// toReview hands an issue to a human.
func (p *Pipeline) toReview(ctx context.Context, b *batch, issue *schemas.Issue, from schemas.IssueState, reason string) error {
	if err := p.transition(ctx, issue, from, schemas.StateNeedsReview); err != nil {
		return err
	}
	b.needsReview.Add(1)
	observability.ObserveOutcome(string(schemas.OutcomeNeedsReview))
	p.logger.Warn("Issue needs review", zap.String("issue_id", issue.ID), zap.String("file", issue.FilePath), zap.String("reason", reason))
	p.publish(ctx, notify.IssueEvent(notify.EventIssueNeedsReview, issue, "", reason))
	return nil
}

// recordPassedOver appends history records of strategies or handlers that
// produced nothing to validate.
func (p *Pipeline) recordPassedOver(ctx context.Context, tried []schemas.FixAttempt) error {
	for i := range tried {
		if err := p.Store.AddAttempt(ctx, &tried[i]); err != nil {
			return storeErr("add attempt", err)
		}
	}
	return nil
}

// lockGroup takes the file locks a patch needs. Inside a worker the lease is
// extended to the other files of the group; elsewhere every file is locked.
func (p *Pipeline) lockGroup(ctx context.Context, issue *schemas.Issue, text string) (func(), error) {
	keys := []string{issue.FilePath}
	if paths, err := patch.Paths(text); err == nil {
		keys = append(keys, paths...)
	}
	if lease := engine.LeaseFrom(ctx); lease != nil {
		return lease.LockKeys(ctx, keys...)
	}
	unlock, err := p.locks.LockAll(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock files of issue %s: %w", issue.ID, err)
	}
	return unlock, nil
}

func (p *Pipeline) transition(ctx context.Context, issue *schemas.Issue, from, to schemas.IssueState) error {
	if err := p.Store.TransitionIssue(ctx, issue.ID, from, to); err != nil {
		return storeErr(fmt.Sprintf("transition %s -> %s", from, to), err)
	}
	issue.State = to
	return nil
}

func (p *Pipeline) appliedAttempt(ctx context.Context, issueID string) (*schemas.FixAttempt, error) {
	attempts, err := p.Store.ListAttempts(ctx, issueID)
	if err != nil {
		return nil, storeErr("list attempts", err)
	}
	for i := range attempts {
		if attempts[i].Applied {
			return &attempts[i], nil
		}
	}
	return nil, nil
}

func (p *Pipeline) calibrate(name schemas.StrategyName, domain schemas.Category, raw float64) float64 {
	if p.Calibrator == nil {
		return raw
	}
	return p.Calibrator.Calibrate(name, domain, raw)
}

func (p *Pipeline) learn(ctx context.Context, issue *schemas.Issue, attempt *schemas.FixAttempt, outcome schemas.Outcome, change *patch.FileChange) {
	if err := p.Learner.Record(ctx, issue, attempt, outcome, change); err != nil {
		p.logger.Warn("Learning loop failed", zap.String("issue_id", issue.ID), zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

func (p *Pipeline) markDirty(ctx context.Context, path string) {
	if err := p.Store.MarkDirty(context.WithoutCancel(ctx), path); err != nil {
		p.logger.Warn("Failed to mark file dirty", zap.String("path", path), zap.Error(storeErr("mark dirty", err)))
	}
}

func (p *Pipeline) publish(ctx context.Context, ev notify.Event) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Debug("Failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func changeFor(changes []patch.FileChange, path string) *patch.FileChange {
	for i := range changes {
		if changes[i].Path == path {
			return &changes[i]
		}
	}
	return nil
}

func strategyOf(a *schemas.FixAttempt) schemas.StrategyName {
	if a == nil {
		return ""
	}
	return a.Strategy
}
