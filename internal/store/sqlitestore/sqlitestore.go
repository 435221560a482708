// Package sqlitestore is the embedded Repository backed by a pure-Go SQLite
// database. It is the default backend of the CLI.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

// Store is the SQLite Repository.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

var _ store.Repository = (*Store)(nil)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers, which is what makes the
	// read-modify-write transactions below atomic.
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.Named("sqlitestore").Debug("Opened database", zap.String("path", path))
	return &Store{db: db, log: logger.Named("sqlitestore")}, nil
}

// Close implements store.Repository.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// -- Issues --

const issueColumns = `id, project, fingerprint, file_path, start_line, start_column, end_line, end_column,
    category, severity, rule, message, detector, language, snippet, state, review_decision, metadata,
    detected_at, last_seen_at, updated_at`

// RecordIssue implements store.IssueStore.
func (s *Store) RecordIssue(ctx context.Context, issue *schemas.Issue) (bool, error) {
	metadata, err := json.Marshal(issue.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode metadata: %w", err)
	}
	now := time.Now().UTC()
	needsWork := false

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id, state, decision string
			detectedAt          int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, state, review_decision, detected_at FROM issues WHERE project = ? AND fingerprint = ? AND file_path = ?`,
			issue.Project, issue.Fingerprint, issue.FilePath,
		).Scan(&id, &state, &decision, &detectedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			store.PrepareNewIssue(issue, now)
			needsWork = true
			_, err = tx.ExecContext(ctx, `INSERT INTO issues (`+issueColumns+`)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				issue.ID, issue.Project, issue.Fingerprint, issue.FilePath,
				issue.Span.StartLine, issue.Span.StartColumn, issue.Span.EndLine, issue.Span.EndColumn,
				string(issue.Category), string(issue.Severity), issue.Rule, issue.Message, issue.Detector,
				issue.Language, issue.Snippet, string(issue.State), string(issue.ReviewDecision), string(metadata),
				toUnix(issue.DetectedAt), toUnix(issue.LastSeenAt), toUnix(issue.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert issue: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up issue: %w", err)
		}

		needsWork = store.MergeSeen(issue, id, schemas.IssueState(state), schemas.ReviewDecision(decision), fromUnix(detectedAt), now)
		_, err = tx.ExecContext(ctx, `UPDATE issues SET start_line = ?, start_column = ?, end_line = ?, end_column = ?,
                severity = ?, message = ?, snippet = ?, metadata = ?, state = ?, review_decision = ?,
                last_seen_at = ?, updated_at = ?
            WHERE id = ?`,
			issue.Span.StartLine, issue.Span.StartColumn, issue.Span.EndLine, issue.Span.EndColumn,
			string(issue.Severity), issue.Message, issue.Snippet, string(metadata),
			string(issue.State), string(issue.ReviewDecision), toUnix(now), toUnix(now), issue.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to refresh issue: %w", err)
		}
		return nil
	})
	return needsWork, err
}

func scanIssue(row rowScanner) (*schemas.Issue, error) {
	var (
		issue                               schemas.Issue
		category, severity, state, decision string
		metadata                            string
		detectedAt, lastSeenAt, updatedAt   int64
	)
	err := row.Scan(
		&issue.ID, &issue.Project, &issue.Fingerprint, &issue.FilePath,
		&issue.Span.StartLine, &issue.Span.StartColumn, &issue.Span.EndLine, &issue.Span.EndColumn,
		&category, &severity, &issue.Rule, &issue.Message, &issue.Detector, &issue.Language, &issue.Snippet,
		&state, &decision, &metadata, &detectedAt, &lastSeenAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	issue.Category = schemas.Category(category)
	issue.Severity = schemas.Severity(severity)
	issue.State = schemas.IssueState(state)
	issue.ReviewDecision = schemas.ReviewDecision(decision)
	issue.DetectedAt, issue.LastSeenAt, issue.UpdatedAt = fromUnix(detectedAt), fromUnix(lastSeenAt), fromUnix(updatedAt)
	if metadata != "" && metadata != "null" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &issue.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &issue, nil
}

// GetIssue implements store.IssueStore.
func (s *Store) GetIssue(ctx context.Context, id string) (*schemas.Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue: %w", err)
	}
	if issue.Attempts, err = s.ListAttempts(ctx, id); err != nil {
		return nil, err
	}
	return issue, nil
}

// ListIssues implements store.IssueStore.
func (s *Store) ListIssues(ctx context.Context, filter schemas.IssueFilter) ([]schemas.Issue, error) {
	var (
		where []string
		args  []any
	)
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.FilePath != "" {
		where = append(where, "file_path = ?")
		args = append(args, filter.FilePath)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + issueColumns + ` FROM issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []schemas.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		issues = append(issues, *issue)
	}
	return issues, rows.Err()
}

// TransitionIssue implements store.IssueStore.
func (s *Store) TransitionIssue(ctx context.Context, id string, from, to schemas.IssueState) error {
	if err := store.CheckTransition(from, to); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE issues SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(to), toUnix(time.Now()), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to transition issue: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT state FROM issues WHERE id = ?`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("issue %s: %w", id, store.ErrNotFound)
			}
			return fmt.Errorf("failed to read issue state: %w", err)
		}
		return fmt.Errorf("issue %s is %s, not %s: %w", id, current, from, store.ErrStateConflict)
	})
}

// SetReviewDecision implements store.IssueStore.
func (s *Store) SetReviewDecision(ctx context.Context, id string, decision schemas.ReviewDecision) error {
	res, err := s.db.ExecContext(ctx, `UPDATE issues SET review_decision = ?, updated_at = ? WHERE id = ?`,
		string(decision), toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to record review decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("issue %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// -- Fix attempts --

// AddAttempt implements store.IssueStore.
func (s *Store) AddAttempt(ctx context.Context, attempt *schemas.FixAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Validation == "" {
		attempt.Validation = schemas.ValidationPending
	}
	now := time.Now().UTC()
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	attempt.Applied = false

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, attempt.IssueID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up issue: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("issue %s: %w", attempt.IssueID, store.ErrNotFound)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM fix_attempts WHERE issue_id = ?`,
			attempt.IssueID).Scan(&attempt.Sequence); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO fix_attempts (id, issue_id, sequence, strategy, raw_confidence,
                calibrated_confidence, patch, explanation, validation, failed_gate, failure_reason, applied,
                created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			attempt.ID, attempt.IssueID, attempt.Sequence, string(attempt.Strategy), attempt.RawConfidence,
			attempt.CalibratedConfidence, attempt.Patch, attempt.Explanation, string(attempt.Validation),
			attempt.FailedGate, attempt.FailureReason, toUnix(now), toUnix(now),
		)
		if err != nil {
			return fmt.Errorf("failed to insert fix attempt: %w", err)
		}
		return nil
	})
}

// UpdateAttempt implements store.IssueStore.
func (s *Store) UpdateAttempt(ctx context.Context, attempt *schemas.FixAttempt) error {
	attempt.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE fix_attempts SET validation = ?, failed_gate = ?, failure_reason = ?,
            calibrated_confidence = ?, updated_at = ?
        WHERE id = ?`,
		string(attempt.Validation), attempt.FailedGate, attempt.FailureReason, attempt.CalibratedConfidence,
		toUnix(attempt.UpdatedAt), attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to update fix attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", attempt.ID, store.ErrNotFound)
	}
	return nil
}

// SetApplied implements store.IssueStore.
func (s *Store) SetApplied(ctx context.Context, issueID, attemptID string, applied bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if applied {
			var others int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM fix_attempts WHERE issue_id = ? AND applied = 1 AND id <> ?`,
				issueID, attemptID).Scan(&others); err != nil {
				return fmt.Errorf("failed to check applied attempts: %w", err)
			}
			if others > 0 {
				return fmt.Errorf("attempt %s: %w", attemptID, store.ErrAlreadyApplied)
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE fix_attempts SET applied = ?, updated_at = ? WHERE id = ? AND issue_id = ?`,
			applied, toUnix(time.Now()), attemptID, issueID)
		if err != nil {
			return fmt.Errorf("failed to set applied flag: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("attempt %s: %w", attemptID, store.ErrNotFound)
		}
		return nil
	})
}

// ListAttempts implements store.IssueStore.
func (s *Store) ListAttempts(ctx context.Context, issueID string) ([]schemas.FixAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, issue_id, sequence, strategy, raw_confidence, calibrated_confidence,
            patch, explanation, validation, failed_gate, failure_reason, applied, created_at, updated_at
        FROM fix_attempts WHERE issue_id = ? ORDER BY sequence ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fix attempts: %w", err)
	}
	defer rows.Close()

	var attempts []schemas.FixAttempt
	for rows.Next() {
		var (
			a                    schemas.FixAttempt
			strategy, validation string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&a.ID, &a.IssueID, &a.Sequence, &strategy, &a.RawConfidence, &a.CalibratedConfidence,
			&a.Patch, &a.Explanation, &validation, &a.FailedGate, &a.FailureReason, &a.Applied,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fix attempt row: %w", err)
		}
		a.Strategy = schemas.StrategyName(strategy)
		a.Validation = schemas.ValidationOutcome(validation)
		a.CreatedAt, a.UpdatedAt = fromUnix(createdAt), fromUnix(updatedAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// -- Patterns --

const patternColumns = `fingerprint, language, rule, template, occurrences, successes, failures, tags, last_seen_at, created_at`

func scanPattern(row rowScanner) (*schemas.Pattern, error) {
	var (
		p                     schemas.Pattern
		template, tags        string
		lastSeenAt, createdAt int64
	)
	if err := row.Scan(&p.Fingerprint, &p.Language, &p.Rule, &template, &p.Occurrences, &p.Successes,
		&p.Failures, &tags, &lastSeenAt, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(template), &p.Template); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	p.LastSeenAt, p.CreatedAt = fromUnix(lastSeenAt), fromUnix(createdAt)
	return &p, nil
}

// GetPattern implements store.PatternStore.
func (s *Store) GetPattern(ctx context.Context, fingerprint string) (*schemas.Pattern, error) {
	p, err := scanPattern(s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE fingerprint = ?`, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", fingerprint, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern: %w", err)
	}
	return p, nil
}

// UpdatePattern implements store.PatternStore.
func (s *Store) UpdatePattern(ctx context.Context, fingerprint string, fn store.PatternUpdateFunc) (*schemas.Pattern, error) {
	var out schemas.Pattern
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current schemas.Pattern
		p, err := scanPattern(tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE fingerprint = ?`, fingerprint))
		exists := err == nil
		switch {
		case exists:
			current = *p
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to load pattern: %w", err)
		}

		next, err := store.ApplyPatternUpdate(fingerprint, current, exists, time.Now().UTC(), fn)
		if err != nil {
			return err
		}
		template, err := json.Marshal(next.Template)
		if err != nil {
			return fmt.Errorf("failed to encode template: %w", err)
		}
		tags := next.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO patterns (`+patternColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT (fingerprint) DO UPDATE SET
                language = excluded.language, rule = excluded.rule, template = excluded.template,
                occurrences = excluded.occurrences, successes = excluded.successes, failures = excluded.failures,
                tags = excluded.tags, last_seen_at = excluded.last_seen_at`,
			next.Fingerprint, next.Language, next.Rule, string(template), next.Occurrences, next.Successes,
			next.Failures, string(tagsJSON), toUnix(next.LastSeenAt), toUnix(next.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to write pattern: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPatterns implements store.PatternStore.
func (s *Store) ListPatterns(ctx context.Context) ([]schemas.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM patterns ORDER BY successes DESC, fingerprint ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []schemas.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern row: %w", err)
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// -- Snapshots --

func scanSnapshot(row rowScanner) (*schemas.FileSnapshot, error) {
	var (
		snap       schemas.FileSnapshot
		lastScanAt int64
	)
	if err := row.Scan(&snap.Path, &snap.ContentHash, &lastScanAt, &snap.OutstandingIssues, &snap.Dirty, &snap.LastError); err != nil {
		return nil, err
	}
	snap.LastScanAt = fromUnix(lastScanAt)
	return &snap, nil
}

// GetSnapshot implements store.SnapshotStore.
func (s *Store) GetSnapshot(ctx context.Context, path string) (*schemas.FileSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT path, content_hash, last_scan_at, outstanding_issues, dirty, last_error FROM file_snapshots WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// PutSnapshot implements store.SnapshotStore.
func (s *Store) PutSnapshot(ctx context.Context, snap *schemas.FileSnapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO file_snapshots (path, content_hash, last_scan_at, outstanding_issues, dirty, last_error)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (path) DO UPDATE SET
            content_hash = excluded.content_hash, last_scan_at = excluded.last_scan_at,
            outstanding_issues = excluded.outstanding_issues, dirty = excluded.dirty, last_error = excluded.last_error`,
		snap.Path, snap.ContentHash, toUnix(snap.LastScanAt), snap.OutstandingIssues, snap.Dirty, snap.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// MarkDirty implements store.SnapshotStore.
func (s *Store) MarkDirty(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx, `INSERT INTO file_snapshots (path, dirty) VALUES (?, 1)
                ON CONFLICT (path) DO UPDATE SET dirty = 1`, p); err != nil {
				return fmt.Errorf("failed to mark %s dirty: %w", p, err)
			}
		}
		return nil
	})
}

// ListSnapshots implements store.SnapshotStore.
func (s *Store) ListSnapshots(ctx context.Context) ([]schemas.FileSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, content_hash, last_scan_at, outstanding_issues, dirty, last_error FROM file_snapshots ORDER BY path ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []schemas.FileSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// -- Calibration --

// LoadCalibration implements store.CalibrationStore.
func (s *Store) LoadCalibration(ctx context.Context) ([]schemas.CalibrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, domain, successes, failures, updated_at FROM calibration ORDER BY strategy, domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration: %w", err)
	}
	defer rows.Close()

	var records []schemas.CalibrationRecord
	for rows.Next() {
		var (
			r                schemas.CalibrationRecord
			strategy, domain string
			updatedAt        int64
		)
		if err := rows.Scan(&strategy, &domain, &r.Successes, &r.Failures, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calibration row: %w", err)
		}
		r.Strategy, r.Domain, r.UpdatedAt = schemas.StrategyName(strategy), schemas.Category(domain), fromUnix(updatedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordCalibration implements store.CalibrationStore.
func (s *Store) RecordCalibration(ctx context.Context, strategy schemas.StrategyName, domain schemas.Category, success bool) error {
	successes, failures := store.CalibrationDelta(success)
	_, err := s.db.ExecContext(ctx, `INSERT INTO calibration (strategy, domain, successes, failures, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (strategy, domain) DO UPDATE SET
            successes = calibration.successes + excluded.successes,
            failures = calibration.failures + excluded.failures,
            updated_at = excluded.updated_at`,
		string(strategy), string(domain), successes, failures, toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record calibration: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS issues (
        id TEXT PRIMARY KEY,
        project TEXT NOT NULL,
        fingerprint TEXT NOT NULL,
        file_path TEXT NOT NULL,
        start_line INTEGER NOT NULL,
        start_column INTEGER NOT NULL,
        end_line INTEGER NOT NULL,
        end_column INTEGER NOT NULL,
        category TEXT NOT NULL,
        severity TEXT NOT NULL,
        rule TEXT NOT NULL,
        message TEXT NOT NULL,
        detector TEXT NOT NULL,
        language TEXT NOT NULL DEFAULT '',
        snippet TEXT NOT NULL DEFAULT '',
        state TEXT NOT NULL,
        review_decision TEXT NOT NULL DEFAULT '',
        metadata TEXT NOT NULL DEFAULT '{}',
        detected_at INTEGER NOT NULL,
        last_seen_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_identity ON issues (project, fingerprint, file_path)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_fingerprint ON issues (fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_file_state ON issues (file_path, state)`,
	`CREATE TABLE IF NOT EXISTS fix_attempts (
        id TEXT PRIMARY KEY,
        issue_id TEXT NOT NULL REFERENCES issues (id) ON DELETE CASCADE,
        sequence INTEGER NOT NULL,
        strategy TEXT NOT NULL,
        raw_confidence REAL NOT NULL,
        calibrated_confidence REAL NOT NULL,
        patch TEXT NOT NULL,
        explanation TEXT NOT NULL DEFAULT '',
        validation TEXT NOT NULL,
        failed_gate TEXT NOT NULL DEFAULT '',
        failure_reason TEXT NOT NULL DEFAULT '',
        applied INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        UNIQUE (issue_id, sequence)
    )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_fix_attempts_applied ON fix_attempts (issue_id) WHERE applied = 1`,
	`CREATE TABLE IF NOT EXISTS patterns (
        fingerprint TEXT PRIMARY KEY,
        language TEXT NOT NULL DEFAULT '',
        rule TEXT NOT NULL DEFAULT '',
        template TEXT NOT NULL DEFAULT '{}',
        occurrences INTEGER NOT NULL DEFAULT 0,
        successes INTEGER NOT NULL DEFAULT 0,
        failures INTEGER NOT NULL DEFAULT 0,
        tags TEXT NOT NULL DEFAULT '[]',
        last_seen_at INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL DEFAULT 0
    )`,
	`CREATE TABLE IF NOT EXISTS file_snapshots (
        path TEXT PRIMARY KEY,
        content_hash TEXT NOT NULL DEFAULT '',
        last_scan_at INTEGER NOT NULL DEFAULT 0,
        outstanding_issues INTEGER NOT NULL DEFAULT 0,
        dirty INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE TABLE IF NOT EXISTS calibration (
        strategy TEXT NOT NULL,
        domain TEXT NOT NULL,
        successes INTEGER NOT NULL DEFAULT 0,
        failures INTEGER NOT NULL DEFAULT 0,
        updated_at INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (strategy, domain)
    )`,
}
