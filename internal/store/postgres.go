package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store provides a PostgreSQL implementation of the Repository interface.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ Repository = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn inside a transaction, committing when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit returns pgx.ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Debug("Rollback after transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// -- Issues --

const (
	sqlSelectIssueIdentity = `
        SELECT id, state, review_decision, detected_at
        FROM issues
        WHERE project = $1 AND fingerprint = $2 AND file_path = $3
        FOR UPDATE;
    `
	sqlInsertIssue = `
        INSERT INTO issues (id, project, fingerprint, file_path, start_line, start_column, end_line, end_column,
            category, severity, rule, message, detector, language, snippet, state, review_decision, metadata,
            detected_at, last_seen_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21);
    `
	sqlRefreshIssue = `
        UPDATE issues SET
            start_line = $2, start_column = $3, end_line = $4, end_column = $5,
            severity = $6, message = $7, snippet = $8, metadata = $9,
            state = $10, review_decision = $11, last_seen_at = $12, updated_at = $12
        WHERE id = $1;
    `
	issueColumns = `id, project, fingerprint, file_path, start_line, start_column, end_line, end_column,
            category, severity, rule, message, detector, language, snippet, state, review_decision, metadata,
            detected_at, last_seen_at, updated_at`
	sqlSelectIssueByID = `SELECT ` + issueColumns + ` FROM issues WHERE id = $1;`
	sqlTransitionIssue = `UPDATE issues SET state = $3, updated_at = $4 WHERE id = $1 AND state = $2;`
	sqlSelectState     = `SELECT state FROM issues WHERE id = $1;`
	sqlSetDecision     = `UPDATE issues SET review_decision = $2, updated_at = $3 WHERE id = $1;`
)

// RecordIssue implements IssueStore.
func (s *Store) RecordIssue(ctx context.Context, issue *schemas.Issue) (bool, error) {
	metadata, err := encodeMetadata(issue.Metadata)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	needsWork := false

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			id, state, decision string
			detectedAt          time.Time
		)
		err := tx.QueryRow(ctx, sqlSelectIssueIdentity, issue.Project, issue.Fingerprint, issue.FilePath).
			Scan(&id, &state, &decision, &detectedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			PrepareNewIssue(issue, now)
			needsWork = true
			_, err = tx.Exec(ctx, sqlInsertIssue,
				issue.ID, issue.Project, issue.Fingerprint, issue.FilePath,
				issue.Span.StartLine, issue.Span.StartColumn, issue.Span.EndLine, issue.Span.EndColumn,
				string(issue.Category), string(issue.Severity), issue.Rule, issue.Message, issue.Detector,
				issue.Language, issue.Snippet, string(issue.State), string(issue.ReviewDecision), metadata,
				issue.DetectedAt, issue.LastSeenAt, issue.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert issue: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up issue: %w", err)
		}

		needsWork = MergeSeen(issue, id, schemas.IssueState(state), schemas.ReviewDecision(decision), detectedAt, now)
		_, err = tx.Exec(ctx, sqlRefreshIssue,
			issue.ID, issue.Span.StartLine, issue.Span.StartColumn, issue.Span.EndLine, issue.Span.EndColumn,
			string(issue.Severity), issue.Message, issue.Snippet, metadata,
			string(issue.State), string(issue.ReviewDecision), now,
		)
		if err != nil {
			return fmt.Errorf("failed to refresh issue: %w", err)
		}
		return nil
	})
	return needsWork, err
}

// GetIssue implements IssueStore.
func (s *Store) GetIssue(ctx context.Context, id string) (*schemas.Issue, error) {
	issue, err := scanIssue(s.pool.QueryRow(ctx, sqlSelectIssueByID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue: %w", err)
	}
	attempts, err := s.ListAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	issue.Attempts = attempts
	return issue, nil
}

// ListIssues implements IssueStore.
func (s *Store) ListIssues(ctx context.Context, filter schemas.IssueFilter) ([]schemas.Issue, error) {
	var (
		where []string
		args  []any
	)
	if filter.Project != "" {
		args = append(args, filter.Project)
		where = append(where, fmt.Sprintf("project = $%d", len(args)))
	}
	if filter.FilePath != "" {
		args = append(args, filter.FilePath)
		where = append(where, fmt.Sprintf("file_path = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}

	query := `SELECT ` + issueColumns + ` FROM issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return issues, nil
}

func scanIssue(row pgx.Row) (*schemas.Issue, error) {
	var (
		issue                               schemas.Issue
		category, severity, state, decision string
		metadata                            []byte
	)
	err := row.Scan(
		&issue.ID, &issue.Project, &issue.Fingerprint, &issue.FilePath,
		&issue.Span.StartLine, &issue.Span.StartColumn, &issue.Span.EndLine, &issue.Span.EndColumn,
		&category, &severity, &issue.Rule, &issue.Message, &issue.Detector, &issue.Language, &issue.Snippet,
		&state, &decision, &metadata,
		&issue.DetectedAt, &issue.LastSeenAt, &issue.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	issue.Category = schemas.Category(category)
	issue.Severity = schemas.Severity(severity)
	issue.State = schemas.IssueState(state)
	issue.ReviewDecision = schemas.ReviewDecision(decision)
	if issue.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &issue, nil
}

// TransitionIssue implements IssueStore.
func (s *Store) TransitionIssue(ctx context.Context, id string, from, to schemas.IssueState) error {
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sqlTransitionIssue, id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to transition issue: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	if err := s.pool.QueryRow(ctx, sqlSelectState, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to read issue state: %w", err)
	}
	return fmt.Errorf("issue %s is %s, not %s: %w", id, current, from, ErrStateConflict)
}

// SetReviewDecision implements IssueStore.
func (s *Store) SetReviewDecision(ctx context.Context, id string, decision schemas.ReviewDecision) error {
	tag, err := s.pool.Exec(ctx, sqlSetDecision, id, string(decision), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record review decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

// -- Fix attempts --

const (
	sqlInsertAttempt = `
        INSERT INTO fix_attempts (id, issue_id, sequence, strategy, raw_confidence, calibrated_confidence,
            patch, explanation, validation, failed_gate, failure_reason, applied, created_at, updated_at)
        VALUES ($1, $2, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM fix_attempts WHERE issue_id = $2),
            $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $11)
        RETURNING sequence;
    `
	sqlUpdateAttempt = `
        UPDATE fix_attempts SET validation = $2, failed_gate = $3, failure_reason = $4,
            calibrated_confidence = $5, updated_at = $6
        WHERE id = $1;
    `
	sqlSetApplied = `
        UPDATE fix_attempts SET applied = TRUE, updated_at = $3
        WHERE id = $2 AND issue_id = $1
          AND NOT EXISTS (SELECT 1 FROM fix_attempts WHERE issue_id = $1 AND applied AND id <> $2);
    `
	sqlClearApplied = `UPDATE fix_attempts SET applied = FALSE, updated_at = $3 WHERE id = $2 AND issue_id = $1;`
	sqlListAttempts = `
        SELECT id, issue_id, sequence, strategy, raw_confidence, calibrated_confidence, patch, explanation,
            validation, failed_gate, failure_reason, applied, created_at, updated_at
        FROM fix_attempts
        WHERE issue_id = $1
        ORDER BY sequence ASC;
    `
)

// AddAttempt implements IssueStore.
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

	err := s.pool.QueryRow(ctx, sqlInsertAttempt,
		attempt.ID, attempt.IssueID, string(attempt.Strategy),
		attempt.RawConfidence, attempt.CalibratedConfidence, attempt.Patch, attempt.Explanation,
		string(attempt.Validation), attempt.FailedGate, attempt.FailureReason, now,
	).Scan(&attempt.Sequence)
	if err != nil {
		return fmt.Errorf("failed to insert fix attempt: %w", err)
	}
	return nil
}

// UpdateAttempt implements IssueStore.
func (s *Store) UpdateAttempt(ctx context.Context, attempt *schemas.FixAttempt) error {
	attempt.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, sqlUpdateAttempt,
		attempt.ID, string(attempt.Validation), attempt.FailedGate, attempt.FailureReason,
		attempt.CalibratedConfidence, attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update fix attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrNotFound)
	}
	return nil
}

// SetApplied implements IssueStore.
func (s *Store) SetApplied(ctx context.Context, issueID, attemptID string, applied bool) error {
	query := sqlClearApplied
	if applied {
		query = sqlSetApplied
	}
	tag, err := s.pool.Exec(ctx, query, issueID, attemptID, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("attempt %s: %w", attemptID, ErrAlreadyApplied)
		}
		return fmt.Errorf("failed to set applied flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if applied {
			return fmt.Errorf("attempt %s: %w", attemptID, ErrAlreadyApplied)
		}
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	return nil
}

// ListAttempts implements IssueStore.
func (s *Store) ListAttempts(ctx context.Context, issueID string) ([]schemas.FixAttempt, error) {
	rows, err := s.pool.Query(ctx, sqlListAttempts, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fix attempts: %w", err)
	}
	defer rows.Close()

	var attempts []schemas.FixAttempt
	for rows.Next() {
		var (
			a                    schemas.FixAttempt
			strategy, validation string
		)
		if err := rows.Scan(
			&a.ID, &a.IssueID, &a.Sequence, &strategy, &a.RawConfidence, &a.CalibratedConfidence,
			&a.Patch, &a.Explanation, &validation, &a.FailedGate, &a.FailureReason, &a.Applied,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fix attempt row: %w", err)
		}
		a.Strategy = schemas.StrategyName(strategy)
		a.Validation = schemas.ValidationOutcome(validation)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return attempts, nil
}

// -- Patterns --

const (
	patternColumns    = `fingerprint, language, rule, template, occurrences, successes, failures, tags, last_seen_at, created_at`
	sqlSelectPattern  = `SELECT ` + patternColumns + ` FROM patterns WHERE fingerprint = $1;`
	sqlLockPattern    = `SELECT ` + patternColumns + ` FROM patterns WHERE fingerprint = $1 FOR UPDATE;`
	sqlListPatterns   = `SELECT ` + patternColumns + ` FROM patterns ORDER BY successes DESC, fingerprint ASC;`
	sqlReservePattern = `INSERT INTO patterns (fingerprint, created_at, last_seen_at) VALUES ($1, $2, $2) ON CONFLICT (fingerprint) DO NOTHING;`
	sqlWritePattern   = `
        UPDATE patterns SET language = $2, rule = $3, template = $4, occurrences = $5, successes = $6,
            failures = $7, tags = $8, last_seen_at = $9, created_at = $10
        WHERE fingerprint = $1;
    `
)

// GetPattern implements PatternStore.
func (s *Store) GetPattern(ctx context.Context, fingerprint string) (*schemas.Pattern, error) {
	p, err := scanPattern(s.pool.QueryRow(ctx, sqlSelectPattern, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && p.Occurrences == 0) {
		return nil, fmt.Errorf("pattern %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern: %w", err)
	}
	return p, nil
}

// UpdatePattern implements PatternStore. A placeholder row is reserved first so
// the row lock serializes concurrent creators of the same fingerprint.
func (s *Store) UpdatePattern(ctx context.Context, fingerprint string, fn PatternUpdateFunc) (*schemas.Pattern, error) {
	var out schemas.Pattern
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, sqlReservePattern, fingerprint, now); err != nil {
			return fmt.Errorf("failed to reserve pattern: %w", err)
		}
		current, err := scanPattern(tx.QueryRow(ctx, sqlLockPattern, fingerprint))
		if err != nil {
			return fmt.Errorf("failed to lock pattern: %w", err)
		}
		exists := current.Occurrences > 0

		next, err := ApplyPatternUpdate(fingerprint, *current, exists, now, fn)
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
		if _, err := tx.Exec(ctx, sqlWritePattern,
			next.Fingerprint, next.Language, next.Rule, template, next.Occurrences, next.Successes,
			next.Failures, tags, next.LastSeenAt, next.CreatedAt,
		); err != nil {
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

// ListPatterns implements PatternStore.
func (s *Store) ListPatterns(ctx context.Context) ([]schemas.Pattern, error) {
	rows, err := s.pool.Query(ctx, sqlListPatterns)
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
		if p.Occurrences > 0 {
			patterns = append(patterns, *p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return patterns, nil
}

func scanPattern(row pgx.Row) (*schemas.Pattern, error) {
	var (
		p        schemas.Pattern
		template []byte
	)
	if err := row.Scan(&p.Fingerprint, &p.Language, &p.Rule, &template, &p.Occurrences, &p.Successes,
		&p.Failures, &p.Tags, &p.LastSeenAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	if len(template) > 0 {
		if err := json.Unmarshal(template, &p.Template); err != nil {
			return nil, fmt.Errorf("failed to decode template: %w", err)
		}
	}
	return &p, nil
}

// -- Snapshots --

const (
	snapshotColumns   = `path, content_hash, last_scan_at, outstanding_issues, dirty, last_error`
	sqlSelectSnapshot = `SELECT ` + snapshotColumns + ` FROM file_snapshots WHERE path = $1;`
	sqlListSnapshots  = `SELECT ` + snapshotColumns + ` FROM file_snapshots ORDER BY path ASC;`
	sqlUpsertSnapshot = `
        INSERT INTO file_snapshots (path, content_hash, last_scan_at, outstanding_issues, dirty, last_error)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (path) DO UPDATE SET
            content_hash = EXCLUDED.content_hash,
            last_scan_at = EXCLUDED.last_scan_at,
            outstanding_issues = EXCLUDED.outstanding_issues,
            dirty = EXCLUDED.dirty,
            last_error = EXCLUDED.last_error;
    `
	sqlMarkDirty = `
        INSERT INTO file_snapshots (path, content_hash, last_scan_at, outstanding_issues, dirty, last_error)
        VALUES ($1, '', $2, 0, TRUE, '')
        ON CONFLICT (path) DO UPDATE SET dirty = TRUE;
    `
)

// GetSnapshot implements SnapshotStore.
func (s *Store) GetSnapshot(ctx context.Context, path string) (*schemas.FileSnapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, sqlSelectSnapshot, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// PutSnapshot implements SnapshotStore.
func (s *Store) PutSnapshot(ctx context.Context, snap *schemas.FileSnapshot) error {
	_, err := s.pool.Exec(ctx, sqlUpsertSnapshot,
		snap.Path, snap.ContentHash, snap.LastScanAt.UTC(), snap.OutstandingIssues, snap.Dirty, snap.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// MarkDirty implements SnapshotStore.
func (s *Store) MarkDirty(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, p := range paths {
			if _, err := tx.Exec(ctx, sqlMarkDirty, p, time.Time{}); err != nil {
				return fmt.Errorf("failed to mark %s dirty: %w", p, err)
			}
		}
		return nil
	})
}

// ListSnapshots implements SnapshotStore.
func (s *Store) ListSnapshots(ctx context.Context) ([]schemas.FileSnapshot, error) {
	rows, err := s.pool.Query(ctx, sqlListSnapshots)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(row pgx.Row) (*schemas.FileSnapshot, error) {
	var snap schemas.FileSnapshot
	if err := row.Scan(&snap.Path, &snap.ContentHash, &snap.LastScanAt, &snap.OutstandingIssues, &snap.Dirty, &snap.LastError); err != nil {
		return nil, err
	}
	return &snap, nil
}

// -- Calibration --

const (
	sqlLoadCalibration   = `SELECT strategy, domain, successes, failures, updated_at FROM calibration ORDER BY strategy, domain;`
	sqlRecordCalibration = `
        INSERT INTO calibration (strategy, domain, successes, failures, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (strategy, domain) DO UPDATE SET
            successes = calibration.successes + EXCLUDED.successes,
            failures = calibration.failures + EXCLUDED.failures,
            updated_at = EXCLUDED.updated_at;
    `
)

// LoadCalibration implements CalibrationStore.
func (s *Store) LoadCalibration(ctx context.Context) ([]schemas.CalibrationRecord, error) {
	rows, err := s.pool.Query(ctx, sqlLoadCalibration)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration: %w", err)
	}
	defer rows.Close()

	var records []schemas.CalibrationRecord
	for rows.Next() {
		var (
			r                schemas.CalibrationRecord
			strategy, domain string
		)
		if err := rows.Scan(&strategy, &domain, &r.Successes, &r.Failures, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calibration row: %w", err)
		}
		r.Strategy = schemas.StrategyName(strategy)
		r.Domain = schemas.Category(domain)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// RecordCalibration implements CalibrationStore.
func (s *Store) RecordCalibration(ctx context.Context, strategy schemas.StrategyName, domain schemas.Category, success bool) error {
	successes, failures := CalibrationDelta(success)
	if _, err := s.pool.Exec(ctx, sqlRecordCalibration, string(strategy), string(domain), successes, failures, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record calibration: %w", err)
	}
	return nil
}

// CalibrationDelta converts one outcome into counter increments.
func CalibrationDelta(success bool) (successes, failures int64) {
	if success {
		return 1, 0
	}
	return 0, 1
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}
