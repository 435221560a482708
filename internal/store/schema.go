package store

// postgresSchema is applied in order by Migrate. Every statement is idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS issues (
        id UUID PRIMARY KEY,
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
        metadata JSONB NOT NULL DEFAULT '{}',
        detected_at TIMESTAMPTZ NOT NULL,
        last_seen_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_identity ON issues (project, fingerprint, file_path);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_fingerprint ON issues (fingerprint);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_file_state ON issues (file_path, state);`,
	`CREATE TABLE IF NOT EXISTS fix_attempts (
        id UUID PRIMARY KEY,
        issue_id UUID NOT NULL REFERENCES issues (id) ON DELETE CASCADE,
        sequence INTEGER NOT NULL,
        strategy TEXT NOT NULL,
        raw_confidence DOUBLE PRECISION NOT NULL,
        calibrated_confidence DOUBLE PRECISION NOT NULL,
        patch TEXT NOT NULL,
        explanation TEXT NOT NULL DEFAULT '',
        validation TEXT NOT NULL,
        failed_gate TEXT NOT NULL DEFAULT '',
        failure_reason TEXT NOT NULL DEFAULT '',
        applied BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        UNIQUE (issue_id, sequence)
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_fix_attempts_applied ON fix_attempts (issue_id) WHERE applied;`,
	`CREATE TABLE IF NOT EXISTS patterns (
        fingerprint TEXT PRIMARY KEY,
        language TEXT NOT NULL DEFAULT '',
        rule TEXT NOT NULL DEFAULT '',
        template JSONB NOT NULL DEFAULT '{}',
        occurrences BIGINT NOT NULL DEFAULT 0,
        successes BIGINT NOT NULL DEFAULT 0,
        failures BIGINT NOT NULL DEFAULT 0,
        tags TEXT[] NOT NULL DEFAULT '{}',
        last_seen_at TIMESTAMPTZ NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS file_snapshots (
        path TEXT PRIMARY KEY,
        content_hash TEXT NOT NULL DEFAULT '',
        last_scan_at TIMESTAMPTZ NOT NULL,
        outstanding_issues INTEGER NOT NULL DEFAULT 0,
        dirty BOOLEAN NOT NULL DEFAULT FALSE,
        last_error TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS calibration (
        strategy TEXT NOT NULL,
        domain TEXT NOT NULL,
        successes BIGINT NOT NULL DEFAULT 0,
        failures BIGINT NOT NULL DEFAULT 0,
        updated_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (strategy, domain)
    );`,
}
