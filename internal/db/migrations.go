package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is the latest schema version
const SchemaVersion = 1

// RunMigrations executes all database migrations
func RunMigrations(ctx context.Context, db *DB) error {
	// Check if schema_version table exists
	var tableExists bool
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	if !tableExists {
		// First time initialization
		if err := initializeSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		return nil
	}

	// Get current version
	var currentVersion int
	err = db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM schema_version
	`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion < 1 || currentVersion > SchemaVersion {
		return fmt.Errorf("unsupported schema version: %d", currentVersion)
	}

	return nil
}

// initializeSchema creates all tables for a new database
func initializeSchema(ctx context.Context, db *DB) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		schemaVersionTable,
		certificatesTable,
		certificatesIndexes,
		auditJobsTable,
		auditJobsIndexes,
		auditLogsTable,
		auditLogsIndexes,
	} {
		if err := execSQL(ctx, tx, stmt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
		return err
	}

	return tx.Commit()
}

// execSQL executes each statement of a semicolon-separated script
func execSQL(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", strings.TrimSpace(stmt), err)
		}
	}
	return nil
}

// Schema definitions
const (
	schemaVersionTable = `
CREATE TABLE schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	certificatesTable = `
CREATE TABLE certificates (
    id                 TEXT PRIMARY KEY,
    serial_number      INTEGER NOT NULL UNIQUE,
    job_id             TEXT NOT NULL,
    model_name         TEXT NOT NULL,
    model_name_lower   TEXT NOT NULL,
    organization       TEXT NOT NULL,
    organization_lower TEXT NOT NULL,
    model_fingerprint  TEXT NOT NULL,
    metrics            TEXT NOT NULL,
    group_metrics      TEXT NOT NULL,
    classification     TEXT NOT NULL,
    hash               TEXT NOT NULL,
    hash_lower         TEXT NOT NULL UNIQUE,
    signature          TEXT NOT NULL,
    key_fingerprint    TEXT NOT NULL,
    status             TEXT NOT NULL,
    status_reason      TEXT,
    status_changed_at  DATETIME,
    issued_at          DATETIME NOT NULL,
    expires_at         DATETIME NOT NULL
)`

	certificatesIndexes = `
CREATE INDEX idx_certs_status ON certificates(status);
CREATE INDEX idx_certs_organization ON certificates(organization_lower);
CREATE INDEX idx_certs_issued_at ON certificates(issued_at);
CREATE INDEX idx_certs_expires_at ON certificates(expires_at);
CREATE INDEX idx_certs_job_id ON certificates(job_id)`

	auditJobsTable = `
CREATE TABLE audit_jobs (
    id             TEXT PRIMARY KEY,
    submission_id  TEXT NOT NULL,
    fingerprint    TEXT NOT NULL,
    model_name     TEXT NOT NULL,
    organization   TEXT NOT NULL,
    priority       TEXT NOT NULL,
    attempt        INTEGER NOT NULL,
    status         TEXT NOT NULL,
    error          TEXT,
    metrics        TEXT,
    group_metrics  TEXT,
    adversarial    TEXT,
    explanation    TEXT,
    classification TEXT,
    certificate_id TEXT,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME,
    updated_at     DATETIME NOT NULL
)`

	// ux_jobs_in_flight keeps at most one queued or running job per fingerprint
	auditJobsIndexes = `
CREATE UNIQUE INDEX ux_jobs_in_flight ON audit_jobs(fingerprint) WHERE status IN ('queued', 'running');
CREATE INDEX idx_jobs_fingerprint ON audit_jobs(fingerprint, attempt);
CREATE INDEX idx_jobs_submission ON audit_jobs(submission_id);
CREATE INDEX idx_jobs_status ON audit_jobs(status);
CREATE INDEX idx_jobs_finished_at ON audit_jobs(finished_at)`

	auditLogsTable = `
CREATE TABLE audit_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   DATETIME NOT NULL,
    action      TEXT NOT NULL,
    subject     TEXT,
    client_ip   TEXT,
    user_agent  TEXT,
    success     INTEGER NOT NULL,
    error_msg   TEXT,
    details     TEXT
)`

	auditLogsIndexes = `
CREATE INDEX idx_audit_timestamp ON audit_logs(timestamp);
CREATE INDEX idx_audit_action ON audit_logs(action);
CREATE INDEX idx_audit_subject ON audit_logs(subject);
CREATE INDEX idx_audit_success ON audit_logs(success)`
)
