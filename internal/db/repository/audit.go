package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/fairaudit/internal/models"
)

// AuditLogQuery filters event log listings. Zero values match everything.
type AuditLogQuery struct {
	Action      string
	Subject     string
	FailureOnly bool
	Since       time.Time
	Limit       int
}

// AuditRepository handles event log data access
type AuditRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db, now: time.Now}
}

// Create creates a new audit log entry
func (r *AuditRepository) Create(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (timestamp, action, subject, client_ip, user_agent, success, error_msg, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	success := 0
	if log.Success {
		success = 1
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = r.now()
	}
	log.Timestamp = log.Timestamp.UTC()

	result, err := r.db.ExecContext(ctx, query,
		log.Timestamp,
		log.Action,
		nullString(log.Subject),
		nullString(log.ClientIP),
		nullString(log.UserAgent),
		success,
		nullString(log.ErrorMsg),
		nullString(log.Details),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	log.ID = id

	return nil
}

// List lists audit logs with optional filters, newest first
func (r *AuditRepository) List(ctx context.Context, q AuditLogQuery) ([]*models.AuditLog, error) {
	query := `
		SELECT id, timestamp, action, subject, client_ip, user_agent, success, error_msg, details
		FROM audit_logs
		WHERE 1=1
	`
	args := []interface{}{}

	if q.Subject != "" {
		query += " AND subject = ?"
		args = append(args, q.Subject)
	}

	if q.Action != "" {
		query += " AND action = ?"
		args = append(args, q.Action)
	}

	if q.FailureOnly {
		query += " AND success = 0"
	}

	if !q.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, q.Since.UTC())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.AuditLog{}

	for rows.Next() {
		log := &models.AuditLog{}
		var success int
		var subject, clientIP, userAgent, errorMsg, details sql.NullString

		err := rows.Scan(
			&log.ID,
			&log.Timestamp,
			&log.Action,
			&subject,
			&clientIP,
			&userAgent,
			&success,
			&errorMsg,
			&details,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		log.Success = success == 1
		log.Subject = subject.String
		log.ClientIP = clientIP.String
		log.UserAgent = userAgent.String
		log.ErrorMsg = errorMsg.String
		log.Details = details.String

		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// CountByAction counts audit logs by action type
func (r *AuditRepository) CountByAction(ctx context.Context, action string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM audit_logs
		WHERE action = ? AND timestamp >= ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, action, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return count, nil
}

// DeleteOld deletes audit logs older than the given date
func (r *AuditRepository) DeleteOld(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM audit_logs
		WHERE timestamp < ?
	`

	result, err := r.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit logs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return count, nil
}
