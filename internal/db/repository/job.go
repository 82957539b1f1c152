package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
)

const jobColumns = `
	id, submission_id, fingerprint, model_name, organization, priority, attempt,
	status, error, metrics, group_metrics, adversarial, explanation, classification,
	certificate_id, created_at, started_at, finished_at, updated_at`

// JobRepository handles audit job data access
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create stores a new job. A second in-flight job for the same fingerprint yields ErrDuplicateInFlight.
func (r *JobRepository) Create(ctx context.Context, job *models.AuditJob) error {
	cols, err := jobValues(job)
	if err != nil {
		return err
	}

	query := `INSERT INTO audit_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query, cols...)
	if isUniqueViolation(err) {
		return errors.Wrapf(errors.ErrDuplicateInFlight, "fingerprint %s", job.Fingerprint)
	}
	if err != nil {
		return fmt.Errorf("failed to create audit job: %w", err)
	}

	return nil
}

// Update persists every mutable field of a job
func (r *JobRepository) Update(ctx context.Context, job *models.AuditJob) error {
	cols, err := jobValues(job)
	if err != nil {
		return err
	}

	// cols[7:] are the mutable columns starting at status
	query := `
		UPDATE audit_jobs
		SET status = ?, error = ?, metrics = ?, group_metrics = ?, adversarial = ?,
		    explanation = ?, classification = ?, certificate_id = ?, created_at = ?,
		    started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`
	args := append(cols[7:], job.ID)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update audit job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "audit job %s", job.ID)
	}

	return nil
}

// Get retrieves a job by id
func (r *JobRepository) Get(ctx context.Context, id string) (*models.AuditJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM audit_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "audit job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit job: %w", err)
	}

	return job, nil
}

// LatestForFingerprint returns the highest attempt for a fingerprint
func (r *JobRepository) LatestForFingerprint(ctx context.Context, fingerprint string) (*models.AuditJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM audit_jobs
		WHERE fingerprint = ?
		ORDER BY attempt DESC
		LIMIT 1
	`, fingerprint)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no audit job for fingerprint %s", fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit job by fingerprint: %w", err)
	}

	return job, nil
}

// LatestForSubmission returns the newest job created for a submission
func (r *JobRepository) LatestForSubmission(ctx context.Context, submissionID string) (*models.AuditJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM audit_jobs
		WHERE submission_id = ?
		ORDER BY created_at DESC, attempt DESC
		LIMIT 1
	`, submissionID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no audit job for submission %s", submissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit job by submission: %w", err)
	}

	return job, nil
}

// ListByStatus lists jobs in any of the given states, oldest first
func (r *JobRepository) ListByStatus(ctx context.Context, limit int, statuses ...models.JobStatus) ([]*models.AuditJob, error) {
	query := `SELECT ` + jobColumns + ` FROM audit_jobs`
	args := []interface{}{}

	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}

	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.AuditJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// DeleteFinishedBefore removes completed and failed jobs that finished before the cutoff
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM audit_jobs
		WHERE status IN (?, ?) AND finished_at < ?
	`, string(models.JobCompleted), string(models.JobFailed), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished audit jobs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return count, nil
}

// jobValues returns the column values in jobColumns order
func jobValues(job *models.AuditJob) ([]interface{}, error) {
	var metrics, groups, adversarial sql.NullString

	if job.Metrics != nil {
		s, err := encodeJSON(job.Metrics)
		if err != nil {
			return nil, err
		}
		metrics = nullString(s)
	}
	if job.GroupMetrics != nil {
		s, err := encodeJSON(job.GroupMetrics)
		if err != nil {
			return nil, err
		}
		groups = nullString(s)
	}
	if job.Adversarial != nil {
		s, err := encodeJSON(job.Adversarial)
		if err != nil {
			return nil, err
		}
		adversarial = nullString(s)
	}

	return []interface{}{
		job.ID,
		job.SubmissionID,
		job.Fingerprint,
		job.ModelName,
		job.Organization,
		string(job.Priority),
		job.Attempt,
		string(job.Status),
		nullString(job.Error),
		metrics,
		groups,
		adversarial,
		nullString(job.Explanation),
		nullString(string(job.Classification)),
		nullString(job.CertificateID),
		job.CreatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.UpdatedAt.UTC(),
	}, nil
}

func scanJob(s scanner) (*models.AuditJob, error) {
	job := &models.AuditJob{}
	var (
		priority, status                          string
		errMsg, explanation, classification, cert sql.NullString
		metrics, groups, adversarial              sql.NullString
		startedAt, finishedAt                     sql.NullTime
		createdAt, updatedAt                      time.Time
	)

	err := s.Scan(
		&job.ID,
		&job.SubmissionID,
		&job.Fingerprint,
		&job.ModelName,
		&job.Organization,
		&priority,
		&job.Attempt,
		&status,
		&errMsg,
		&metrics,
		&groups,
		&adversarial,
		&explanation,
		&classification,
		&cert,
		&createdAt,
		&startedAt,
		&finishedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metrics.Valid {
		job.Metrics = &models.MetricsVector{}
		if err := decodeJSON(metrics, job.Metrics); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(groups, &job.GroupMetrics); err != nil {
		return nil, err
	}
	if adversarial.Valid {
		job.Adversarial = &models.AdversarialReport{}
		if err := decodeJSON(adversarial, job.Adversarial); err != nil {
			return nil, err
		}
	}

	job.Priority = models.Priority(priority)
	job.Status = models.JobStatus(status)
	job.Error = errMsg.String
	job.Explanation = explanation.String
	job.Classification = models.Classification(classification.String)
	job.CertificateID = cert.String
	job.CreatedAt = createdAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.UpdatedAt = updatedAt.UTC()

	return job, nil
}
