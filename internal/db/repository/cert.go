package repository

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
)

const certLockStripes = 64

const certColumns = `
	id, serial_number, job_id, model_name, organization, model_fingerprint,
	metrics, group_metrics, classification, hash, signature, key_fingerprint,
	status, status_reason, status_changed_at, issued_at, expires_at`

// CertRepository handles certificate data access.
// Status writes to the same id are serialised; reads never lock.
type CertRepository struct {
	db    *sql.DB
	locks [certLockStripes]sync.Mutex
	now   func() time.Time
}

// NewCertRepository creates a new certificate repository
func NewCertRepository(db *sql.DB) *CertRepository {
	return &CertRepository{db: db, now: time.Now}
}

// WithClock overrides the clock used to stamp status changes
func (r *CertRepository) WithClock(now func() time.Time) *CertRepository {
	r.now = now
	return r
}

func (r *CertRepository) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.locks[h.Sum32()%certLockStripes]
}

// Put stores a newly issued certificate. An existing id, serial or hash yields ErrDuplicateID.
func (r *CertRepository) Put(ctx context.Context, cert *models.Certificate) error {
	metrics, err := encodeJSON(cert.Metrics)
	if err != nil {
		return err
	}
	groups := cert.GroupMetrics
	if groups == nil {
		groups = []models.GroupMetric{}
	}
	groupJSON, err := encodeJSON(groups)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO certificates (
			id, serial_number, job_id, model_name, model_name_lower, organization,
			organization_lower, model_fingerprint, metrics, group_metrics, classification,
			hash, hash_lower, signature, key_fingerprint, status, status_reason,
			status_changed_at, issued_at, expires_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		cert.ID,
		cert.SerialNumber,
		cert.JobID,
		cert.ModelName,
		foldCase(cert.ModelName),
		cert.Organization,
		foldCase(cert.Organization),
		cert.ModelFingerprint,
		metrics,
		groupJSON,
		string(cert.Classification),
		cert.Hash,
		strings.ToLower(cert.Hash),
		cert.Signature,
		cert.KeyFingerprint,
		string(cert.Status),
		nullString(cert.StatusReason),
		nullTime(cert.StatusChangedAt),
		cert.IssuedAt.UTC(),
		cert.ExpiresAt.UTC(),
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(errors.ErrDuplicateID, "certificate %s", cert.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to store certificate: %w", err)
	}

	return nil
}

// GetByID retrieves a certificate by id
func (r *CertRepository) GetByID(ctx context.Context, id string) (*models.Certificate, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE id = ?`, id)

	cert, err := scanCertificate(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "certificate %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}

	return cert, nil
}

// GetByHash retrieves a certificate by content hash, ignoring hex case
func (r *CertRepository) GetByHash(ctx context.Context, hash string) (*models.Certificate, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE hash_lower = ?`, strings.ToLower(hash))

	cert, err := scanCertificate(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "certificate with hash %s", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate by hash: %w", err)
	}

	return cert, nil
}

// Search lists certificates matching every set filter, newest first
func (r *CertRepository) Search(ctx context.Context, q models.CertQuery) ([]*models.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE 1=1`
	args := []interface{}{}

	if text := strings.TrimSpace(q.Text); text != "" {
		// Folded columns are lowered in Go; SQLite LOWER only folds ASCII
		query += ` AND (model_name_lower LIKE ? ESCAPE '\' OR organization_lower LIKE ? ESCAPE '\' OR LOWER(id) LIKE ? ESCAPE '\')`
		p := likePattern(text)
		args = append(args, p, p, p)
	}

	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, string(q.Status))
	}

	if org := strings.TrimSpace(q.Organization); org != "" {
		query += " AND organization_lower = ?"
		args = append(args, foldCase(org))
	}

	query += " ORDER BY issued_at DESC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	return r.list(ctx, query, args...)
}

// ListExpiring lists valid certificates whose expiry is at or before now
func (r *CertRepository) ListExpiring(ctx context.Context, now time.Time) ([]*models.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC, id ASC`

	return r.list(ctx, query, string(models.CertValid), now.UTC())
}

// SetStatus applies a status transition. valid→valid is a no-op; anything
// leaving expired or revoked fails with ErrInvalidTransition.
func (r *CertRepository) SetStatus(ctx context.Context, id string, status models.CertStatus, reason string) (*models.Certificate, error) {
	if !models.IsValidCertStatus(string(status)) {
		return nil, errors.Validationf("unknown certificate status %q", status)
	}

	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cert, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if cert.Status.Terminal() {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "%s: %s -> %s", id, cert.Status, status)
	}
	if status == models.CertValid {
		return cert, nil
	}

	now := r.now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE certificates
		SET status = ?, status_reason = ?, status_changed_at = ?
		WHERE id = ? AND status = ?
	`, string(status), nullString(reason), now, id, string(cert.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to update certificate status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "%s changed concurrently", id)
	}

	cert.Status = status
	cert.StatusReason = reason
	cert.StatusChangedAt = &now
	return cert, nil
}

// NextSerialNumber returns the next available serial number
func (r *CertRepository) NextSerialNumber(ctx context.Context) (uint64, error) {
	var serial uint64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(serial_number), 0) + 1 FROM certificates`).Scan(&serial)
	if err != nil {
		return 0, fmt.Errorf("failed to get next serial number: %w", err)
	}

	return serial, nil
}

// CountByStatus returns the number of certificates per status
func (r *CertRepository) CountByStatus(ctx context.Context) (map[models.CertStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM certificates GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count certificates: %w", err)
	}
	defer rows.Close()

	counts := map[models.CertStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan certificate count: %w", err)
		}
		counts[models.CertStatus(status)] = n
	}

	return counts, rows.Err()
}

func (r *CertRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Certificate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	certs := []*models.Certificate{}
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	return certs, rows.Err()
}

func scanCertificate(s scanner) (*models.Certificate, error) {
	cert := &models.Certificate{}
	var (
		metrics, groups, reason sql.NullString
		classification, status  string
		statusChangedAt         sql.NullTime
		issuedAt, expiresAt     time.Time
	)

	err := s.Scan(
		&cert.ID,
		&cert.SerialNumber,
		&cert.JobID,
		&cert.ModelName,
		&cert.Organization,
		&cert.ModelFingerprint,
		&metrics,
		&groups,
		&classification,
		&cert.Hash,
		&cert.Signature,
		&cert.KeyFingerprint,
		&status,
		&reason,
		&statusChangedAt,
		&issuedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(metrics, &cert.Metrics); err != nil {
		return nil, err
	}
	if err := decodeJSON(groups, &cert.GroupMetrics); err != nil {
		return nil, err
	}

	cert.Classification = models.Classification(classification)
	cert.Status = models.CertStatus(status)
	cert.StatusReason = reason.String
	cert.StatusChangedAt = timePtr(statusChangedAt)
	cert.IssuedAt = issuedAt.UTC()
	cert.ExpiresAt = expiresAt.UTC()

	return cert, nil
}
