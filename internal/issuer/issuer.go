// Package issuer turns completed audit jobs into signed certificates.
package issuer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adamscao/fairaudit/internal/ca"
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/models"
	"go.uber.org/zap"
)

// DefaultValidity is the certificate lifetime when none is configured
const DefaultValidity = 365 * 24 * time.Hour

// CertStore persists issued certificates
type CertStore interface {
	Put(ctx context.Context, cert *models.Certificate) error
}

// Issuer signs and stores certificates. It writes each certificate exactly
// once and never retries; callers decide whether to retry on ErrDuplicateID.
type Issuer struct {
	keys     *ca.KeyPair
	store    CertStore
	validity time.Duration
	now      func() time.Time
	serial   atomic.Uint64
	log      *zap.SugaredLogger
}

// New creates an issuer. firstSerial is the serial used for the next certificate.
func New(keys *ca.KeyPair, store CertStore, validity time.Duration, firstSerial uint64) *Issuer {
	if validity <= 0 {
		validity = DefaultValidity
	}
	if firstSerial == 0 {
		firstSerial = 1
	}

	i := &Issuer{
		keys:     keys,
		store:    store,
		validity: validity,
		now:      time.Now,
		log:      logger.ComponentLogger("issuer"),
	}
	i.serial.Store(firstSerial)
	return i
}

// WithClock overrides the issuance clock
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Keys returns the signing key pair
func (i *Issuer) Keys() *ca.KeyPair {
	return i.keys
}

// Issue signs a certificate for a completed job and stores it
func (i *Issuer) Issue(ctx context.Context, job *models.AuditJob) (*models.Certificate, error) {
	if job == nil || job.Status != models.JobCompleted || job.Metrics == nil {
		status := models.JobStatus("")
		id := ""
		if job != nil {
			status, id = job.Status, job.ID
		}
		return nil, errors.Wrapf(errors.ErrEngineIncomplete, "job %s is %s", id, status)
	}

	cert := &models.Certificate{
		JobID:            job.ID,
		ModelName:        job.ModelName,
		Organization:     job.Organization,
		ModelFingerprint: job.Fingerprint,
		Metrics:          *job.Metrics,
		GroupMetrics:     append([]models.GroupMetric{}, job.GroupMetrics...),
		Classification:   job.Classification,
		KeyFingerprint:   i.keys.Fingerprint,
		Status:           models.CertValid,
	}

	// Compute content hash
	hash, err := ca.ContentHash(cert)
	if err != nil {
		return nil, err
	}
	digest, err := ca.DigestBytes(hash)
	if err != nil {
		return nil, err
	}

	// Sign digest
	signature, err := i.keys.Sign(digest)
	if err != nil {
		return nil, err
	}

	serial := i.serial.Add(1) - 1
	issuedAt := i.now().UTC()

	cert.SerialNumber = serial
	cert.ID = fmt.Sprintf("cert_%06d_%s", serial, hash[len(ca.HashPrefix):len(ca.HashPrefix)+8])
	cert.Hash = hash
	cert.Signature = signature
	cert.IssuedAt = issuedAt
	cert.ExpiresAt = issuedAt.Add(i.validity)

	// Store certificate
	if err := i.store.Put(ctx, cert); err != nil {
		return nil, errors.Wrapf(err, "failed to store certificate %s", cert.ID)
	}

	i.log.Infow("Certificate issued",
		logger.FieldCertificateID, cert.ID,
		logger.FieldJobID, job.ID,
		logger.FieldHash, hash,
		"classification", cert.Classification,
		"expires_at", cert.ExpiresAt,
	)

	return cert, nil
}
