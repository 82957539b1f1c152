// Package verifier answers public "is this certificate genuine and valid" queries.
package verifier

import (
	"context"
	"fmt"

	"github.com/adamscao/fairaudit/internal/ca"
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// CertFinder looks certificates up by content hash
type CertFinder interface {
	GetByHash(ctx context.Context, hash string) (*models.Certificate, error)
}

// EventRecorder stores security-relevant events
type EventRecorder interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// Verifier checks certificates against the repository. It never mutates them.
type Verifier struct {
	certs  CertFinder
	pub    ssh.PublicKey
	events EventRecorder
	log    *zap.SugaredLogger
}

// New creates a verifier. events may be nil.
func New(certs CertFinder, pub ssh.PublicKey, events EventRecorder) *Verifier {
	return &Verifier{
		certs:  certs,
		pub:    pub,
		events: events,
		log:    logger.ComponentLogger("verifier"),
	}
}

// Verify looks a certificate up by hash and reports whether it is currently valid.
// The stored status is the source of truth; the signature is not rechecked.
func (v *Verifier) Verify(ctx context.Context, hash string) (*models.VerificationResult, error) {
	normalized := ca.NormalizeHash(hash)
	if normalized == "" {
		return nil, errors.Validationf("hash is required")
	}

	cert, err := v.certs.GetByHash(ctx, normalized)
	if errors.IsNotFound(err) {
		return &models.VerificationResult{
			Found:   false,
			Valid:   false,
			Message: "no certificate matches this hash",
		}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up certificate")
	}

	return &models.VerificationResult{
		Found:       true,
		Valid:       cert.Status == models.CertValid,
		Status:      cert.Status,
		Message:     statusMessage(cert),
		Certificate: cert,
	}, nil
}

// VerifyStrict additionally recomputes the content hash and checks the signature.
// A mismatch returns the result together with an error wrapping ErrTamperedCertificate.
func (v *Verifier) VerifyStrict(ctx context.Context, hash string) (*models.VerificationResult, error) {
	result, err := v.Verify(ctx, hash)
	if err != nil || !result.Found {
		if result != nil {
			result.Strict = true
		}
		return result, err
	}
	result.Strict = true

	cert := result.Certificate
	reason := v.checkIntegrity(cert)
	if reason == "" {
		v.record(ctx, &models.AuditLog{
			Action:  models.ActionCertVerify,
			Subject: cert.ID,
			Success: true,
		})
		return result, nil
	}

	result.Valid = false
	result.Message = "certificate failed integrity check: " + reason

	v.log.Warnw("Tampered certificate detected",
		"security_event", true,
		logger.FieldCertificateID, cert.ID,
		logger.FieldHash, cert.Hash,
		"reason", reason,
	)
	v.record(ctx, &models.AuditLog{
		Action:   models.ActionCertTampered,
		Subject:  cert.ID,
		Success:  false,
		ErrorMsg: reason,
		Details:  fmt.Sprintf(`{"hash":%q}`, cert.Hash),
	})

	return result, errors.Wrapf(errors.ErrTamperedCertificate, "certificate %s: %s", cert.ID, reason)
}

// checkIntegrity returns an empty string when hash and signature match the content
func (v *Verifier) checkIntegrity(cert *models.Certificate) string {
	recomputed, err := ca.ContentHash(cert)
	if err != nil {
		return err.Error()
	}
	if recomputed != ca.NormalizeHash(cert.Hash) {
		return "content hash mismatch"
	}

	digest, err := ca.DigestBytes(recomputed)
	if err != nil {
		return err.Error()
	}
	if err := ca.VerifySignature(v.pub, digest, cert.Signature); err != nil {
		return "signature mismatch"
	}
	return ""
}

func (v *Verifier) record(ctx context.Context, entry *models.AuditLog) {
	if v.events == nil {
		return
	}
	if err := v.events.Create(ctx, entry); err != nil {
		v.log.Errorw("Failed to record event", "action", entry.Action, logger.FieldError, err)
	}
}

func statusMessage(cert *models.Certificate) string {
	switch cert.Status {
	case models.CertValid:
		return "certificate is valid"
	case models.CertExpired:
		return fmt.Sprintf("certificate expired on %s", cert.ExpiresAt.Format("2006-01-02"))
	case models.CertRevoked:
		if cert.StatusReason != "" {
			return "certificate was revoked: " + cert.StatusReason
		}
		return "certificate was revoked"
	default:
		return fmt.Sprintf("certificate status is %s", cert.Status)
	}
}
