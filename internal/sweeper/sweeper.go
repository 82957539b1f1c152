// Package sweeper expires certificates whose validity window has elapsed and
// purges old jobs and event logs.
package sweeper

import (
	"context"
	"time"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/models"
	"go.uber.org/zap"
)

// ExpiryReason is recorded on certificates moved to expired
const ExpiryReason = "validity window elapsed"

// CertStore is the part of the certificate repository the sweeper needs
type CertStore interface {
	ListExpiring(ctx context.Context, now time.Time) ([]*models.Certificate, error)
	SetStatus(ctx context.Context, id string, status models.CertStatus, reason string) (*models.Certificate, error)
}

// JobPurger deletes finished jobs
type JobPurger interface {
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// EventLog records and purges events
type EventLog interface {
	Create(ctx context.Context, log *models.AuditLog) error
	DeleteOld(ctx context.Context, before time.Time) (int64, error)
}

// Config holds retention settings. Zero retention disables that purge.
type Config struct {
	Interval     time.Duration
	JobRetention time.Duration
	LogRetention time.Duration
}

// Report summarises one sweep
type Report struct {
	Expired    int   `json:"expired"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	JobsPurged int64 `json:"jobs_purged"`
	LogsPurged int64 `json:"logs_purged"`
}

// Sweeper runs the periodic maintenance pass
type Sweeper struct {
	cfg    Config
	certs  CertStore
	jobs   JobPurger
	events EventLog
	now    func() time.Time
	log    *zap.SugaredLogger
}

// New creates a sweeper. jobs and events may be nil.
func New(cfg Config, certs CertStore, jobs JobPurger, events EventLog) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		cfg:    cfg,
		certs:  certs,
		jobs:   jobs,
		events: events,
		now:    time.Now,
		log:    logger.ComponentLogger("sweeper"),
	}
}

// WithClock overrides the sweep clock
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep expires due certificates and purges old records. A failure on one
// certificate does not stop the others; all failures are joined in the error.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	now := s.now().UTC()
	report := &Report{}

	due, err := s.certs.ListExpiring(ctx, now)
	if err != nil {
		return report, errors.Wrap(err, "failed to list expiring certificates")
	}

	var errs []error
	for _, cert := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		_, err := s.certs.SetStatus(ctx, cert.ID, models.CertExpired, ExpiryReason)
		switch {
		case err == nil:
			report.Expired++
			s.record(ctx, &models.AuditLog{Action: models.ActionCertExpire, Subject: cert.ID, Success: true})
		case errors.Is(err, errors.ErrInvalidTransition):
			// revoked or expired since the listing
			report.Skipped++
		default:
			report.Failed++
			errs = append(errs, errors.Wrapf(err, "certificate %s", cert.ID))
			s.log.Warnw("Failed to expire certificate", logger.FieldCertificateID, cert.ID, logger.FieldError, err)
		}
	}

	if s.jobs != nil && s.cfg.JobRetention > 0 {
		n, err := s.jobs.DeleteFinishedBefore(ctx, now.Add(-s.cfg.JobRetention))
		if err != nil {
			errs = append(errs, err)
		}
		report.JobsPurged = n
	}

	if s.events != nil && s.cfg.LogRetention > 0 {
		n, err := s.events.DeleteOld(ctx, now.Add(-s.cfg.LogRetention))
		if err != nil {
			errs = append(errs, err)
		}
		report.LogsPurged = n
	}

	if report.Expired > 0 || report.Failed > 0 || report.JobsPurged > 0 || report.LogsPurged > 0 {
		s.log.Infow("Sweep finished",
			"expired", report.Expired,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"jobs_purged", report.JobsPurged,
			"logs_purged", report.LogsPurged,
		)
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}

// Run sweeps immediately and then on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorw("Sweep failed", logger.FieldError, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) record(ctx context.Context, entry *models.AuditLog) {
	if s.events == nil {
		return
	}
	if err := s.events.Create(ctx, entry); err != nil {
		s.log.Errorw("Failed to record event", "action", entry.Action, logger.FieldError, err)
	}
}
