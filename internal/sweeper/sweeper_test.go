package sweeper

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adamscao/fairaudit/internal/db"
	"github.com/adamscao/fairaudit/internal/db/repository"
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stores struct {
	certs  *repository.CertRepository
	jobs   *repository.JobRepository
	events *repository.AuditRepository
}

func openStores(t *testing.T) *stores {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.RunMigrations(context.Background(), database))

	return &stores{
		certs:  repository.NewCertRepository(database.DB),
		jobs:   repository.NewJobRepository(database.DB),
		events: repository.NewAuditRepository(database.DB),
	}
}

func putCert(t *testing.T, s *stores, serial uint64, expiresAt time.Time) *models.Certificate {
	t.Helper()
	hash := fmt.Sprintf("0x%064x", serial)
	cert := &models.Certificate{
		ID:               fmt.Sprintf("cert_%06d_%s", serial, hash[58:66]),
		SerialNumber:     serial,
		JobID:            fmt.Sprintf("job-%d", serial),
		ModelName:        "CreditScore",
		Organization:     "FinBank",
		ModelFingerprint: strings.Repeat("a", 64),
		Classification:   models.ClassPass,
		Hash:             hash,
		Signature:        "c2ln",
		KeyFingerprint:   "SHA256:test",
		Status:           models.CertValid,
		IssuedAt:         expiresAt.Add(-365 * 24 * time.Hour),
		ExpiresAt:        expiresAt,
	}
	require.NoError(t, s.certs.Put(context.Background(), cert))
	return cert
}

// flakyCerts fails SetStatus for one id
type flakyCerts struct {
	*repository.CertRepository
	failID string
}

func (f *flakyCerts) SetStatus(ctx context.Context, id string, status models.CertStatus, reason string) (*models.Certificate, error) {
	if id == f.failID {
		return nil, errors.New("disk I/O error")
	}
	return f.CertRepository.SetStatus(ctx, id, status, reason)
}

func TestSweepExpiresDueCertificates(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := putCert(t, s, 1, now.Add(-time.Hour))
	fresh := putCert(t, s, 2, now.Add(time.Hour))
	revoked := putCert(t, s, 3, now.Add(-time.Hour))
	_, err := s.certs.SetStatus(ctx, revoked.ID, models.CertRevoked, "withdrawn")
	require.NoError(t, err)

	report, err := New(Config{}, s.certs, s.jobs, s.events).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.Failed)

	got, err := s.certs.GetByID(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertExpired, got.Status)
	assert.Equal(t, ExpiryReason, got.StatusReason)

	got, err = s.certs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertValid, got.Status)

	got, err = s.certs.GetByID(ctx, revoked.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertRevoked, got.Status)

	logs, err := s.events.List(ctx, repository.AuditLogQuery{Action: models.ActionCertExpire})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, due.ID, logs[0].Subject)

	// A second pass finds nothing to do
	report, err = New(Config{}, s.certs, s.jobs, s.events).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)
}

func TestSweepIsolatesPerItemFailures(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := putCert(t, s, 1, now.Add(-2*time.Hour))
	second := putCert(t, s, 2, now.Add(-time.Hour))

	flaky := &flakyCerts{CertRepository: s.certs, failID: first.ID}
	report, err := New(Config{}, flaky, nil, nil).Sweep(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Failed)

	got, err := s.certs.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertExpired, got.Status)

	got, err = s.certs.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertValid, got.Status)
}

func TestSweepPurgesOldJobsAndLogs(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-60 * 24 * time.Hour)

	for i, finished := range []time.Time{old, now} {
		job := &models.AuditJob{
			ID:           fmt.Sprintf("job-%d", i),
			SubmissionID: "sub",
			Fingerprint:  fmt.Sprintf("fp-%d", i),
			ModelName:    "m",
			Organization: "o",
			Priority:     models.PriorityClassical,
			Attempt:      1,
			Status:       models.JobQueued,
			CreatedAt:    finished,
			UpdatedAt:    finished,
		}
		require.NoError(t, s.jobs.Create(ctx, job))
		job.Fail(finished, "engine error")
		require.NoError(t, s.jobs.Update(ctx, job))
	}
	require.NoError(t, s.events.Create(ctx, &models.AuditLog{Timestamp: old, Action: models.ActionCertVerify, Success: true}))
	require.NoError(t, s.events.Create(ctx, &models.AuditLog{Timestamp: now, Action: models.ActionCertVerify, Success: true}))

	cfg := Config{JobRetention: 30 * 24 * time.Hour, LogRetention: 30 * 24 * time.Hour}
	report, err := New(cfg, s.certs, s.jobs, s.events).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.JobsPurged)
	assert.Equal(t, int64(1), report.LogsPurged)

	_, err = s.jobs.Get(ctx, "job-0")
	assert.True(t, errors.IsNotFound(err))
	_, err = s.jobs.Get(ctx, "job-1")
	assert.NoError(t, err)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	s := openStores(t)
	due := putCert(t, s, 1, time.Now().UTC().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(Config{Interval: 10 * time.Millisecond}, s.certs, nil, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := s.certs.GetByID(context.Background(), due.ID)
		return err == nil && got.Status == models.CertExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
