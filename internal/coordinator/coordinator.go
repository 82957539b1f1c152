// Package coordinator schedules audit jobs: deduplication by content
// fingerprint, priority lanes, a bounded worker pool, engine deadlines,
// cancellation and certificate issuance.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/adamscao/fairaudit/internal/classifier"
	"github.com/adamscao/fairaudit/internal/engine"
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/adamscao/fairaudit/internal/policy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// MaxOrphanedJobsToRecover bounds the startup recovery sweep
	MaxOrphanedJobsToRecover = 1000

	// ReasonCancelled is the failure reason of a cancelled job
	ReasonCancelled = "cancelled"

	// ReasonInterrupted is the failure reason of jobs orphaned by a restart
	ReasonInterrupted = "interrupted by restart"
)

// Config contains worker pool settings
type Config struct {
	Workers       int
	QueueSize     int
	EngineTimeout time.Duration
	CancelGrace   time.Duration
	IssueRetries  int
	Thresholds    classifier.Thresholds
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     64,
		EngineTimeout: 5 * time.Minute,
		CancelGrace:   10 * time.Second,
		IssueRetries:  3,
		Thresholds:    classifier.DefaultThresholds(),
	}
}

// JobStore persists audit jobs
type JobStore interface {
	Create(ctx context.Context, job *models.AuditJob) error
	Update(ctx context.Context, job *models.AuditJob) error
	Get(ctx context.Context, id string) (*models.AuditJob, error)
	LatestForFingerprint(ctx context.Context, fingerprint string) (*models.AuditJob, error)
	LatestForSubmission(ctx context.Context, submissionID string) (*models.AuditJob, error)
	ListByStatus(ctx context.Context, limit int, statuses ...models.JobStatus) ([]*models.AuditJob, error)
}

// CertIssuer issues a certificate for a completed job
type CertIssuer interface {
	Issue(ctx context.Context, job *models.AuditJob) (*models.Certificate, error)
}

// EventRecorder stores audit trail events
type EventRecorder interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// SubmitOptions modifies deduplication behaviour
type SubmitOptions struct {
	// Force starts a new attempt even when a certified result exists
	Force bool
}

// SubmitResult describes what Submit did. An attached or reused Job keeps
// the submission id of the upload that created it; a fresh id is minted
// only when a new job is queued.
type SubmitResult struct {
	Job *models.AuditJob
	// Attached is set when an in-flight job for the same content was returned
	Attached bool
	// Reused is set when a completed, certified job was returned
	Reused bool
}

type task struct {
	job       *models.AuditJob
	sub       *models.AuditSubmission
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type outcome struct {
	result *engine.Result
	err    error
}

// Coordinator owns the lifecycle of audit jobs
type Coordinator struct {
	cfg       Config
	engine    engine.Engine
	jobs      JobStore
	issuer    CertIssuer
	events    EventRecorder
	validator *policy.Validator
	log       *zap.SugaredLogger
	now       func() time.Time

	mu        sync.Mutex
	quantum   chan *task
	classical chan *task
	pending   map[string]*task
	running   map[string]*task
	queued    int
	started   bool
	stopped   bool

	subMu       sync.RWMutex
	subscribers []chan *models.AuditJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. events may be nil.
func New(cfg Config, eng engine.Engine, jobs JobStore, issuer CertIssuer, validator *policy.Validator, events EventRecorder) *Coordinator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = def.EngineTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.IssueRetries <= 0 {
		cfg.IssueRetries = def.IssueRetries
	}
	if cfg.Thresholds == (classifier.Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}

	return &Coordinator{
		cfg:       cfg,
		engine:    eng,
		jobs:      jobs,
		issuer:    issuer,
		events:    events,
		validator: validator,
		log:       logger.ComponentLogger("coordinator"),
		now:       time.Now,
		quantum:   make(chan *task, cfg.QueueSize),
		classical: make(chan *task, cfg.QueueSize),
		pending:   make(map[string]*task),
		running:   make(map[string]*task),
	}
}

// WithClock overrides the clock used for job timestamps
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Fingerprint hashes the raw uploaded bytes. Each artifact is length-prefixed
// so a model/dataset split cannot collide with another.
func Fingerprint(sub *models.AuditSubmission) string {
	h := sha256.New()
	var size [8]byte

	write := func(data []byte) {
		binary.BigEndian.PutUint64(size[:], uint64(len(data)))
		h.Write(size[:])
		h.Write(data)
	}

	if sub.Model != nil {
		write(sub.Model.Data)
	} else {
		write(nil)
	}
	write(sub.Dataset.Data)

	return hex.EncodeToString(h.Sum(nil))
}

// Start recovers orphaned jobs and launches the worker pool
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.recoverOrphans(ctx); err != nil {
		return err
	}

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.log.Infow("Coordinator started", "workers", c.cfg.Workers, "queue_size", c.cfg.QueueSize)
	return nil
}

// Stop cancels running jobs and waits for workers to exit
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.log.Infow("Coordinator stopped")
}

// recoverOrphans fails jobs a previous process left queued or running
func (c *Coordinator) recoverOrphans(ctx context.Context) error {
	orphans, err := c.jobs.ListByStatus(ctx, MaxOrphanedJobsToRecover, models.JobQueued, models.JobRunning)
	if err != nil {
		return errors.Wrap(err, "failed to list orphaned jobs")
	}

	for _, job := range orphans {
		job.Fail(c.now().UTC(), ReasonInterrupted)
		if err := c.jobs.Update(ctx, job); err != nil {
			return errors.Wrapf(err, "failed to fail orphaned job %s", job.ID)
		}
		c.record(ctx, models.ActionAuditFail, job.ID, false, ReasonInterrupted)
	}

	if len(orphans) > 0 {
		c.log.Warnw("Recovered orphaned jobs", logger.FieldCount, len(orphans))
	}
	return nil
}

// Submit validates and fingerprints a submission, then attaches to an
// in-flight job, reuses a certified result or enqueues a new attempt.
func (c *Coordinator) Submit(ctx context.Context, sub *models.AuditSubmission, opts SubmitOptions) (*SubmitResult, error) {
	if err := c.validator.ValidateSubmission(sub); err != nil {
		return nil, err
	}
	if sub.Priority == "" {
		sub.Priority = models.PriorityClassical
	}

	now := c.now().UTC()
	sub.Fingerprint = Fingerprint(sub)
	sub.SubmittedAt = now

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return nil, errors.New("coordinator is not running")
	}

	// Deduplicate on fingerprint
	latest, err := c.jobs.LatestForFingerprint(ctx, sub.Fingerprint)
	if err != nil && !errors.IsNotFound(err) {
		return nil, errors.Wrap(err, "failed to look up previous jobs")
	}
	if latest != nil {
		if latest.Status.InFlight() {
			// Only a job a worker will still finish can be attached to
			if t, ok := c.tracked(latest.ID); !ok || t.cancelled {
				return nil, errors.Wrapf(errors.ErrDuplicateInFlight, "job %s is being cancelled", latest.ID)
			}
			c.log.Infow("Attached to in-flight job",
				logger.FieldJobID, latest.ID,
				logger.FieldFingerprint, sub.Fingerprint,
			)
			return &SubmitResult{Job: latest, Attached: true}, nil
		}
		if latest.Status == models.JobCompleted && latest.CertificateID != "" && !opts.Force {
			c.log.Infow("Reused certified job",
				logger.FieldJobID, latest.ID,
				logger.FieldCertificateID, latest.CertificateID,
			)
			return &SubmitResult{Job: latest, Reused: true}, nil
		}
	}

	lane := c.classical
	if sub.Priority == models.PriorityQuantum {
		lane = c.quantum
	}
	// Only Submit sends, under mu, so a lane with spare capacity stays non-blocking.
	// Cancelled tasks linger in their lane until a worker drops them.
	if c.queued >= c.cfg.QueueSize || len(lane) == cap(lane) {
		return nil, errors.Wrapf(errors.ErrQueueFull, "%d jobs waiting", c.queued)
	}

	attempt := 1
	if latest != nil {
		attempt = latest.Attempt + 1
	}
	sub.ID = uuid.NewString()

	job := &models.AuditJob{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		Fingerprint:  sub.Fingerprint,
		ModelName:    sub.ModelName,
		Organization: sub.Organization,
		Priority:     sub.Priority,
		Attempt:      attempt,
		Status:       models.JobQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, errors.ErrDuplicateInFlight) {
			existing, getErr := c.jobs.LatestForFingerprint(ctx, sub.Fingerprint)
			if getErr == nil && existing.Status.InFlight() {
				if t, ok := c.tracked(existing.ID); ok && !t.cancelled {
					return &SubmitResult{Job: existing, Attached: true}, nil
				}
			}
		}
		return nil, err
	}

	t := &task{job: job, sub: sub, done: make(chan struct{})}
	c.pending[job.ID] = t
	c.queued++
	lane <- t

	c.log.Infow("Audit job queued",
		logger.FieldJobID, job.ID,
		logger.FieldSubmissionID, sub.ID,
		logger.FieldFingerprint, sub.Fingerprint,
		logger.FieldAttempt, attempt,
		"priority", sub.Priority,
	)
	c.record(ctx, models.ActionAuditSubmit, job.ID, true, "")
	c.notify(job)

	return &SubmitResult{Job: job.Clone()}, nil
}

// Get returns the current state of a job
func (c *Coordinator) Get(ctx context.Context, id string) (*models.AuditJob, error) {
	return c.jobs.Get(ctx, id)
}

// LatestForSubmission returns the job created for a submission
func (c *Coordinator) LatestForSubmission(ctx context.Context, submissionID string) (*models.AuditJob, error) {
	return c.jobs.LatestForSubmission(ctx, submissionID)
}

// Cancel stops a job. Queued jobs fail immediately; running jobs are
// signalled and given CancelGrace to stop before being failed anyway.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*models.AuditJob, error) {
	c.mu.Lock()

	if t, ok := c.pending[id]; ok {
		// Stored under mu so Submit never reads the job as still queued
		job := t.job.Clone()
		job.Fail(c.now().UTC(), ReasonCancelled)
		if err := c.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
			c.mu.Unlock()
			return nil, errors.Wrapf(err, "failed to cancel job %s", id)
		}

		t.cancelled = true
		t.job = job.Clone()
		t.sub = nil
		delete(c.pending, id)
		c.queued--
		c.mu.Unlock()

		c.notify(job)
		c.record(ctx, models.ActionAuditCancel, id, true, "")
		c.log.Infow("Queued job cancelled", logger.FieldJobID, id)
		return job, nil
	}

	if t, ok := c.running[id]; ok {
		t.cancelled = true
		t.cancel()
		c.mu.Unlock()

		c.record(ctx, models.ActionAuditCancel, id, true, "")
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.jobs.Get(ctx, id)
	}

	c.mu.Unlock()

	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(errors.ErrInvalidTransition, "job %s is already %s", id, job.Status)
}

// tracked returns the task of a queued or running job. Callers hold mu.
func (c *Coordinator) tracked(id string) (*task, bool) {
	if t, ok := c.pending[id]; ok {
		return t, true
	}
	t, ok := c.running[id]
	return t, ok
}

// QueueDepth returns the number of jobs waiting for a worker
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// Running returns the number of jobs currently executing
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Subscribe returns a channel of job updates. Slow subscribers miss updates.
func (c *Coordinator) Subscribe() chan *models.AuditJob {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	ch := make(chan *models.AuditJob, SubscriberChannelBufferSize)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber. The caller owns the channel.
func (c *Coordinator) Unsubscribe(ch chan *models.AuditJob) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) notify(job *models.AuditJob) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- job.Clone():
		default:
		}
	}
}

func (c *Coordinator) worker(n int) {
	defer c.wg.Done()
	log := c.log.With("worker", n)

	for {
		// quantum lane is drained first
		select {
		case t := <-c.quantum:
			c.process(log, t)
			continue
		default:
		}

		select {
		case t := <-c.quantum:
			c.process(log, t)
		case t := <-c.classical:
			c.process(log, t)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) process(log *zap.SugaredLogger, t *task) {
	c.mu.Lock()
	if _, ok := c.pending[t.job.ID]; !ok || t.cancelled {
		// cancelled while queued
		c.mu.Unlock()
		return
	}
	delete(c.pending, t.job.ID)
	c.queued--

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.EngineTimeout)
	t.cancel = cancel
	c.running[t.job.ID] = t
	t.job.Start(c.now().UTC())
	started := t.job.Clone()
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.running, t.job.ID)
		t.sub = nil
		c.mu.Unlock()
		close(t.done)
	}()

	c.persist(started)
	log.Infow("Audit job started", logger.FieldJobID, t.job.ID, "engine", c.engine.Name())

	out := c.runEngine(ctx, t)

	if out.err != nil {
		c.fail(log, t, out.err.Error())
		return
	}
	if err := engine.CheckResult(out.result); err != nil {
		c.fail(log, t, err.Error())
		return
	}

	res := out.result
	class := c.cfg.Thresholds.Classify(res.Metrics)
	t.job.Complete(c.now().UTC(), res.Metrics, res.GroupMetrics, class, res.Adversarial, res.Explanation)

	cert, err := c.issue(t.job)
	if err != nil {
		t.job.Error = "certificate issuance failed: " + err.Error()
		log.Errorw("Certificate issuance failed", logger.FieldJobID, t.job.ID, logger.FieldError, err)
	} else {
		t.job.CertificateID = cert.ID
		c.record(c.ctx, models.ActionCertIssue, cert.ID, true, "")
	}

	done := t.job.Clone()
	c.persist(done)
	c.record(c.ctx, models.ActionAuditComplete, t.job.ID, true, "")
	log.Infow("Audit job completed",
		logger.FieldJobID, t.job.ID,
		"classification", class,
		logger.FieldCertificateID, t.job.CertificateID,
	)
}

// runEngine calls the engine once under the job deadline. If the deadline
// passes or the job is cancelled, the engine gets CancelGrace to return.
func (c *Coordinator) runEngine(ctx context.Context, t *task) outcome {
	results := make(chan outcome, 1)
	sub := t.sub

	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: errors.Wrapf(errors.ErrEngine, "engine panicked: %v", r)}
			}
		}()
		res, err := c.engine.Audit(ctx, sub)
		if err != nil && !errors.Is(err, errors.ErrEngine) {
			err = errors.Wrapf(errors.ErrEngine, "%v", err)
		}
		results <- outcome{result: res, err: err}
	}()

	select {
	case out := <-results:
		if ctx.Err() == nil {
			return out
		}
	case <-ctx.Done():
		select {
		case <-results:
		case <-time.After(c.cfg.CancelGrace):
			c.log.Warnw("Engine ignored cancellation", logger.FieldJobID, t.job.ID, "grace", c.cfg.CancelGrace)
		}
	}

	c.mu.Lock()
	cancelled := t.cancelled
	c.mu.Unlock()

	switch {
	case cancelled:
		return outcome{err: errors.New(ReasonCancelled)}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return outcome{err: errors.Newf("engine timed out after %s", c.cfg.EngineTimeout)}
	default:
		return outcome{err: errors.New("interrupted by shutdown")}
	}
}

// issue retries only on id collisions. Other errors are final.
func (c *Coordinator) issue(job *models.AuditJob) (*models.Certificate, error) {
	var lastErr error
	for i := 0; i < c.cfg.IssueRetries; i++ {
		cert, err := c.issuer.Issue(context.WithoutCancel(c.ctx), job.Clone())
		if err == nil {
			return cert, nil
		}
		lastErr = err
		if !errors.Is(err, errors.ErrDuplicateID) {
			return nil, err
		}
		c.log.Warnw("Certificate id collision, retrying", logger.FieldJobID, job.ID, logger.FieldAttempt, i+1)
	}
	return nil, lastErr
}

func (c *Coordinator) fail(log *zap.SugaredLogger, t *task, reason string) {
	t.job.Fail(c.now().UTC(), reason)
	c.persist(t.job.Clone())
	c.record(c.ctx, models.ActionAuditFail, t.job.ID, false, reason)
	log.Warnw("Audit job failed", logger.FieldJobID, t.job.ID, logger.FieldError, reason)
}

// persist writes a job snapshot and notifies subscribers. Writes outlive shutdown.
func (c *Coordinator) persist(job *models.AuditJob) {
	ctx := context.Background()
	if c.ctx != nil {
		ctx = context.WithoutCancel(c.ctx)
	}
	if err := c.jobs.Update(ctx, job); err != nil {
		c.log.Errorw("Failed to persist job", logger.FieldJobID, job.ID, logger.FieldStatus, job.Status, logger.FieldError, err)
	}
	c.notify(job)
}

func (c *Coordinator) record(ctx context.Context, action, subject string, success bool, msg string) {
	if c.events == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entry := &models.AuditLog{
		Action:   action,
		Subject:  subject,
		Success:  success,
		ErrorMsg: msg,
	}
	if err := c.events.Create(context.WithoutCancel(ctx), entry); err != nil {
		c.log.Errorw("Failed to record event", "action", action, logger.FieldError, err)
	}
}
