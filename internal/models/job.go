package models

import "time"

// JobStatus is the lifecycle state of an audit job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// InFlight reports whether the job still occupies its fingerprint
func (s JobStatus) InFlight() bool {
	return s == JobQueued || s == JobRunning
}

// Finished reports whether the job reached a terminal state
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// MetricsVector holds the headline audit metrics, each in [0,1]
type MetricsVector struct {
	Accuracy               float64 `json:"accuracy"`
	BiasScore              float64 `json:"bias_score"`
	RobustnessFlipFraction float64 `json:"robustness_flip_fraction"`
}

// GroupMetric holds per-demographic-group rates, each in [0,1]
type GroupMetric struct {
	Group     string  `json:"group"`
	TPR       float64 `json:"tpr"`
	FPR       float64 `json:"fpr"`
	Precision float64 `json:"precision"`
}

// AdversarialReport describes a detected vulnerability. Only kept on failed classifications.
type AdversarialReport struct {
	AttackVector string  `json:"attack_vector"`
	Confidence   float64 `json:"confidence"`
	Explanation  string  `json:"explanation"`
}

// AuditJob is the lifecycle wrapper around one submission attempt
type AuditJob struct {
	ID             string             `json:"id"`
	SubmissionID   string             `json:"submission_id"`
	Fingerprint    string             `json:"fingerprint"`
	ModelName      string             `json:"model_name"`
	Organization   string             `json:"organization"`
	Priority       Priority           `json:"priority"`
	Attempt        int                `json:"attempt"`
	Status         JobStatus          `json:"status"`
	Error          string             `json:"error,omitempty"`
	Metrics        *MetricsVector     `json:"metrics,omitempty"`
	GroupMetrics   []GroupMetric      `json:"group_metrics,omitempty"`
	Adversarial    *AdversarialReport `json:"adversarial,omitempty"`
	Explanation    string             `json:"explanation,omitempty"`
	Classification Classification     `json:"classification,omitempty"`
	CertificateID  string             `json:"certificate_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Start marks the job as running
func (j *AuditJob) Start(now time.Time) {
	j.Status = JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete records the engine output and classification
func (j *AuditJob) Complete(now time.Time, metrics MetricsVector, groups []GroupMetric, class Classification, report *AdversarialReport, explanation string) {
	j.Status = JobCompleted
	j.Metrics = &metrics
	j.GroupMetrics = groups
	j.Classification = class
	j.Explanation = explanation
	if class == ClassFail {
		j.Adversarial = report
	} else {
		j.Adversarial = nil
	}
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.Error = ""
}

// Fail marks the job as failed with a reason
func (j *AuditJob) Fail(now time.Time, reason string) {
	j.Status = JobFailed
	j.Error = reason
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// Clone returns a copy that shares no mutable state with j
func (j *AuditJob) Clone() *AuditJob {
	c := *j
	if j.Metrics != nil {
		m := *j.Metrics
		c.Metrics = &m
	}
	if j.GroupMetrics != nil {
		c.GroupMetrics = append([]GroupMetric(nil), j.GroupMetrics...)
	}
	if j.Adversarial != nil {
		a := *j.Adversarial
		c.Adversarial = &a
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
