package models

import "time"

// Classification is the categorical audit outcome
type Classification string

const (
	ClassPass Classification = "pass"
	ClassWarn Classification = "warn"
	ClassFail Classification = "fail"
)

// CertStatus is the post-issuance state of a certificate
type CertStatus string

const (
	CertValid   CertStatus = "valid"
	CertExpired CertStatus = "expired"
	CertRevoked CertStatus = "revoked"
)

// IsValidCertStatus returns true if s names a certificate status
func IsValidCertStatus(s string) bool {
	switch CertStatus(s) {
	case CertValid, CertExpired, CertRevoked:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed
func (s CertStatus) Terminal() bool {
	return s == CertExpired || s == CertRevoked
}

// Certificate is the publicly verifiable record of an audit outcome.
// Everything except Status, StatusReason and StatusChangedAt is immutable after issuance.
type Certificate struct {
	ID               string         `json:"id"`
	SerialNumber     uint64         `json:"serial_number"`
	JobID            string         `json:"job_id"`
	ModelName        string         `json:"model_name"`
	Organization     string         `json:"organization"`
	ModelFingerprint string         `json:"model_fingerprint"`
	Metrics          MetricsVector  `json:"metrics"`
	GroupMetrics     []GroupMetric  `json:"group_metrics"`
	Classification   Classification `json:"classification"`
	Hash             string         `json:"hash"`
	Signature        string         `json:"signature"`
	KeyFingerprint   string         `json:"key_fingerprint"`
	Status           CertStatus     `json:"status"`
	StatusReason     string         `json:"status_reason,omitempty"`
	StatusChangedAt  *time.Time     `json:"status_changed_at,omitempty"`
	IssuedAt         time.Time      `json:"issued_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
}

// CertQuery filters certificate searches. Zero values match everything.
type CertQuery struct {
	Text         string
	Status       CertStatus
	Organization string
	Limit        int
}

// VerificationResult is the outcome of looking up a certificate by hash
type VerificationResult struct {
	Found       bool         `json:"found"`
	Valid       bool         `json:"valid"`
	Status      CertStatus   `json:"status,omitempty"`
	Message     string       `json:"message"`
	Strict      bool         `json:"strict"`
	Certificate *Certificate `json:"certificate,omitempty"`
}
