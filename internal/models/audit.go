package models

import "time"

// AuditLog represents an event log entry
type AuditLog struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject,omitempty"` // job id, certificate id or hash
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	Details   string    `json:"details,omitempty"` // JSON
}

// Audit action constants
const (
	ActionAuditSubmit     = "audit_submit"
	ActionAuditComplete   = "audit_complete"
	ActionAuditFail       = "audit_fail"
	ActionAuditCancel     = "audit_cancel"
	ActionCertIssue       = "cert_issue"
	ActionCertRevoke      = "cert_revoke"
	ActionCertExpire      = "cert_expire"
	ActionCertVerify      = "cert_verify"
	ActionCertTampered    = "cert_tampered"
	ActionAdminAuthFailed = "admin_auth_failed"
)
