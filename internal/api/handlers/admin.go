package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/adamscao/fairaudit/internal/db/repository"
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/adamscao/fairaudit/internal/sweeper"
	"github.com/gin-gonic/gin"
)

// CertAdmin mutates certificate status
type CertAdmin interface {
	SetStatus(ctx context.Context, id string, status models.CertStatus, reason string) (*models.Certificate, error)
	CountByStatus(ctx context.Context) (map[models.CertStatus]int, error)
}

// EventStore records and lists event log entries
type EventStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
	List(ctx context.Context, q repository.AuditLogQuery) ([]*models.AuditLog, error)
}

// AdminHandler handles administrative operations
type AdminHandler struct {
	certs   CertAdmin
	sweeper *sweeper.Sweeper
	events  EventStore
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(certs CertAdmin, sw *sweeper.Sweeper, events EventStore) *AdminHandler {
	return &AdminHandler{
		certs:   certs,
		sweeper: sw,
		events:  events,
	}
}

// RevokeRequest represents a revocation request
type RevokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RevokeCertificate moves a valid certificate to revoked
// POST /v1/admin/certificates/:id/revoke
func (h *AdminHandler) RevokeCertificate(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "A revocation reason is required")
		return
	}

	id := c.Param("id")
	entry := &models.AuditLog{
		Action:    models.ActionCertRevoke,
		Subject:   id,
		ClientIP:  GetClientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
	}

	cert, err := h.certs.SetStatus(c.Request.Context(), id, models.CertRevoked, req.Reason)
	if err != nil {
		entry.ErrorMsg = err.Error()
		h.record(c.Request.Context(), entry)
		RespondDomainError(c, err)
		return
	}

	entry.Success = true
	h.record(c.Request.Context(), entry)
	logger.ComponentLogger("admin").Infow("Certificate revoked",
		logger.FieldCertificateID, id,
		logger.FieldClientIP, entry.ClientIP,
		"reason", req.Reason,
	)

	RespondSuccess(c, cert)
}

// SweepResponse represents the outcome of a manual sweep
type SweepResponse struct {
	Report *sweeper.Report `json:"report"`
	Errors string          `json:"errors,omitempty"`
}

// RunSweep runs the expiry sweep immediately. Per-item failures are reported, not fatal.
// POST /v1/admin/sweep
func (h *AdminHandler) RunSweep(c *gin.Context) {
	report, err := h.sweeper.Sweep(c.Request.Context())
	resp := SweepResponse{Report: report}
	if err != nil {
		resp.Errors = err.Error()
	}
	RespondSuccess(c, resp)
}

// ListEvents lists event log entries, newest first
// GET /v1/admin/events?action=&subject=&failures=&since=&limit=
func (h *AdminHandler) ListEvents(c *gin.Context) {
	q := repository.AuditLogQuery{
		Action:      c.Query("action"),
		Subject:     c.Query("subject"),
		FailureOnly: c.Query("failures") == "true",
	}

	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			RespondDomainError(c, errors.Validationf("invalid since %q", s))
			return
		}
		q.Since = since
	}
	if l := c.Query("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			RespondDomainError(c, errors.Validationf("invalid limit %q", l))
			return
		}
		q.Limit = limit
	}

	logs, err := h.events.List(c.Request.Context(), q)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}
	RespondSuccess(c, gin.H{"events": logs, "count": len(logs)})
}

// Stats returns certificate counts per status
// GET /v1/admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	counts, err := h.certs.CountByStatus(c.Request.Context())
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondSuccess(c, gin.H{"certificates": counts})
}

func (h *AdminHandler) record(ctx context.Context, entry *models.AuditLog) {
	if h.events == nil {
		return
	}
	if err := h.events.Create(ctx, entry); err != nil {
		logger.ComponentLogger("admin").Errorw("Failed to record event", "action", entry.Action, logger.FieldError, err)
	}
}
