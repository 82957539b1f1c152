package handlers

import (
	"context"
	"strconv"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/gin-gonic/gin"
)

const maxSearchLimit = 500

// CertReader reads certificates
type CertReader interface {
	GetByID(ctx context.Context, id string) (*models.Certificate, error)
	Search(ctx context.Context, q models.CertQuery) ([]*models.Certificate, error)
}

// CertHandler handles public certificate lookups
type CertHandler struct {
	certs CertReader
}

// NewCertHandler creates a new certificate handler
func NewCertHandler(certs CertReader) *CertHandler {
	return &CertHandler{certs: certs}
}

// CertListResponse represents a certificate search response
type CertListResponse struct {
	Certificates []*models.Certificate `json:"certificates"`
	Count        int                   `json:"count"`
}

// GetCertificate returns one certificate by id
// GET /v1/certificates/:id
func (h *CertHandler) GetCertificate(c *gin.Context) {
	cert, err := h.certs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	RespondSuccess(c, cert)
}

// SearchCertificates lists certificates matching the query parameters
// GET /v1/certificates?search=&status=&organization=&limit=
func (h *CertHandler) SearchCertificates(c *gin.Context) {
	q := models.CertQuery{
		Text:         c.Query("search"),
		Organization: c.Query("organization"),
	}

	if s := c.Query("status"); s != "" && s != "all" {
		if !models.IsValidCertStatus(s) {
			RespondDomainError(c, errors.Validationf("unknown status %q", s))
			return
		}
		q.Status = models.CertStatus(s)
	}

	if l := c.Query("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			RespondDomainError(c, errors.Validationf("invalid limit %q", l))
			return
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}
		q.Limit = limit
	}

	certs, err := h.certs.Search(c.Request.Context(), q)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	if certs == nil {
		certs = []*models.Certificate{}
	}

	RespondSuccess(c, CertListResponse{Certificates: certs, Count: len(certs)})
}
