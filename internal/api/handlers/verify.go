package handlers

import (
	"net/http"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/verifier"
	"github.com/gin-gonic/gin"
)

// VerifyHandler handles public certificate verification
type VerifyHandler struct {
	verifier *verifier.Verifier
}

// NewVerifyHandler creates a new verification handler
func NewVerifyHandler(v *verifier.Verifier) *VerifyHandler {
	return &VerifyHandler{verifier: v}
}

// VerifyRequest represents a verification request
type VerifyRequest struct {
	Hash   string `json:"hash" binding:"required"`
	Strict bool   `json:"strict"`
}

// Verify checks a certificate by content hash. Tampered certificates get 422
// with the verification result as details.
// POST /v1/verify
func (h *VerifyHandler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	ctx := c.Request.Context()
	if req.Strict {
		result, err := h.verifier.VerifyStrict(ctx, req.Hash)
		if errors.Is(err, errors.ErrTamperedCertificate) {
			RespondErrorWithDetails(c, http.StatusUnprocessableEntity, "tampered_certificate", result.Message, result)
			return
		}
		if err != nil {
			RespondDomainError(c, err)
			return
		}
		RespondSuccess(c, result)
		return
	}

	result, err := h.verifier.Verify(ctx, req.Hash)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondSuccess(c, result)
}
