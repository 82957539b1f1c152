package handlers

import (
	"net/http"

	"github.com/adamscao/fairaudit/internal/ca"
	"github.com/gin-gonic/gin"
)

// CAHandler handles CA-related requests
type CAHandler struct {
	keyPair *ca.KeyPair
}

// NewCAHandler creates a new CA handler
func NewCAHandler(kp *ca.KeyPair) *CAHandler {
	return &CAHandler{
		keyPair: kp,
	}
}

// GetPublicKey returns the signing public key in authorized_keys format
// GET /v1/ca/public-key
func (h *CAHandler) GetPublicKey(c *gin.Context) {
	pubKey := h.keyPair.PublicKeyString()

	c.Header("X-Key-Fingerprint", h.keyPair.Fingerprint)
	// Return as plain text
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(pubKey+"\n"))
}
