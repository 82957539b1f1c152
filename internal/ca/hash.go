package ca

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/adamscao/fairaudit/internal/models"
)

// HashPrefix marks certificate content hashes
const HashPrefix = "0x"

var (
	hashPattern   = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	bareHexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// hashDocument fixes the field set and key order that a content hash covers.
// Keys are alphabetical so the encoding is canonical. The job id is part of the
// model identity so a forced re-audit with identical results gets its own hash.
type hashDocument struct {
	Classification   models.Classification `json:"classification"`
	GroupMetrics     []models.GroupMetric  `json:"group_metrics"`
	JobID            string                `json:"job_id"`
	Metrics          models.MetricsVector  `json:"metrics"`
	ModelFingerprint string                `json:"model_fingerprint"`
	ModelName        string                `json:"model_name"`
	Organization     string                `json:"organization"`
}

// ContentHash computes the 0x-prefixed SHA-256 over the certificate's signed content.
// It only reads immutable fields, so it can be recomputed from a stored certificate.
func ContentHash(c *models.Certificate) (string, error) {
	groups := c.GroupMetrics
	if groups == nil {
		groups = []models.GroupMetric{}
	}

	doc, err := json.Marshal(hashDocument{
		Classification:   c.Classification,
		GroupMetrics:     groups,
		JobID:            c.JobID,
		Metrics:          c.Metrics,
		ModelFingerprint: c.ModelFingerprint,
		ModelName:        c.ModelName,
		Organization:     c.Organization,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode certificate content: %w", err)
	}

	sum := sha256.Sum256(doc)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// DigestBytes decodes a normalised content hash into its raw digest
func DigestBytes(hash string) ([]byte, error) {
	if !hashPattern.MatchString(hash) {
		return nil, fmt.Errorf("malformed content hash %q", hash)
	}
	return hex.DecodeString(hash[len(HashPrefix):])
}

// NormalizeHash trims and lowercases a hash, adding the 0x prefix to a bare 64-hex digest.
// Inputs that are not hashes are returned trimmed and lowercased.
func NormalizeHash(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if bareHexDigest.MatchString(s) {
		return HashPrefix + s
	}
	return s
}

// IsContentHash reports whether s is a normalised content hash
func IsContentHash(s string) bool {
	return hashPattern.MatchString(s)
}
