// Package auth authenticates administrative callers with a static token and
// an optional TOTP second factor.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/adamscao/fairaudit/internal/errors"
)

const (
	tokenLength = 32 // 32 bytes = 256 bits
)

// GenerateAdminToken generates a random admin token
func GenerateAdminToken() (string, error) {
	bytes := make([]byte, tokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashToken hashes a token so comparisons do not depend on its length
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.RawStdEncoding.EncodeToString(hash[:])
}

// VerifyToken verifies a token against its hash using constant-time comparison
func VerifyToken(token, storedHash string) bool {
	actualHash := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(actualHash), []byte(storedHash)) == 1
}

// AdminAuthenticator checks admin credentials
type AdminAuthenticator struct {
	tokenHash  string
	totpSecret string
}

// NewAdminAuthenticator creates an authenticator. An empty totpSecret disables the second factor.
func NewAdminAuthenticator(token, totpSecret string) *AdminAuthenticator {
	return &AdminAuthenticator{
		tokenHash:  HashToken(token),
		totpSecret: totpSecret,
	}
}

// RequiresTOTP reports whether a TOTP code must accompany the token
func (a *AdminAuthenticator) RequiresTOTP() bool {
	return a.totpSecret != ""
}

// Authenticate returns an error wrapping ErrUnauthorized when the credentials are wrong
func (a *AdminAuthenticator) Authenticate(token, code string) error {
	if token == "" {
		return errors.Wrap(errors.ErrUnauthorized, "admin token required")
	}
	if !VerifyToken(token, a.tokenHash) {
		return errors.Wrap(errors.ErrUnauthorized, "invalid admin token")
	}

	if !a.RequiresTOTP() {
		return nil
	}
	if code == "" {
		return errors.Wrap(errors.ErrUnauthorized, "TOTP code required")
	}
	valid, err := ValidateTOTP(a.totpSecret, code)
	if err != nil {
		return errors.Wrap(errors.ErrUnauthorized, err.Error())
	}
	if !valid {
		return errors.Wrap(errors.ErrUnauthorized, "invalid TOTP code")
	}
	return nil
}
