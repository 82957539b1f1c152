package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer = "FairAudit"
	totpPeriod = 30
)

var validateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateTOTPSecret generates a new TOTP secret and its otpauth:// provisioning URL
func GenerateTOTPSecret(account string) (string, string, error) {
	if account == "" {
		account = "admin"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
		Period:      totpPeriod,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	return key.Secret(), key.URL(), nil
}

// ValidateTOTP validates a TOTP code against a secret.
// Allows for ±1 time window to account for clock skew
func ValidateTOTP(secret, code string) (bool, error) {
	return ValidateTOTPAt(secret, code, time.Now())
}

// ValidateTOTPAt validates a code as of t
func ValidateTOTPAt(secret, code string, t time.Time) (bool, error) {
	valid, err := totp.ValidateCustom(code, secret, t.UTC(), validateOpts)
	if err != nil && err != otp.ErrValidateInputInvalidLength {
		return false, fmt.Errorf("failed to validate TOTP code: %w", err)
	}
	return valid, nil
}

// GenerateTOTPCode returns the code for secret at t
func GenerateTOTPCode(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t.UTC(), validateOpts)
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}
