package sshutil

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the OpenSSH SHA256 fingerprint of a public key
func Fingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(hash[:])
}

// GetFingerprint calculates the SHA256 fingerprint of an authorized_keys line
func GetFingerprint(pubkeyStr string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}

	return Fingerprint(pubkey), nil
}

// ParsePublicKey parses an authorized_keys line
func ParsePublicKey(pubkeyStr string) (ssh.PublicKey, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pubkey, nil
}
