package ca

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Sign signs a raw digest and returns the base64 SSH wire-format signature.
// RSA keys sign with rsa-sha2-256.
func (kp *KeyPair) Sign(digest []byte) (string, error) {
	var (
		sig *ssh.Signature
		err error
	)

	if as, ok := kp.signer.(ssh.AlgorithmSigner); ok && kp.PublicKey.Type() == ssh.KeyAlgoRSA {
		sig, err = as.SignWithAlgorithm(rand.Reader, digest, ssh.KeyAlgoRSASHA256)
	} else {
		sig, err = kp.signer.Sign(rand.Reader, digest)
	}
	if err != nil {
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig)), nil
}

// Verify checks a signature produced by Sign against this key
func (kp *KeyPair) Verify(digest []byte, signature string) error {
	return VerifySignature(kp.PublicKey, digest, signature)
}

// VerifySignature checks a base64 SSH signature over digest with pub
func VerifySignature(pub ssh.PublicKey, digest []byte, signature string) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}

	if err := pub.Verify(digest, &sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	return nil
}
