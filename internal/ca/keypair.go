package ca

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamscao/fairaudit/pkg/sshutil"
	"golang.org/x/crypto/ssh"
)

const rsaKeyBits = 3072

// KeyPair is the process-wide certificate signing key.
// The private half stays unexported so it never reaches JSON or logs.
type KeyPair struct {
	signer      ssh.Signer
	PublicKey   ssh.PublicKey `json:"-"`
	KeyType     string        `json:"key_type"`
	Fingerprint string        `json:"fingerprint"`
}

// LoadOrGenerateKeyPair loads an existing key pair or generates a new one
func LoadOrGenerateKeyPair(privatePath, publicPath, keyType string) (*KeyPair, error) {
	// Check if private key exists
	if _, err := os.Stat(privatePath); err == nil {
		return loadKeyPair(privatePath)
	}

	kp, priv, err := GenerateKeyPair(keyType)
	if err != nil {
		return nil, err
	}

	if err := saveKeyPair(kp, priv, privatePath, publicPath); err != nil {
		return nil, fmt.Errorf("failed to save key pair: %w", err)
	}

	return kp, nil
}

// GenerateKeyPair creates an in-memory key pair. The raw private key is returned for persistence only.
func GenerateKeyPair(keyType string) (*KeyPair, crypto.Signer, error) {
	var priv crypto.Signer

	switch keyType {
	case "ed25519":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		priv = key

	case "rsa":
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		priv = key

	default:
		return nil, nil, fmt.Errorf("unsupported key type: %s", keyType)
	}

	kp, err := NewKeyPair(priv)
	if err != nil {
		return nil, nil, err
	}
	return kp, priv, nil
}

// NewKeyPair wraps an existing private key
func NewKeyPair(priv crypto.Signer) (*KeyPair, error) {
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH signer: %w", err)
	}
	return fromSigner(signer), nil
}

func fromSigner(signer ssh.Signer) *KeyPair {
	pub := signer.PublicKey()
	return &KeyPair{
		signer:      signer,
		PublicKey:   pub,
		KeyType:     keyTypeOf(pub),
		Fingerprint: sshutil.Fingerprint(pub),
	}
}

func keyTypeOf(pub ssh.PublicKey) string {
	switch pub.Type() {
	case ssh.KeyAlgoED25519:
		return "ed25519"
	case ssh.KeyAlgoRSA:
		return "rsa"
	default:
		return strings.TrimPrefix(pub.Type(), "ssh-")
	}
}

// loadKeyPair loads an existing key pair from file
func loadKeyPair(privatePath string) (*KeyPair, error) {
	privateBytes, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return fromSigner(signer), nil
}

// saveKeyPair saves the key pair to files
func saveKeyPair(kp *KeyPair, priv crypto.Signer, privatePath, publicPath string) error {
	// Ensure parent directories exist
	if err := os.MkdirAll(filepath.Dir(privatePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(publicPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for public key: %w", err)
	}

	// Marshal private key to OpenSSH format
	block, err := ssh.MarshalPrivateKey(priv, "fairaudit")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	// Write private key with restrictive permissions
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	if err := os.WriteFile(publicPath, kp.PublicKeyBytes(), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}

// PublicKeyBytes returns the public key in OpenSSH authorized_keys format
func (kp *KeyPair) PublicKeyBytes() []byte {
	return ssh.MarshalAuthorizedKey(kp.PublicKey)
}

// PublicKeyString returns the public key as a string without the trailing newline
func (kp *KeyPair) PublicKeyString() string {
	return strings.TrimSpace(string(kp.PublicKeyBytes()))
}

// String never exposes key material
func (kp *KeyPair) String() string {
	return fmt.Sprintf("%s key %s", kp.KeyType, kp.Fingerprint)
}
