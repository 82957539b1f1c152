package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adamscao/fairaudit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCertificate() *models.Certificate {
	return &models.Certificate{
		JobID:            "job-42",
		ModelName:        "LoanApproval-v3",
		Organization:     "FinBank",
		ModelFingerprint: strings.Repeat("ab", 32),
		Metrics:          models.MetricsVector{Accuracy: 0.78, BiasScore: 0.42, RobustnessFlipFraction: 0.28},
		GroupMetrics: []models.GroupMetric{
			{Group: "gender:f", TPR: 0.7, FPR: 0.2, Precision: 0.8},
			{Group: "gender:m", TPR: 0.9, FPR: 0.1, Precision: 0.85},
		},
		Classification: models.ClassWarn,
	}
}

func TestContentHashReproducible(t *testing.T) {
	h1, err := ContentHash(sampleCertificate())
	require.NoError(t, err)
	h2, err := ContentHash(sampleCertificate())
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, IsContentHash(h1))
	assert.Len(t, h1, 66)
}

func TestContentHashIgnoresMutableFields(t *testing.T) {
	c := sampleCertificate()
	before, err := ContentHash(c)
	require.NoError(t, err)

	c.Status = models.CertRevoked
	c.StatusReason = "key compromise"
	c.ID = "cert_000001_deadbeef"
	after, err := ContentHash(c)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestContentHashDetectsContentChange(t *testing.T) {
	base, err := ContentHash(sampleCertificate())
	require.NoError(t, err)

	mutations := map[string]func(c *models.Certificate){
		"metrics":        func(c *models.Certificate) { c.Metrics.BiasScore = 0.1 },
		"classification": func(c *models.Certificate) { c.Classification = models.ClassPass },
		"organization":   func(c *models.Certificate) { c.Organization = "Other" },
		"job":            func(c *models.Certificate) { c.JobID = "job-43" },
		"group order":    func(c *models.Certificate) { c.GroupMetrics[0], c.GroupMetrics[1] = c.GroupMetrics[1], c.GroupMetrics[0] },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := sampleCertificate()
			mutate(c)
			h, err := ContentHash(c)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestContentHashNilAndEmptyGroupsMatch(t *testing.T) {
	a := sampleCertificate()
	a.GroupMetrics = nil
	b := sampleCertificate()
	b.GroupMetrics = []models.GroupMetric{}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestNormalizeHash(t *testing.T) {
	digest := strings.Repeat("7f8e", 16)
	want := "0x" + digest

	assert.Equal(t, want, NormalizeHash("0X"+strings.ToUpper(digest)))
	assert.Equal(t, want, NormalizeHash("  "+want+"\n"))
	assert.Equal(t, want, NormalizeHash(digest))
	assert.Equal(t, "nothex", NormalizeHash(" NotHex "))
}

func TestSignAndVerifyEd25519(t *testing.T) {
	kp, _, err := GenerateKeyPair("ed25519")
	require.NoError(t, err)

	hash, err := ContentHash(sampleCertificate())
	require.NoError(t, err)
	digest, err := DigestBytes(hash)
	require.NoError(t, err)
	require.Len(t, digest, 32)

	sig, err := kp.Sign(digest)
	require.NoError(t, err)
	require.NoError(t, kp.Verify(digest, sig))

	digest[0] ^= 0xff
	assert.Error(t, kp.Verify(digest, sig))
}

func TestSignAndVerifyRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kp, err := NewKeyPair(priv)
	require.NoError(t, err)
	assert.Equal(t, "rsa", kp.KeyType)

	digest := make([]byte, 32)
	sig, err := kp.Sign(digest)
	require.NoError(t, err)
	assert.NoError(t, kp.Verify(digest, sig))
}

func TestVerifyRejectsForeignKeyAndGarbage(t *testing.T) {
	kp, _, err := GenerateKeyPair("ed25519")
	require.NoError(t, err)
	other, _, err := GenerateKeyPair("ed25519")
	require.NoError(t, err)

	digest := make([]byte, 32)
	sig, err := kp.Sign(digest)
	require.NoError(t, err)

	assert.Error(t, other.Verify(digest, sig))
	assert.Error(t, kp.Verify(digest, "!!not-base64!!"))
	assert.Error(t, kp.Verify(digest, "AAAA"))
}

func TestLoadOrGenerateKeyPairPersists(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "keys", "ca_key")
	pubPath := filepath.Join(dir, "keys", "ca_key.pub")

	first, err := LoadOrGenerateKeyPair(privPath, pubPath, "ed25519")
	require.NoError(t, err)

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	pub, err := os.ReadFile(pubPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pub), "ssh-ed25519 "))

	second, err := LoadOrGenerateKeyPair(privPath, pubPath, "ed25519")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	digest := make([]byte, 32)
	sig, err := second.Sign(digest)
	require.NoError(t, err)
	assert.NoError(t, first.Verify(digest, sig))
}

func TestKeyPairNeverSerialisesPrivateKey(t *testing.T) {
	kp, _, err := GenerateKeyPair("ed25519")
	require.NoError(t, err)

	out, err := json.Marshal(kp)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "PRIVATE")
	assert.Contains(t, string(out), kp.Fingerprint)
	assert.Contains(t, kp.String(), kp.Fingerprint)
}

func TestUnsupportedKeyType(t *testing.T) {
	_, _, err := GenerateKeyPair("dsa")
	assert.Error(t, err)
}
