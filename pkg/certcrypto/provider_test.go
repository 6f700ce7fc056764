package certcrypto

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/certtypes"
)

func TestGenerateKeyAlgorithms(t *testing.T) {
	tests := []struct {
		name        string
		algo        Algorithm
		bitsOrCurve int
		wantType    certtypes.KeyType
	}{
		{name: "rsa 2048", algo: AlgorithmRSA, bitsOrCurve: 2048, wantType: certtypes.KeyTypeRSA},
		{name: "ec p256", algo: AlgorithmEC, bitsOrCurve: 256, wantType: certtypes.KeyTypeEC},
		{name: "ed25519", algo: AlgorithmEd25519, wantType: certtypes.KeyTypeEd25519},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			keyPath := filepath.Join(dir, "key.pem")
			info, err := p.GenerateKey(context.Background(), keyPath, tt.algo, tt.bitsOrCurve, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, info.KeyType)
			assert.FileExists(t, keyPath)
		})
	}
}

func TestGenerateKeyRejectsUnsupportedAlgorithm(t *testing.T) {
	p := New()
	_, err := p.GenerateKey(context.Background(), filepath.Join(t.TempDir(), "key.pem"), Algorithm("dsa"), 0, "")
	require.Error(t, err)
	var cerr *certerrors.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, certerrors.BadInput, cerr.Kind)
}

func TestGenerateKeyRejectsUnsupportedCurveSize(t *testing.T) {
	p := New()
	_, err := p.GenerateKey(context.Background(), filepath.Join(t.TempDir(), "key.pem"), AlgorithmEC, 999, "")
	require.Error(t, err)
}

func TestSelfSignAndParseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	ctx := context.Background()

	p := New()
	_, err := p.GenerateKey(ctx, keyPath, AlgorithmEC, 256, "")
	require.NoError(t, err)

	parsed, err := p.SelfSign(ctx, keyPath, "", certPath, "CN=self.example.com", Extensions{
		Domains: []string{"self.example.com"},
	}, 90)
	require.NoError(t, err)
	assert.True(t, parsed.SelfSigned)
	assert.Equal(t, "self.example.com", parsed.CommonName)
	assert.Contains(t, parsed.SANs.Domains, "self.example.com")
	assert.NotEmpty(t, parsed.Fingerprint)

	reparsed, err := p.Parse(ctx, certPath)
	require.NoError(t, err)
	assert.Equal(t, parsed.Fingerprint, reparsed.Fingerprint)
	assert.Equal(t, parsed.SerialNumber, reparsed.SerialNumber)
}

func TestGenerateKeyWithPassphraseRequiresItToParseUsages(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	ctx := context.Background()

	p := New()
	_, err := p.GenerateKey(ctx, keyPath, AlgorithmEC, 256, "s3cret")
	require.NoError(t, err)

	encrypted, err := p.IsKeyEncrypted(keyPath)
	require.NoError(t, err)
	assert.True(t, encrypted)

	_, err = p.SelfSign(ctx, keyPath, "wrong-passphrase", certPath, "CN=self.example.com", Extensions{}, 90)
	require.Error(t, err)
	var cerr *certerrors.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, certerrors.WrongPassphrase, cerr.Kind)

	_, err = p.SelfSign(ctx, keyPath, "s3cret", certPath, "CN=self.example.com", Extensions{}, 90)
	require.NoError(t, err)
}

func TestCreateCSRAndSignCSR(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	p := New()

	caKeyPath := filepath.Join(dir, "ca-key.pem")
	caCertPath := filepath.Join(dir, "ca-cert.pem")
	_, err := p.GenerateKey(ctx, caKeyPath, AlgorithmEC, 256, "")
	require.NoError(t, err)
	_, err = p.SelfSign(ctx, caKeyPath, "", caCertPath, "CN=root-ca", Extensions{IsCA: true}, 3650)
	require.NoError(t, err)

	leafKeyPath := filepath.Join(dir, "leaf-key.pem")
	csrPath := filepath.Join(dir, "leaf.csr")
	leafCertPath := filepath.Join(dir, "leaf-cert.pem")
	_, err = p.GenerateKey(ctx, leafKeyPath, AlgorithmEC, 256, "")
	require.NoError(t, err)

	err = p.CreateCSR(ctx, leafKeyPath, "", csrPath, "CN=leaf.example.com", Extensions{
		Domains: []string{"leaf.example.com"},
	})
	require.NoError(t, err)
	assert.FileExists(t, csrPath)

	err = p.SignCSR(ctx, csrPath, caCertPath, caKeyPath, "", leafCertPath, Extensions{}, 90)
	require.NoError(t, err)

	parsed, err := p.Parse(ctx, leafCertPath)
	require.NoError(t, err)
	assert.False(t, parsed.SelfSigned)
	assert.Equal(t, "leaf.example.com", parsed.CommonName)
}

func TestRenewSelfSignedPreservesSubjectAndSANs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	p := New()

	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	renewedPath := filepath.Join(dir, "cert-renewed.pem")

	_, err := p.GenerateKey(ctx, keyPath, AlgorithmEC, 256, "")
	require.NoError(t, err)
	original, err := p.SelfSign(ctx, keyPath, "", certPath, "CN=renew.example.com", Extensions{
		Domains: []string{"renew.example.com"},
	}, 90)
	require.NoError(t, err)

	err = p.Renew(ctx, certPath, renewedPath, certPath, keyPath, "", 90)
	require.NoError(t, err)

	renewed, err := p.Parse(ctx, renewedPath)
	require.NoError(t, err)
	assert.Equal(t, original.Subject, renewed.Subject)
	assert.Equal(t, original.SANs.Domains, renewed.SANs.Domains)
	assert.NotEqual(t, original.SerialNumber, renewed.SerialNumber)
}

func TestParseRejectsMissingFile(t *testing.T) {
	p := New()
	_, err := p.Parse(context.Background(), filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
	var cerr *certerrors.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, certerrors.IOError, cerr.Kind)
}

func TestGenerateKeyRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New()
	_, err := p.GenerateKey(ctx, filepath.Join(t.TempDir(), "key.pem"), AlgorithmEC, 256, "")
	require.Error(t, err)
}
