package certcrypto

import (
	"context"
	"time"

	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/certtypes"
)

// Algorithm identifies a key algorithm accepted by GenerateKey.
type Algorithm string

const (
	AlgorithmRSA     Algorithm = "rsa"
	AlgorithmEC      Algorithm = "ec"
	AlgorithmEd25519 Algorithm = "ed25519"
)

// KeyInfo reports what GenerateKey produced.
type KeyInfo struct {
	KeyType certtypes.KeyType
	KeySize int // bits for RSA, curve size for EC, 0 for Ed25519
	Curve   string
}

// Extensions carries the SAN and key-usage facts baked into a CSR or
// certificate at signing time.
type Extensions struct {
	Domains           []string
	IPs               []string
	KeyUsage          certtypes.KeyUsageConfig
	ExtendedKeyUsage  []string
	IsCA              bool
	PathLenConstraint *int
}

// Provider is the engine's crypto contract: everything the registry and
// lifecycle pipeline need from the X.509 layer.
type Provider interface {
	GenerateKey(ctx context.Context, keyPath string, algo Algorithm, bitsOrCurve int, passphrase string) (*KeyInfo, error)
	CreateCSR(ctx context.Context, keyPath, passphrase, csrPath, subjectDN string, ext Extensions) error
	SelfSign(ctx context.Context, keyPath, passphrase, certPath, subjectDN string, ext Extensions, validityDays int) (*certtypes.ParsedCertificate, error)
	SignCSR(ctx context.Context, csrPath, caCertPath, caKeyPath, caPassphrase, certPath string, ext Extensions, validityDays int) error
	Renew(ctx context.Context, existingCertPath, newCertPath, issuerCertPath, issuerKeyPath, issuerPassphrase string, validityDays int) error
	Parse(ctx context.Context, certPath string) (*certtypes.ParsedCertificate, error)
	IsKeyEncrypted(keyPath string) (bool, error)
}

// Default per-operation time budgets.
const (
	ParseTimeout = 10 * time.Second
	SignTimeout  = 60 * time.Second
)

// maxConcurrentOps bounds the number of blocking key/signing operations
// in flight at once, so a burst of renewal requests cannot exhaust the
// runtime's thread pool on RSA keygen.
const maxConcurrentOps = 32

type provider struct {
	sem chan struct{}
}

// New returns the stdlib-crypto-backed Provider implementation.
func New() Provider { return &provider{sem: make(chan struct{}, maxConcurrentOps)} }

// acquire blocks until an operation slot is free or ctx is done. The
// returned release must be called exactly once when release is non-nil.
func (p *provider) acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func badInput(msg string) error { return certerrors.New(certerrors.BadInput, msg) }

func cryptoErr(msg string, cause error) error {
	return certerrors.Wrap(certerrors.CryptoError, msg, cause)
}

func ioErr(msg string, cause error) error {
	return certerrors.Wrap(certerrors.IOError, msg, cause)
}
