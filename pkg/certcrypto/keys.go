package certcrypto

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"github.com/cuemby/certd/pkg/certtypes"
)

const (
	pemTypePrivateKey          = "PRIVATE KEY"
	pemTypeEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"

	pbkdf2Iterations = 200_000
	saltSize         = 16
	derivedKeySize   = 32 // AES-256
)

// GenerateKey creates a new private key of the requested algorithm and
// writes it to keyPath, PEM-encoded and optionally passphrase-encrypted.
// bitsOrCurve is the RSA modulus size in bits, or the EC curve bit size
// (256, 384, 521); it is ignored for Ed25519.
func (p *provider) GenerateKey(ctx context.Context, keyPath string, algo Algorithm, bitsOrCurve int, passphrase string) (*KeyInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, SignTimeout)
	defer cancel()
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	priv, info, err := generateKeyPair(algo, bitsOrCurve)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, cryptoErr("marshal private key", err)
	}
	block, err := encodeKeyPEM(der, passphrase)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	return info, nil
}

func generateKeyPair(algo Algorithm, bitsOrCurve int) (crypto.Signer, *KeyInfo, error) {
	switch algo {
	case AlgorithmRSA:
		if bitsOrCurve == 0 {
			bitsOrCurve = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, bitsOrCurve)
		if err != nil {
			return nil, nil, cryptoErr("generate RSA key", err)
		}
		return key, &KeyInfo{KeyType: certtypes.KeyTypeRSA, KeySize: bitsOrCurve}, nil
	case AlgorithmEC:
		curve, curveName, err := ecCurveFor(bitsOrCurve)
		if err != nil {
			return nil, nil, err
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, cryptoErr("generate EC key", err)
		}
		return key, &KeyInfo{KeyType: certtypes.KeyTypeEC, KeySize: curve.Params().BitSize, Curve: curveName}, nil
	case AlgorithmEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, cryptoErr("generate Ed25519 key", err)
		}
		return key, &KeyInfo{KeyType: certtypes.KeyTypeEd25519}, nil
	default:
		return nil, nil, badInput(fmt.Sprintf("unsupported key algorithm %q", algo))
	}
}

func ecCurveFor(bits int) (elliptic.Curve, string, error) {
	switch bits {
	case 0, 256:
		return elliptic.P256(), "P-256", nil
	case 384:
		return elliptic.P384(), "P-384", nil
	case 521:
		return elliptic.P521(), "P-521", nil
	default:
		return nil, "", badInput(fmt.Sprintf("unsupported EC curve size %d", bits))
	}
}

// encodeKeyPEM wraps der in a PEM block, AES-256-GCM-encrypting it under a
// PBKDF2-derived key when passphrase is non-empty. Salt, iteration count and
// nonce travel as PEM headers (base64) rather than a proprietary container
// format, so the encrypted key file is still a single portable PEM block.
func encodeKeyPEM(der []byte, passphrase string) (*pem.Block, error) {
	if passphrase == "" {
		return &pem.Block{Type: pemTypePrivateKey, Bytes: der}, nil
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, cryptoErr("generate salt", err)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, derivedKeySize, sha1.New)
	gcmBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, cryptoErr("create cipher", err)
	}
	gcm, err := cipher.NewGCM(gcmBlock)
	if err != nil {
		return nil, cryptoErr("create GCM", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, cryptoErr("generate nonce", err)
	}
	ciphertext := gcm.Seal(nil, nonce, der, nil)
	return &pem.Block{
		Type: pemTypeEncryptedPrivateKey,
		Headers: map[string]string{
			"Salt":       base64.StdEncoding.EncodeToString(salt),
			"Nonce":      base64.StdEncoding.EncodeToString(nonce),
			"Iterations": strconv.Itoa(pbkdf2Iterations),
		},
		Bytes: ciphertext,
	}, nil
}

func decodeKeyPEM(block *pem.Block, passphrase string) (crypto.PrivateKey, error) {
	if block.Type == pemTypePrivateKey {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, cryptoErr("parse private key", err)
		}
		return key, nil
	}
	if block.Type != pemTypeEncryptedPrivateKey {
		return nil, cryptoErr("unrecognized PEM block type "+block.Type, nil)
	}
	if passphrase == "" {
		return nil, certErrWrongPassphrase("passphrase required")
	}
	salt, err := base64.StdEncoding.DecodeString(block.Headers["Salt"])
	if err != nil {
		return nil, cryptoErr("decode salt", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(block.Headers["Nonce"])
	if err != nil {
		return nil, cryptoErr("decode nonce", err)
	}
	iterations, err := strconv.Atoi(block.Headers["Iterations"])
	if err != nil || iterations <= 0 {
		iterations = pbkdf2Iterations
	}
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, derivedKeySize, sha1.New)
	gcmBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, cryptoErr("create cipher", err)
	}
	gcm, err := cipher.NewGCM(gcmBlock)
	if err != nil {
		return nil, cryptoErr("create GCM", err)
	}
	der, err := gcm.Open(nil, nonce, block.Bytes, nil)
	if err != nil {
		return nil, certErrWrongPassphrase("incorrect passphrase")
	}
	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, cryptoErr("parse decrypted private key", err)
	}
	return priv, nil
}

// loadPrivateKey reads and decodes the private key at keyPath.
func loadPrivateKey(keyPath, passphrase string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, ioErr("read private key", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, cryptoErr("failed to decode PEM block in "+keyPath, nil)
	}
	return decodeKeyPEM(block, passphrase)
}

// IsKeyEncrypted reports whether the key at keyPath is passphrase-protected,
// without attempting to decrypt it.
func (p *provider) IsKeyEncrypted(keyPath string) (bool, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return false, ioErr("read private key", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false, cryptoErr("failed to decode PEM block in "+keyPath, nil)
	}
	return block.Type == pemTypeEncryptedPrivateKey, nil
}

func publicKeyOf(priv crypto.PrivateKey) crypto.PublicKey {
	if signer, ok := priv.(crypto.Signer); ok {
		return signer.Public()
	}
	return nil
}

// computeSKI computes the Subject Key Identifier as the SHA-1 hash of the
// DER-encoded public key, RFC 5280 method 1.
func computeSKI(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, cryptoErr("marshal public key", err)
	}
	sum := sha1Sum(der)
	return sum, nil
}

func sha1Sum(b []byte) []byte {
	h := sha1.Sum(b)
	return h[:]
}
