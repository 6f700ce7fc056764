package certcrypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"

	"github.com/cuemby/certd/pkg/certtypes"
)

// Parse reads the certificate at certPath and extracts the full set of
// parsed facts the registry needs.
func (p *provider) Parse(ctx context.Context, certPath string) (*certtypes.ParsedCertificate, error) {
	ctx, cancel := context.WithTimeout(ctx, ParseTimeout)
	defer cancel()
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, ioErr("read certificate", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, cryptoErr("failed to decode certificate PEM in "+certPath, nil)
	}
	return parseDER(block.Bytes)
}

func parseDER(der []byte) (*certtypes.ParsedCertificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, cryptoErr("parse certificate", err)
	}

	sum := sha256.Sum256(cert.Raw)
	fingerprint := hex.EncodeToString(sum[:])

	subject := FormatDN(cert.Subject)
	issuer := FormatDN(cert.Issuer)

	keyType, keySize, sigAlg := describeKey(cert)

	var domains []string
	var ips []string
	domains = append(domains, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}

	var pathLen *int
	if cert.IsCA && (cert.MaxPathLen > 0 || cert.MaxPathLenZero) {
		v := cert.MaxPathLen
		pathLen = &v
	}

	isRootCA := cert.IsCA && subject == issuer

	return &certtypes.ParsedCertificate{
		Fingerprint:            fingerprint,
		Subject:                subject,
		Issuer:                 issuer,
		CommonName:             cert.Subject.CommonName,
		IssuerCN:               cert.Issuer.CommonName,
		SerialNumber:           hex.EncodeToString(cert.SerialNumber.Bytes()),
		ValidFrom:              cert.NotBefore.UTC(),
		ValidTo:                cert.NotAfter.UTC(),
		KeyType:                keyType,
		KeySize:                keySize,
		SignatureAlgorithm:     sigAlg,
		SubjectKeyIdentifier:   hex.EncodeToString(cert.SubjectKeyId),
		AuthorityKeyIdentifier: hex.EncodeToString(cert.AuthorityKeyId),
		SelfSigned:             subject == issuer,
		IsCA:                   cert.IsCA,
		IsRootCA:               isRootCA,
		PathLenConstraint:      pathLen,
		SANs: certtypes.SANs{
			Domains: domains,
			IPs:     ips,
		},
	}, nil
}

func describeKey(cert *x509.Certificate) (certtypes.KeyType, int, string) {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return certtypes.KeyTypeRSA, pub.N.BitLen(), cert.SignatureAlgorithm.String()
	case *ecdsa.PublicKey:
		return certtypes.KeyTypeEC, pub.Curve.Params().BitSize, cert.SignatureAlgorithm.String()
	case ed25519.PublicKey:
		return certtypes.KeyTypeEd25519, 0, cert.SignatureAlgorithm.String()
	default:
		return "", 0, cert.SignatureAlgorithm.String()
	}
}
