package certcrypto

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"time"

	"github.com/cuemby/certd/pkg/certtypes"
)

func keyUsageOf(ext Extensions) x509.KeyUsage {
	var ku x509.KeyUsage
	if ext.KeyUsage.DigitalSignature {
		ku |= x509.KeyUsageDigitalSignature
	}
	if ext.KeyUsage.KeyEncipherment {
		ku |= x509.KeyUsageKeyEncipherment
	}
	if ext.KeyUsage.CertSign {
		ku |= x509.KeyUsageCertSign
	}
	if ext.KeyUsage.CRLSign {
		ku |= x509.KeyUsageCRLSign
	}
	if ku == 0 {
		ku = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	}
	return ku
}

func extKeyUsageOf(names []string) []x509.ExtKeyUsage {
	var out []x509.ExtKeyUsage
	for _, n := range names {
		switch n {
		case "serverAuth":
			out = append(out, x509.ExtKeyUsageServerAuth)
		case "clientAuth":
			out = append(out, x509.ExtKeyUsageClientAuth)
		case "codeSigning":
			out = append(out, x509.ExtKeyUsageCodeSigning)
		case "emailProtection":
			out = append(out, x509.ExtKeyUsageEmailProtection)
		}
	}
	return out
}

func newSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, cryptoErr("generate serial number", err)
	}
	return n, nil
}

// SelfSign creates a self-signed certificate from the key at keyPath and
// writes it to certPath.
func (p *provider) SelfSign(ctx context.Context, keyPath, passphrase, certPath, subjectDN string, ext Extensions, validityDays int) (*certtypes.ParsedCertificate, error) {
	ctx, cancel := context.WithTimeout(ctx, SignTimeout)
	defer cancel()
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	subject, err := ParseDN(subjectDN)
	if err != nil {
		return nil, err
	}
	priv, err := loadPrivateKey(keyPath, passphrase)
	if err != nil {
		return nil, err
	}
	pub := publicKeyOf(priv)
	ski, err := computeSKI(pub)
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	dnsNames, ips := sanNames(ext)
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(time.Duration(validityDays) * 24 * time.Hour),
		KeyUsage:              keyUsageOf(ext),
		ExtKeyUsage:           extKeyUsageOf(ext.ExtendedKeyUsage),
		BasicConstraintsValid: true,
		IsCA:                  ext.IsCA,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ski,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}
	if ext.PathLenConstraint != nil {
		template.MaxPathLen = *ext.PathLenConstraint
		template.MaxPathLenZero = *ext.PathLenConstraint == 0
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, cryptoErr("create self-signed certificate", err)
	}
	if err := writeFileAtomic(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return nil, err
	}
	return parseDER(der)
}

// SignCSR validates the CSR at csrPath and issues a certificate signed by
// the CA at caCertPath/caKeyPath, writing the result to certPath.
func (p *provider) SignCSR(ctx context.Context, csrPath, caCertPath, caKeyPath, caPassphrase, certPath string, ext Extensions, validityDays int) error {
	ctx, cancel := context.WithTimeout(ctx, SignTimeout)
	defer cancel()
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	csrPEM, err := os.ReadFile(csrPath)
	if err != nil {
		return ioErr("read CSR", err)
	}
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return badInput("failed to decode CSR PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return badInput("failed to parse CSR: " + err.Error())
	}
	if err := csr.CheckSignature(); err != nil {
		return badInput("CSR signature verification failed")
	}

	caCert, err := loadCertificate(caCertPath)
	if err != nil {
		return err
	}
	caKey, err := loadPrivateKey(caKeyPath, caPassphrase)
	if err != nil {
		return err
	}
	subjectSKI, err := computeSKI(csr.PublicKey)
	if err != nil {
		return err
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.Add(time.Duration(validityDays) * 24 * time.Hour),
		KeyUsage:              keyUsageOf(ext),
		ExtKeyUsage:           extKeyUsageOf(ext.ExtendedKeyUsage),
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          subjectSKI,
		AuthorityKeyId:        caCert.SubjectKeyId,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return cryptoErr("sign CSR", err)
	}
	return writeFileAtomic(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}

// Renew issues a fresh certificate reusing the existing certificate's
// subject, SANs and key (preserving identity where possible) and signs it
// with issuerCertPath/issuerKeyPath, which may be the certificate's own
// prior cert/key for a self-signed renewal, or a separate CA for a
// CA-signed one.
func (p *provider) Renew(ctx context.Context, existingCertPath, newCertPath, issuerCertPath, issuerKeyPath, issuerPassphrase string, validityDays int) error {
	ctx, cancel := context.WithTimeout(ctx, SignTimeout)
	defer cancel()
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	existing, err := loadCertificate(existingCertPath)
	if err != nil {
		return err
	}
	issuerCert, err := loadCertificate(issuerCertPath)
	if err != nil {
		return err
	}
	issuerKey, err := loadPrivateKey(issuerKeyPath, issuerPassphrase)
	if err != nil {
		return err
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	selfSigned := issuerCertPath == existingCertPath
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               existing.Subject,
		NotBefore:             now,
		NotAfter:              now.Add(time.Duration(validityDays) * 24 * time.Hour),
		KeyUsage:              existing.KeyUsage,
		ExtKeyUsage:           existing.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  existing.IsCA,
		SubjectKeyId:          existing.SubjectKeyId,
		AuthorityKeyId:        issuerCert.SubjectKeyId,
		DNSNames:              existing.DNSNames,
		IPAddresses:           existing.IPAddresses,
		MaxPathLen:            existing.MaxPathLen,
		MaxPathLenZero:        existing.MaxPathLenZero,
	}
	if selfSigned {
		template.AuthorityKeyId = existing.SubjectKeyId
	}
	der, err := x509.CreateCertificate(rand.Reader, template, issuerCert, existing.PublicKey, issuerKey)
	if err != nil {
		return cryptoErr("renew certificate", err)
	}
	return writeFileAtomic(newCertPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr("read certificate", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, cryptoErr("failed to decode certificate PEM in "+path, nil)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, cryptoErr("parse certificate", err)
	}
	return cert, nil
}
