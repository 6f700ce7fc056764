package certcrypto

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net"
)

func sanNames(ext Extensions) (dnsNames []string, ips []net.IP) {
	dnsNames = ext.Domains
	for _, s := range ext.IPs {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return dnsNames, ips
}

// CreateCSR generates a PKCS#10 certificate signing request against the
// private key at keyPath, writing the PEM-encoded CSR to csrPath.
func (p *provider) CreateCSR(ctx context.Context, keyPath, passphrase, csrPath, subjectDN string, ext Extensions) error {
	ctx, cancel := context.WithTimeout(ctx, SignTimeout)
	defer cancel()
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	subject, err := ParseDN(subjectDN)
	if err != nil {
		return err
	}
	priv, err := loadPrivateKey(keyPath, passphrase)
	if err != nil {
		return err
	}
	dnsNames, ips := sanNames(ext)
	template := &x509.CertificateRequest{
		Subject:     subject,
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, priv)
	if err != nil {
		return cryptoErr("create CSR", err)
	}
	block := &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}
	return writeFileAtomic(csrPath, pem.EncodeToMemory(block), 0o644)
}
