// Package caresolver binds every non-self-signed, non-root certificate in
// a set to its issuing CA: an authority-key-identifier match against each
// candidate CA's subject key identifier wins outright, a normalized
// issuer-DN match is the fallback, and a certificate whose issuer resolves
// to neither is flagged with a warning and has signWithCA cleared.
package caresolver

import (
	"fmt"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certtypes"
)

// Warning reports a certificate whose issuer could not be resolved.
type Warning struct {
	Fingerprint string
	AKI         string
	IssuerDN    string
}

func (w Warning) String() string {
	return fmt.Sprintf("certificate %s: no CA found for AKI=%q issuer=%q", w.Fingerprint, w.AKI, w.IssuerDN)
}

// ResolveAll runs the resolution procedure over every certificate in
// certs, mutating CAFingerprint/CAName/SignWithCA in place. Returns the
// fingerprints whose config actually changed (so callers know whether a
// persist is warranted) and any unresolved-issuer warnings.
func ResolveAll(certs map[string]*certtypes.Certificate) (changed []string, warnings []Warning) {
	for fp, cert := range certs {
		before := cert.Config.CAFingerprint
		beforeName := cert.Config.CAName
		beforeSign := cert.Config.SignWithCA

		if cert.SelfSigned || cert.IsRootCA {
			cert.Config.SignWithCA = false
			cert.Config.CAFingerprint = ""
			cert.Config.CAName = ""
		} else {
			resolveOne(cert, certs, &warnings)
		}

		if cert.Config.CAFingerprint != before || cert.Config.CAName != beforeName || cert.Config.SignWithCA != beforeSign {
			changed = append(changed, fp)
		}
	}
	return changed, warnings
}

func resolveOne(cert *certtypes.Certificate, certs map[string]*certtypes.Certificate, warnings *[]Warning) {
	// Primary: AKI against every candidate CA's SKI. Unique match wins.
	if cert.AuthorityKeyIdentifier != "" {
		var match *certtypes.Certificate
		ambiguous := false
		for _, candidate := range certs {
			if !candidate.IsCA || candidate.SubjectKeyIdentifier == "" {
				continue
			}
			if candidate.SubjectKeyIdentifier == cert.AuthorityKeyIdentifier {
				if match != nil && match.Fingerprint != candidate.Fingerprint {
					ambiguous = true
					break
				}
				match = candidate
			}
		}
		if match != nil && !ambiguous {
			setResolved(cert, match)
			return
		}
	}

	// Fallback: normalized issuer DN against every candidate CA's
	// normalized subject DN.
	normalizedIssuer := certcrypto.NormalizeDN(cert.Issuer)
	for _, candidate := range certs {
		if !candidate.IsCA {
			continue
		}
		if certcrypto.NormalizeDN(candidate.Subject) == normalizedIssuer {
			setResolved(cert, candidate)
			return
		}
	}

	cert.Config.CAFingerprint = ""
	cert.Config.CAName = ""
	cert.Config.SignWithCA = false
	*warnings = append(*warnings, Warning{
		Fingerprint: cert.Fingerprint,
		AKI:         cert.AuthorityKeyIdentifier,
		IssuerDN:    cert.Issuer,
	})
}

func setResolved(cert, ca *certtypes.Certificate) {
	cert.Config.CAFingerprint = ca.Fingerprint
	cert.Config.CAName = ca.Name
	cert.Config.SignWithCA = true
}
