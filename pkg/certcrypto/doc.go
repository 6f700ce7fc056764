/*
Package certcrypto implements the CryptoProvider contract against Go's
standard crypto/x509 stack: RSA, ECDSA (P-256/P-384/P-521) and Ed25519 key
generation, CSR creation, self-signing, CA-signing, renewal, and parsing.

Private keys are stored as a single PEM block, PKCS#8-encoded and
optionally AES-256-GCM-encrypted under a PBKDF2-derived key (salt, nonce
and iteration count travel as PEM headers). Certificates and CSRs are
DER-in-PEM. Every on-disk write goes through writeFileAtomic: stage to a
sibling .tmp file, then rename.

Subject Key Identifiers are computed per RFC 5280 method 1 (SHA-1 over the
DER-encoded public key). Fingerprints are SHA-256 over the full DER
encoding of the certificate, rendered as lowercase hex with no separators,
the canonical form the rest of the engine keys its registry on.
*/
package certcrypto
