package registry

import "strings"

// NormalizeFingerprint canonicalizes a fingerprint the way every accessor
// must before using it as a map key: lowercase hex, no "SHA256
// FINGERPRINT=" or "sha256:" prefixes, no colon or space separators. The
// engine only ever stores and compares this canonical form.
func NormalizeFingerprint(fp string) string {
	s := strings.TrimSpace(fp)
	s = strings.TrimPrefix(s, "SHA256 FINGERPRINT=")
	s = strings.TrimPrefix(s, "SHA256 Fingerprint=")
	s = strings.TrimPrefix(s, "sha256:")
	s = strings.TrimPrefix(s, "SHA256:")
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, " ", "")
	return strings.ToLower(s)
}
