package certtypes

import (
	"strings"
	"time"
)

// MergeStrategy controls how UpdateConfig reconciles a partial config with
// the certificate's existing config subtree.
type MergeStrategy int

const (
	// ReplaceAll overwrites every field present in the partial, regardless
	// of what is already set.
	ReplaceAll MergeStrategy = iota
	// KeepUserFields keeps the existing value wherever it is already
	// non-zero; only zero-valued fields are filled from the partial.
	KeepUserFields
	// KeepParsedFacts applies the partial unconditionally except for
	// fields that were derived from a certificate parse (CAFingerprint,
	// CAName) which are left untouched when already set. RefreshFromFile
	// does not go through UpdateConfig; it keeps the existing Config as is.
	KeepParsedFacts
)

// AddDomainResult reports the outcome of addDomain/addIp.
type AddDomainResult struct {
	Added  bool
	Reason string
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// AddDomain stages a DNS SAN into the idle set (or active set directly when
// idle is false). Comparison against existing entries is case-insensitive,
// matching DNS name semantics.
func (c *Certificate) AddDomain(d string, idle bool) AddDomainResult {
	if containsFold(c.SANs.Domains, d) || containsFold(c.SANs.IdleDomains, d) {
		return AddDomainResult{Added: false, Reason: "already present"}
	}
	if idle {
		c.SANs.IdleDomains = append(c.SANs.IdleDomains, d)
	} else {
		c.SANs.Domains = append(c.SANs.Domains, d)
	}
	return AddDomainResult{Added: true}
}

// AddIP stages an IP SAN into the idle set (or active set directly when idle
// is false). Comparison is a plain string compare, matching IP literal
// semantics (no case folding).
func (c *Certificate) AddIP(ip string, idle bool) AddDomainResult {
	if contains(c.SANs.IPs, ip) || contains(c.SANs.IdleIps, ip) {
		return AddDomainResult{Added: false, Reason: "already present"}
	}
	if idle {
		c.SANs.IdleIps = append(c.SANs.IdleIps, ip)
	} else {
		c.SANs.IPs = append(c.SANs.IPs, ip)
	}
	return AddDomainResult{Added: true}
}

func removeFold(list []string, v string) ([]string, bool) {
	for i, s := range list {
		if strings.EqualFold(s, v) {
			return append(append([]string(nil), list[:i]...), list[i+1:]...), true
		}
	}
	return list, false
}

func removePlain(list []string, v string) ([]string, bool) {
	for i, s := range list {
		if s == v {
			return append(append([]string(nil), list[:i]...), list[i+1:]...), true
		}
	}
	return list, false
}

// RemoveDomain removes a DNS SAN from the active set, or from the idle set
// when fromIdle is true.
func (c *Certificate) RemoveDomain(d string, fromIdle bool) bool {
	if fromIdle {
		updated, ok := removeFold(c.SANs.IdleDomains, d)
		c.SANs.IdleDomains = updated
		return ok
	}
	updated, ok := removeFold(c.SANs.Domains, d)
	c.SANs.Domains = updated
	return ok
}

// RemoveIP removes an IP SAN from the active set, or from the idle set when
// fromIdle is true.
func (c *Certificate) RemoveIP(ip string, fromIdle bool) bool {
	if fromIdle {
		updated, ok := removePlain(c.SANs.IdleIps, ip)
		c.SANs.IdleIps = updated
		return ok
	}
	updated, ok := removePlain(c.SANs.IPs, ip)
	c.SANs.IPs = updated
	return ok
}

// ApplyIdleSubjects merges the idle domain/IP sets into the active sets,
// deduplicating, then clears the idle sets. Returns whether anything
// changed; calling it again with empty idle sets is a no-op, satisfying the
// idempotence property required of renewal preparation.
func (c *Certificate) ApplyIdleSubjects() bool {
	hadChanges := false
	for _, d := range c.SANs.IdleDomains {
		if !containsFold(c.SANs.Domains, d) {
			c.SANs.Domains = append(c.SANs.Domains, d)
			hadChanges = true
		}
	}
	for _, ip := range c.SANs.IdleIps {
		if !contains(c.SANs.IPs, ip) {
			c.SANs.IPs = append(c.SANs.IPs, ip)
			hadChanges = true
		}
	}
	if len(c.SANs.IdleDomains) > 0 || len(c.SANs.IdleIps) > 0 {
		hadChanges = true
	}
	c.SANs.IdleDomains = nil
	c.SANs.IdleIps = nil
	return hadChanges
}

// UpdateConfig merges partial into the certificate's Config subtree
// according to strategy. The zero value of a field (bool false, 0, "", nil
// slice/map) is treated as "unset" for KeepUserFields/KeepParsedFacts
// purposes.
func (c *Certificate) UpdateConfig(partial Config, strategy MergeStrategy) {
	switch strategy {
	case ReplaceAll:
		c.Config = partial
	case KeepUserFields:
		mergeKeepExisting(&c.Config, partial)
	case KeepParsedFacts:
		caFingerprint, caName := c.Config.CAFingerprint, c.Config.CAName
		c.Config = partial
		if caFingerprint != "" {
			c.Config.CAFingerprint = caFingerprint
		}
		if caName != "" {
			c.Config.CAName = caName
		}
	}
}

func mergeKeepExisting(dst *Config, partial Config) {
	if !dst.AutoRenew {
		dst.AutoRenew = partial.AutoRenew
	}
	if dst.RenewDaysBeforeExpiry == 0 {
		dst.RenewDaysBeforeExpiry = partial.RenewDaysBeforeExpiry
	}
	if !dst.SignWithCA {
		dst.SignWithCA = partial.SignWithCA
	}
	if dst.CAFingerprint == "" {
		dst.CAFingerprint = partial.CAFingerprint
	}
	if dst.CAName == "" {
		dst.CAName = partial.CAName
	}
	if len(dst.DeployActions) == 0 {
		dst.DeployActions = partial.DeployActions
	}
	if dst.ValidityDays == 0 {
		dst.ValidityDays = partial.ValidityDays
	}
	if dst.KeyUsage == (KeyUsageConfig{}) {
		dst.KeyUsage = partial.KeyUsage
	}
	if len(dst.ExtendedKeyUsage) == 0 {
		dst.ExtendedKeyUsage = partial.ExtendedKeyUsage
	}
	if dst.Notifications == nil {
		dst.Notifications = partial.Notifications
	}
}

// RefreshFromFile overwrites parsed facts from a freshly parsed certificate
// while preserving the config subtree, deploy actions, snapshots, and
// identity-independent user metadata (name, description, tags, comment).
// The caller is responsible for invoking CryptoProvider.Parse and handing the
// result in; see pkg/lifecycle for the orchestration.
func (c *Certificate) RefreshFromFile(parsed *ParsedCertificate) {
	preservedName := c.Name
	preservedDescription := c.Description
	preservedComment := c.Comment
	preservedTags := c.Tags
	preservedGroup := c.Group
	preservedConfig := c.Config
	preservedDeployActions := c.Config.DeployActions
	preservedSnapshots := c.Snapshots
	preservedPaths := c.Paths
	preservedMetadata := c.Metadata

	c.Fingerprint = parsed.Fingerprint
	c.Subject = parsed.Subject
	c.Issuer = parsed.Issuer
	c.CommonName = parsed.CommonName
	c.IssuerCN = parsed.IssuerCN
	c.SerialNumber = parsed.SerialNumber
	c.ValidFrom = parsed.ValidFrom
	c.ValidTo = parsed.ValidTo
	c.KeyType = parsed.KeyType
	c.KeySize = parsed.KeySize
	c.SignatureAlgorithm = parsed.SignatureAlgorithm
	c.SubjectKeyIdentifier = parsed.SubjectKeyIdentifier
	c.AuthorityKeyIdentifier = parsed.AuthorityKeyIdentifier
	c.SelfSigned = parsed.SelfSigned
	c.IsCA = parsed.IsCA
	c.IsRootCA = parsed.IsRootCA
	c.PathLenConstraint = parsed.PathLenConstraint
	c.SANs.Domains = parsed.SANs.Domains
	c.SANs.IPs = parsed.SANs.IPs

	c.Name = preservedName
	c.Description = preservedDescription
	c.Comment = preservedComment
	c.Tags = preservedTags
	c.Group = preservedGroup
	c.Config = preservedConfig
	c.Config.DeployActions = preservedDeployActions
	c.Snapshots = preservedSnapshots
	c.Paths = preservedPaths
	c.Metadata = preservedMetadata
}

// ParsedCertificate is the result of CryptoProvider.Parse, defined here to
// avoid an import cycle between certtypes and certcrypto.
type ParsedCertificate struct {
	Fingerprint            string
	Subject                string
	Issuer                 string
	CommonName             string
	IssuerCN               string
	SerialNumber           string
	ValidFrom              time.Time
	ValidTo                time.Time
	KeyType                KeyType
	KeySize                int
	SignatureAlgorithm     string
	SubjectKeyIdentifier   string
	AuthorityKeyIdentifier string
	SelfSigned             bool
	IsCA                   bool
	IsRootCA               bool
	PathLenConstraint      *int
	SANs                   SANs
}
