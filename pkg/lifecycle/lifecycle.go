// Package lifecycle orchestrates certificate creation, renewal and
// snapshot restoration: the operations that actually mutate a
// certificate's files, wiring together the registry, the crypto provider,
// the snapshot store, the passphrase vault and the deploy dispatcher.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/certevents"
	metrics "github.com/cuemby/certd/pkg/certmetrics"
	"github.com/cuemby/certd/pkg/certtypes"
	"github.com/cuemby/certd/pkg/deploy"
	"github.com/cuemby/certd/pkg/registry"
	"github.com/cuemby/certd/pkg/snapshot"
)

// Vault is the subset of certvault.Vault the pipeline needs.
type Vault interface {
	Store(fp, passphrase string) error
	Get(fp string) (string, bool, error)
}

// NewOptions describes a brand-new certificate, supplied when key does not
// resolve to an existing entity.
type NewOptions struct {
	Name              string
	CommonName        string
	Domains           []string
	IPs               []string
	Algorithm         certcrypto.Algorithm
	BitsOrCurve       int
	KeyUsage          certtypes.KeyUsageConfig
	ExtendedKeyUsage  []string
	IsCA              bool
	PathLenConstraint *int
}

// Options controls a single CreateOrRenew call.
type Options struct {
	New          NewOptions
	Config       certtypes.Config
	Passphrase   string
	ValidityDays int   // 0 falls back to the certificate's configured validity
	Deploy       *bool // nil/true dispatch deploy actions when present; false skips
	TakeSnapshot *bool // nil/true take a pre-renewal snapshot; ignored on creation

	// RegenerateSubjects reissues the certificate from the entity's
	// current SAN lists instead of copying the SANs baked into the
	// on-disk certificate. Set by ApplyIdleSubjectsAndRenew so freshly
	// merged idle subjects actually reach the new certificate.
	RegenerateSubjects bool
}

func (o Options) shouldDeploy() bool {
	return o.Deploy == nil || *o.Deploy
}

func (o Options) shouldSnapshot() bool {
	return o.TakeSnapshot == nil || *o.TakeSnapshot
}

// Result is what createOrRenew/restoreFromSnapshot/applyIdleSubjectsAndRenew
// return.
type Result struct {
	Success      bool
	IsRenewal    bool
	Certificate  registry.View
	DeployResult *deploy.Report
}

// Pipeline wires the collaborators a createOrRenew/restoreFromSnapshot call
// needs.
type Pipeline struct {
	reg       *registry.Registry
	crypto    certcrypto.Provider
	snapshots *snapshot.Store
	vault     Vault
	deployer  *deploy.Dispatcher
	certsDir  string
	logger    zerolog.Logger
}

// Config configures a new Pipeline.
type Config struct {
	Registry  *registry.Registry
	Crypto    certcrypto.Provider
	Snapshots *snapshot.Store
	Vault     Vault
	Deployer  *deploy.Dispatcher
	CertsDir  string
	Logger    zerolog.Logger
}

// New returns a Pipeline wired against cfg's collaborators.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		reg:       cfg.Registry,
		crypto:    cfg.Crypto,
		snapshots: cfg.Snapshots,
		vault:     cfg.Vault,
		deployer:  cfg.Deployer,
		certsDir:  cfg.CertsDir,
		logger:    cfg.Logger,
	}
}

// CreateOrRenew looks up key as a fingerprint then a name; it renews in
// place if found, otherwise creates a new certificate. The whole operation
// is serialized per-fingerprint so two concurrent requests for the same
// certificate never interleave their file writes.
func (p *Pipeline) CreateOrRenew(ctx context.Context, key string, opts Options) (*Result, error) {
	timer := metrics.NewTimer()
	cert, found := p.reg.Get(key)
	if !found {
		cert, found = p.reg.GetByName(key)
	}
	isRenewal := found

	// Lock on the resolved fingerprint so a rename-style key (name vs
	// fingerprint) still serializes against other writers of the same
	// certificate, then re-read under the lock.
	lockKey := key
	if found {
		lockKey = cert.Fingerprint
	}
	unlock := p.reg.LockFingerprint(lockKey)
	defer unlock()
	if found {
		if fresh, ok := p.reg.Get(cert.Fingerprint); ok {
			cert = fresh
		}
	}

	var certPath string
	var err error
	if isRenewal {
		certPath, err = p.renewExisting(ctx, cert, opts)
	} else {
		cert, certPath, err = p.createNew(ctx, opts)
	}
	if err != nil {
		metrics.RenewalsTotal.WithLabelValues("error").Inc()
		if isRenewal {
			cert.LastRenewalError = err.Error()
			p.reg.Insert(cert)
		}
		return nil, err
	}

	result, err := p.finish(ctx, cert, certPath, isRenewal, opts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RenewalsTotal.WithLabelValues(status).Inc()
	timer.ObserveDuration(metrics.RenewalDuration)
	return result, err
}

func (p *Pipeline) renewExisting(ctx context.Context, cert *certtypes.Certificate, opts Options) (string, error) {
	if opts.shouldSnapshot() {
		if _, err := p.snapshots.CreateSnapshot(cert, certtypes.SnapshotVersion, certtypes.TriggerPreRenewal, ""); err != nil {
			return "", err
		}
	}

	certPath := cert.Paths["crt"]
	keyPath := cert.Paths["key"]
	validityDays := effectiveValidityDays(cert, opts)

	if opts.RegenerateSubjects {
		return certPath, p.reissueWithEntitySubjects(ctx, cert, certPath, keyPath, validityDays, opts)
	}

	if cert.Config.SignWithCA {
		ca, ok := p.reg.Get(cert.Config.CAFingerprint)
		if !ok {
			return "", certerrors.New(certerrors.NotFound, "signing CA "+cert.Config.CAFingerprint+" not found")
		}
		caPassphrase := opts.Passphrase
		if caPassphrase == "" && p.vault != nil {
			caPassphrase, _, _ = p.vault.Get(ca.Fingerprint)
		}
		if err := p.crypto.Renew(ctx, certPath, certPath, ca.Paths["crt"], ca.Paths["key"], caPassphrase, validityDays); err != nil {
			return "", err
		}
		return certPath, nil
	}

	selfPassphrase := opts.Passphrase
	if selfPassphrase == "" && p.vault != nil {
		selfPassphrase, _, _ = p.vault.Get(cert.Fingerprint)
	}
	if err := p.crypto.Renew(ctx, certPath, certPath, certPath, keyPath, selfPassphrase, validityDays); err != nil {
		return "", err
	}
	return certPath, nil
}

// reissueWithEntitySubjects rebuilds the certificate from its existing key
// and the entity's current SAN lists rather than the SANs baked into the
// on-disk file, so subjects staged on the entity (apply-idle) take effect.
func (p *Pipeline) reissueWithEntitySubjects(ctx context.Context, cert *certtypes.Certificate, certPath, keyPath string, validityDays int, opts Options) error {
	ext := certcrypto.Extensions{
		Domains:           cert.SANs.Domains,
		IPs:               cert.SANs.IPs,
		KeyUsage:          cert.Config.KeyUsage,
		ExtendedKeyUsage:  cert.Config.ExtendedKeyUsage,
		IsCA:              cert.IsCA,
		PathLenConstraint: cert.PathLenConstraint,
	}
	keyPassphrase := opts.Passphrase
	if keyPassphrase == "" && p.vault != nil {
		keyPassphrase, _, _ = p.vault.Get(cert.Fingerprint)
	}

	if cert.Config.SignWithCA {
		ca, ok := p.reg.Get(cert.Config.CAFingerprint)
		if !ok {
			return certerrors.New(certerrors.NotFound, "signing CA "+cert.Config.CAFingerprint+" not found")
		}
		csrPath := cert.Paths["csr"]
		if csrPath == "" {
			csrPath = strings.TrimSuffix(certPath, filepath.Ext(certPath)) + ".csr"
			cert.Paths["csr"] = csrPath
		}
		if err := p.crypto.CreateCSR(ctx, keyPath, keyPassphrase, csrPath, cert.Subject, ext); err != nil {
			return err
		}
		caPassphrase := ""
		if p.vault != nil {
			caPassphrase, _, _ = p.vault.Get(ca.Fingerprint)
		}
		return p.crypto.SignCSR(ctx, csrPath, ca.Paths["crt"], ca.Paths["key"], caPassphrase, certPath, ext, validityDays)
	}

	_, err := p.crypto.SelfSign(ctx, keyPath, keyPassphrase, certPath, cert.Subject, ext, validityDays)
	return err
}

// effectiveValidityDays resolves the validity of a renewed certificate:
// the caller's explicit override, then the certificate's configured
// validity, then one year for discovered certificates that never had a
// validityDays configured.
func effectiveValidityDays(cert *certtypes.Certificate, opts Options) int {
	if opts.ValidityDays > 0 {
		return opts.ValidityDays
	}
	if cert.Config.ValidityDays > 0 {
		return cert.Config.ValidityDays
	}
	return 365
}

func (p *Pipeline) createNew(ctx context.Context, opts Options) (*certtypes.Certificate, string, error) {
	n := opts.New
	if n.Name == "" {
		return nil, "", certerrors.New(certerrors.BadInput, "new certificate requires a name")
	}
	dir := filepath.Join(p.certsDir, snapshot.Sanitize(n.Name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", certerrors.Wrap(certerrors.IOError, "create certificate directory", err)
	}

	cert := &certtypes.Certificate{
		Name:   n.Name,
		Config: opts.Config,
		Paths:  certtypes.Paths{},
	}
	validityDays := effectiveValidityDays(cert, opts)

	keyPath := filepath.Join(dir, n.Name+".key")
	if _, err := p.crypto.GenerateKey(ctx, keyPath, n.Algorithm, n.BitsOrCurve, opts.Passphrase); err != nil {
		return nil, "", err
	}
	cert.Paths["key"] = keyPath

	ext := certcrypto.Extensions{
		Domains:           n.Domains,
		IPs:               n.IPs,
		KeyUsage:          n.KeyUsage,
		ExtendedKeyUsage:  n.ExtendedKeyUsage,
		IsCA:              n.IsCA,
		PathLenConstraint: n.PathLenConstraint,
	}
	subjectDN := "CN=" + n.CommonName

	certPath := filepath.Join(dir, n.Name+".crt")
	if opts.Config.SignWithCA {
		ca, ok := p.reg.Get(opts.Config.CAFingerprint)
		if !ok {
			return nil, "", certerrors.New(certerrors.NotFound, "signing CA "+opts.Config.CAFingerprint+" not found")
		}
		csrPath := filepath.Join(dir, n.Name+".csr")
		if err := p.crypto.CreateCSR(ctx, keyPath, opts.Passphrase, csrPath, subjectDN, ext); err != nil {
			return nil, "", err
		}
		cert.Paths["csr"] = csrPath

		caPassphrase := ""
		if p.vault != nil {
			caPassphrase, _, _ = p.vault.Get(ca.Fingerprint)
		}
		if err := p.crypto.SignCSR(ctx, csrPath, ca.Paths["crt"], ca.Paths["key"], caPassphrase, certPath, ext, validityDays); err != nil {
			return nil, "", err
		}
	} else {
		if _, err := p.crypto.SelfSign(ctx, keyPath, opts.Passphrase, certPath, subjectDN, ext, validityDays); err != nil {
			return nil, "", err
		}
	}
	cert.Paths["crt"] = certPath
	return cert, certPath, nil
}

// finish re-parses certPath, commits the entity into the registry (swapping
// registry keys if renewal changed the fingerprint), stores a passphrase if
// supplied, persists, notifies and, unless deploy is disabled, dispatches
// post-renewal deploy actions.
func (p *Pipeline) finish(ctx context.Context, cert *certtypes.Certificate, certPath string, isRenewal bool, opts Options) (*Result, error) {
	parsed, err := p.crypto.Parse(ctx, certPath)
	if err != nil {
		return nil, err
	}
	oldFp := registry.NormalizeFingerprint(cert.Fingerprint)
	cert.RefreshFromFile(parsed)
	cert.Fingerprint = registry.NormalizeFingerprint(parsed.Fingerprint)
	cert.LastRenewalError = ""

	if opts.Passphrase != "" && p.vault != nil {
		if err := p.vault.Store(cert.Fingerprint, opts.Passphrase); err != nil {
			return nil, err
		}
		cert.NeedsPassphrase = true
		cert.HasPassphrase = true
	}

	if isRenewal && oldFp != "" && oldFp != cert.Fingerprint {
		p.reg.SwapOnRenewal(oldFp, cert)
	} else {
		p.reg.Insert(cert)
	}
	if err := p.reg.Persist(); err != nil {
		return nil, err
	}

	kind := certevents.KindCreate
	if isRenewal {
		kind = certevents.KindUpdate
	}
	p.reg.NotifyChanged(cert.Fingerprint, kind)

	view, _ := p.reg.Get(cert.Fingerprint)
	result := &Result{
		Success:     true,
		IsRenewal:   isRenewal,
		Certificate: registry.View{Certificate: view, DaysUntilExpiry: view.DaysUntilExpiry(time.Now())},
	}

	if opts.shouldDeploy() && len(cert.Config.DeployActions) > 0 && p.deployer != nil {
		report := p.deployer.Dispatch(ctx, cert.Config.DeployActions, cert.Paths)
		result.DeployResult = &report
	}
	return result, nil
}

// RestoreFromSnapshot snapshots the current state as a pre-restore
// version, overwrites the live files from the archived snapshot, then
// reparses and recommits.
func (p *Pipeline) RestoreFromSnapshot(ctx context.Context, currentFp string, snapshotID int64) (*Result, error) {
	unlock := p.reg.LockFingerprint(currentFp)
	defer unlock()

	cert, ok := p.reg.Get(currentFp)
	if !ok {
		return nil, certerrors.New(certerrors.NotFound, "certificate "+currentFp+" not found")
	}

	if _, err := p.snapshots.CreateSnapshot(cert, certtypes.SnapshotVersion, certtypes.TriggerPreRestore, ""); err != nil {
		return nil, err
	}
	if err := p.snapshots.RestoreSnapshot(cert, snapshotID); err != nil {
		return nil, err
	}

	return p.finish(ctx, cert, cert.Paths["crt"], true, Options{})
}

// ApplyIdleSubjectsAndRenew merges a certificate's idle SAN sets into its
// active sets and immediately renews it so the new SANs take effect. A
// no-op idle set still renews: the caller decided idle subjects were ready
// to apply.
func (p *Pipeline) ApplyIdleSubjectsAndRenew(ctx context.Context, fp string) (*Result, error) {
	cert, ok := p.reg.Get(fp)
	if !ok {
		return nil, certerrors.New(certerrors.NotFound, fmt.Sprintf("certificate %s not found", fp))
	}
	cert.ApplyIdleSubjects()
	p.reg.Insert(cert)

	return p.CreateOrRenew(ctx, cert.Fingerprint, Options{RegenerateSubjects: true})
}
