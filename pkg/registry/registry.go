package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/certd/pkg/caresolver"
	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certevents"
	"github.com/cuemby/certd/pkg/certstore"
	"github.com/cuemby/certd/pkg/certtypes"
)

// PassphraseChecker is the subset of certvault.Vault the Registry needs to
// compute a certificate's HasPassphrase field, expressed as an interface
// so this package does not need to import certvault directly.
type PassphraseChecker interface {
	Has(fp string) (bool, error)
}

// Config configures a new Registry.
type Config struct {
	CertsDir string
	Store    *certstore.Store
	Crypto   certcrypto.Provider
	Vault    PassphraseChecker
	Events   *certevents.Broker // optional
	Logger   zerolog.Logger
}

// Registry is the single mutable authority for in-memory certificate
// state. All mutation goes through its exported methods, which take the
// exclusive lock only for the in-memory commit step; parsing and crypto
// run outside the lock.
type Registry struct {
	mu   sync.RWMutex
	certs map[string]*certtypes.Certificate

	pendingChanges map[string]bool
	lastRefreshAt  time.Time
	configMTime    time.Time

	certsDir string
	store    *certstore.Store
	crypto   certcrypto.Provider
	vault    PassphraseChecker
	events   *certevents.Broker
	logger   zerolog.Logger

	fpLocks *keyedMutex
}

// New returns an empty Registry. Call LoadAll to populate it.
func New(cfg Config) *Registry {
	return &Registry{
		certs:          make(map[string]*certtypes.Certificate),
		pendingChanges: make(map[string]bool),
		certsDir:       cfg.CertsDir,
		store:          cfg.Store,
		crypto:         cfg.Crypto,
		vault:          cfg.Vault,
		events:         cfg.Events,
		logger:         cfg.Logger,
		fpLocks:        newKeyedMutex(),
	}
}

// LockFingerprint serializes concurrent writes to the same certificate's
// files and metadata; createOrRenew and restoreFromSnapshot hold it for
// their full duration. Operations on different fingerprints proceed in
// parallel.
func (r *Registry) LockFingerprint(fp string) func() {
	return r.fpLocks.Lock(NormalizeFingerprint(fp))
}

// isCacheValidLocked reports whether the cache can be trusted: the
// registry is populated and the config file's mtime has not advanced
// since the last load. Caller must hold at least the read lock.
func (r *Registry) isCacheValidLocked() bool {
	if r.lastRefreshAt.IsZero() {
		return false
	}
	mtime, err := r.store.ModTime()
	if err != nil {
		// File absent or unreadable: treat as unchanged, rely on
		// pendingChanges for any known-dirty entries.
		return true
	}
	return !mtime.After(r.configMTime)
}

// Invalidate clears the cache. A nil fp clears the whole cache
// (lastRefreshAt=0, pendingChanges cleared); a non-nil fp instead adds it
// to pendingChanges for a lazy per-fingerprint refresh.
func (r *Registry) Invalidate(fp *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fp == nil {
		r.lastRefreshAt = time.Time{}
		r.pendingChanges = make(map[string]bool)
		return
	}
	r.pendingChanges[NormalizeFingerprint(*fp)] = true
}

// NotifyChanged flags fp dirty and, for create/delete, forces the next
// LoadAll to do a full filesystem rescan, since the set of files on disk
// is then suspect. It also broadcasts a CertEvent on the event bus, purely
// as an internal fan-out; pendingChanges remains the source of truth for
// cache staleness.
func (r *Registry) NotifyChanged(fp string, kind certevents.Kind) {
	fp = NormalizeFingerprint(fp)
	r.mu.Lock()
	r.pendingChanges[fp] = true
	if kind == certevents.KindCreate || kind == certevents.KindDelete {
		r.lastRefreshAt = time.Time{}
	}
	var name string
	if c, ok := r.certs[fp]; ok {
		name = c.Name
	}
	r.mu.Unlock()

	if r.events != nil {
		r.events.Publish(certevents.CertEvent{Kind: kind, Fingerprint: fp, Name: name})
	}
}

// Get returns a clone of the certificate for fp (case-insensitive,
// prefix-stripped per NormalizeFingerprint), or ok=false if absent.
func (r *Registry) Get(fp string) (*certtypes.Certificate, bool) {
	fp = NormalizeFingerprint(fp)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.certs[fp]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// GetByName returns the certificate whose Name matches name, if any.
func (r *Registry) GetByName(name string) (*certtypes.Certificate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.certs {
		if c.Name == name {
			return c.Clone(), true
		}
	}
	return nil, false
}

// GetAll returns a clone of every certificate in the registry, sorted by
// fingerprint for deterministic output.
func (r *Registry) GetAll() []*certtypes.Certificate {
	r.mu.RLock()
	snapshot := make([]*certtypes.Certificate, 0, len(r.certs))
	for _, c := range r.certs {
		snapshot = append(snapshot, c.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Fingerprint < snapshot[j].Fingerprint })
	return snapshot
}

// GetCAs returns every certificate with IsCA=true.
func (r *Registry) GetCAs() []*certtypes.Certificate {
	var cas []*certtypes.Certificate
	for _, c := range r.GetAll() {
		if c.IsCA {
			cas = append(cas, c)
		}
	}
	return cas
}

// View is the API-facing projection of a Certificate: derived fields
// computed at read time, never persisted.
type View struct {
	*certtypes.Certificate
	DaysUntilExpiry int `json:"daysUntilExpiry"`
}

// GetAllAsApiView returns every certificate as a View: daysUntilExpiry
// computed against now, caName already resolved by CAResolver, and
// hasPassphrase joined from the vault without ever exposing the stored
// passphrase itself.
func (r *Registry) GetAllAsApiView(now time.Time) []View {
	certs := r.GetAll()
	views := make([]View, 0, len(certs))
	for _, c := range certs {
		if r.vault != nil {
			c.HasPassphrase, _ = r.vault.Has(c.Fingerprint)
		}
		views = append(views, View{
			Certificate:     c,
			DaysUntilExpiry: c.DaysUntilExpiry(now),
		})
	}
	return views
}

// GetAsApiView returns a single certificate's View, joining hasPassphrase
// from the vault the same way GetAllAsApiView does.
func (r *Registry) GetAsApiView(fp string, now time.Time) (View, bool) {
	c, ok := r.Get(fp)
	if !ok {
		return View{}, false
	}
	if r.vault != nil {
		c.HasPassphrase, _ = r.vault.Has(c.Fingerprint)
	}
	return View{Certificate: c, DaysUntilExpiry: c.DaysUntilExpiry(now)}, true
}

// Insert adds or replaces cert under its own fingerprint.
func (r *Registry) Insert(cert *certtypes.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.certs[NormalizeFingerprint(cert.Fingerprint)] = cert
}

// Remove deletes fp from the registry. Returns false if it was absent.
func (r *Registry) Remove(fp string) bool {
	fp = NormalizeFingerprint(fp)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[fp]; !ok {
		return false
	}
	delete(r.certs, fp)
	delete(r.pendingChanges, fp)
	return true
}

// SwapOnRenewal atomically removes oldFp and inserts newCert under one
// lock acquisition: there is no observable state where both keys exist,
// nor one where neither does. If oldFp and newCert's fingerprint are
// equal, this is just an update.
func (r *Registry) SwapOnRenewal(oldFp string, newCert *certtypes.Certificate) {
	oldFp = NormalizeFingerprint(oldFp)
	newFp := NormalizeFingerprint(newCert.Fingerprint)
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldFp != newFp {
		delete(r.certs, oldFp)
	}
	r.certs[newFp] = newCert
}

// Persist serializes the whole registry to the MetadataStore. The whole
// save (marshal + write + rename) runs under the exclusive lock:
// certificates.json is small and save latency is dominated by fsync, not
// marshaling.
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Save(r.certs); err != nil {
		return err
	}
	// Track our own write so the cache-validity check doesn't mistake it
	// for an external edit and force a full reconcile.
	if mtime, err := r.store.ModTime(); err == nil {
		r.configMTime = mtime
	}
	return nil
}

// CountsByKeyType implements certmetrics.Sampler.
func (r *Registry) CountsByKeyType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, c := range r.certs {
		counts[string(c.KeyType)]++
	}
	return counts
}

// PendingChangesCount implements certmetrics.Sampler.
func (r *Registry) PendingChangesCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pendingChanges)
}

// resolveCAsLocked runs the CAResolver over the in-memory registry and
// logs any unresolved-issuer warnings. Caller must hold the exclusive
// lock.
func (r *Registry) resolveCAsLocked() bool {
	changed, warnings := caresolver.ResolveAll(r.certs)
	for _, w := range warnings {
		r.logger.Warn().
			Str("fingerprint", w.Fingerprint).
			Str("aki", w.AKI).
			Str("issuer", w.IssuerDN).
			Msg("no signing CA resolved for certificate")
	}
	return len(changed) > 0
}
