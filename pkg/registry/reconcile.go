package registry

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/certd/pkg/certtypes"
)

var certExtensions = map[string]bool{
	".crt":  true,
	".pem":  true,
	".cer":  true,
	".cert": true,
}

var skippedDirs = map[string]bool{
	"backups": true,
	"archive": true,
}

// LoadAll runs the reconcile procedure: validate the cache, load
// persisted metadata, scan certsDir for certificate files, parse and bind
// each against existing or new entities, resolve CA relationships, and
// persist if anything changed. force=true always performs a full rescan
// regardless of cache validity.
func (r *Registry) LoadAll(ctx context.Context, force bool) error {
	r.mu.RLock()
	valid := !force && r.isCacheValidLocked()
	pending := make([]string, 0, len(r.pendingChanges))
	for fp := range r.pendingChanges {
		pending = append(pending, fp)
	}
	r.mu.RUnlock()
	if valid {
		if len(pending) == 0 {
			return nil
		}
		return r.refreshPending(ctx, pending)
	}

	doc, err := r.store.Load()
	if err != nil {
		return err
	}

	discovered, err := scanCertFiles(r.certsDir)
	if err != nil {
		return err
	}

	parsedByFingerprint := make(map[string]*certtypes.ParsedCertificate, len(discovered))
	pathByFingerprint := make(map[string]string, len(discovered))
	for _, path := range discovered {
		if err := ctx.Err(); err != nil {
			return err
		}
		parsed, err := r.crypto.Parse(ctx, path)
		if err != nil {
			r.logger.Warn().Str("path", path).Err(err).Msg("skipping unparseable certificate file")
			continue
		}
		fp := NormalizeFingerprint(parsed.Fingerprint)
		parsedByFingerprint[fp] = parsed
		pathByFingerprint[fp] = path
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make(map[string]*certtypes.Certificate, len(parsedByFingerprint))
	for fp, existing := range doc.Certificates {
		merged[NormalizeFingerprint(fp)] = existing
	}
	for fp, cached := range r.certs {
		if _, ok := merged[fp]; !ok {
			merged[fp] = cached
		}
	}

	var anyChanged bool
	for fp, parsed := range parsedByFingerprint {
		cert, existed := merged[fp]
		if !existed {
			cert = &certtypes.Certificate{Name: parsed.CommonName}
			cert.Config.RenewDaysBeforeExpiry = 30
			anyChanged = true
		}
		cert.RefreshFromFile(parsed)
		cert.Fingerprint = fp
		if cert.Paths == nil {
			cert.Paths = certtypes.Paths{}
		}
		cert.Paths["crt"] = pathByFingerprint[fp]
		keyPath := certKeyPath(pathByFingerprint[fp])
		cert.Paths["key"] = keyPath
		if encrypted, err := r.crypto.IsKeyEncrypted(keyPath); err == nil {
			cert.NeedsPassphrase = encrypted
		}
		merged[fp] = cert
	}

	// A file rewritten in place with different content parses to a new
	// fingerprint and claims the path; the entry that used to own the
	// path is gone, not merely missing files, so drop it.
	claimedPaths := make(map[string]bool, len(pathByFingerprint))
	for _, path := range pathByFingerprint {
		claimedPaths[path] = true
	}
	for fp, cert := range merged {
		if _, onDisk := parsedByFingerprint[fp]; onDisk {
			continue
		}
		if claimedPaths[cert.Paths["crt"]] {
			delete(merged, fp)
			anyChanged = true
		}
	}

	r.certs = merged
	if r.resolveCAsLocked() {
		anyChanged = true
	}

	if anyChanged {
		if err := r.store.Save(r.certs); err != nil {
			return err
		}
	}

	if mtime, err := r.store.ModTime(); err == nil {
		r.configMTime = mtime
	}
	r.lastRefreshAt = time.Now()
	r.pendingChanges = make(map[string]bool)
	return nil
}

// refreshPending is the cheap reconcile tier: the cache is still valid,
// so only the fingerprints flagged dirty are re-parsed, without a
// directory walk, a metadata reload, or a CA resolution pass. A flagged
// file that now parses to a different fingerprint escalates to a full
// forced reconcile, since only that can swap registry keys safely.
func (r *Registry) refreshPending(ctx context.Context, pending []string) error {
	type update struct {
		fp        string
		parsed    *certtypes.ParsedCertificate
		encrypted bool
		hasKey    bool
	}
	var updates []update

	for _, fp := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		cert, ok := r.Get(fp)
		if !ok || cert.Paths["crt"] == "" {
			continue
		}
		parsed, err := r.crypto.Parse(ctx, cert.Paths["crt"])
		if err != nil {
			// File gone or unreadable: keep the entry with its prior
			// metadata until an explicit delete or a full reconcile.
			r.logger.Warn().Str("fingerprint", fp).Err(err).Msg("pending refresh: reparse failed")
			continue
		}
		if NormalizeFingerprint(parsed.Fingerprint) != fp {
			return r.LoadAll(ctx, true)
		}
		u := update{fp: fp, parsed: parsed}
		if keyPath := cert.Paths["key"]; keyPath != "" {
			if encrypted, err := r.crypto.IsKeyEncrypted(keyPath); err == nil {
				u.encrypted = encrypted
				u.hasKey = true
			}
		}
		updates = append(updates, u)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range updates {
		cert, ok := r.certs[u.fp]
		if !ok {
			continue
		}
		cert.RefreshFromFile(u.parsed)
		cert.Fingerprint = u.fp
		if u.hasKey {
			cert.NeedsPassphrase = u.encrypted
		}
	}
	for _, fp := range pending {
		delete(r.pendingChanges, fp)
	}
	return nil
}

// scanCertFiles walks root recursively, skipping the backups/archive
// subtrees and hidden entries, collecting paths with a recognized
// certificate extension.
func scanCertFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return nil
			}
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skippedDirs[strings.ToLower(name)]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if certExtensions[strings.ToLower(filepath.Ext(name))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// certKeyPath derives the conventional private-key path alongside a
// certificate file: same basename, .key extension.
func certKeyPath(certPath string) string {
	ext := filepath.Ext(certPath)
	return strings.TrimSuffix(certPath, ext) + ".key"
}
