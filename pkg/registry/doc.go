/*
Package registry holds the certificate engine's single mutable authority:
an in-memory map of fingerprint to Certificate, backed by the persisted
certificates.json document and reconciled against the filesystem.

# Cache protocol

LoadAll only does real work when the cache is stale: the metadata file's
mtime has advanced past the last load, a caller forced a rescan, or a
fingerprint was flagged via NotifyChanged/Invalidate. Otherwise it is a
no-op, so read-heavy callers (the HTTP API, the metrics collector) can call
it on every request without repeatedly walking the certificate directory.

# Reconcile procedure

A forced or cache-miss LoadAll:

 1. Loads certificates.json (quarantining it first if corrupt).
 2. Walks the certificate directory for .crt/.pem/.cer/.cert files,
    skipping backups/, archive/, and hidden entries.
 3. Parses every discovered file and binds it to its existing entity by
    fingerprint, or creates a new entity when the fingerprint is unseen.
 4. Runs the CAResolver over the merged set to keep caFingerprint/caName
    current.
 5. Persists the merged document if anything changed.

# Locking

The registry's mutex guards only the in-memory map; parsing and crypto
operations never run while it is held. A per-fingerprint keyed mutex
(LockFingerprint) serializes the multi-step operations in package
lifecycle (createOrRenew and restoreFromSnapshot) so two requests
touching the same certificate cannot interleave their file writes, while
requests for different certificates proceed concurrently.
*/
package registry
