/*
Package certtypes defines the core data structures of the certificate
lifecycle engine.

A Certificate carries three kinds of state: identity and subject facts
re-derived on every parse (fingerprint, subject, issuer, SANs, validity),
an operator-controlled config subtree (auto-renew policy, CA selection,
deploy actions) that RefreshFromFile must never clobber, and a snapshot
index recording every backup/version taken of the certificate's files.

The entity operations (AddDomain, RemoveDomain, ApplyIdleSubjects,
UpdateConfig, RefreshFromFile) are the only sanctioned way to mutate a
Certificate outside of ToPersisted/FromPersisted round-tripping; callers
holding a registry lock call these directly, then persist the result.
*/
package certtypes
