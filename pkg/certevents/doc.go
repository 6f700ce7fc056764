/*
Package certevents implements the in-process lifecycle event broker.

Broker fans CertEvents (create/update/delete transitions, published by
Registry.NotifyChanged) out to every subscriber over a bounded buffered
channel. A slow or stalled subscriber has its events dropped rather than
blocking the publisher; the broker is purely an internal notification
path, never the source of truth for cache staleness.
*/
package certevents
