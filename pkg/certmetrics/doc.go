/*
Package metrics defines certd's Prometheus collectors and exposes them
via Handler for mounting at /metrics.

Counters and histograms cover certificate counts by key type, registry
pending-change backlog, renewal/snapshot/deploy outcomes and durations,
vault rotations, watcher events and API request volume. Collector polls
a Sampler (satisfied by *registry.Registry) on an interval to keep the
gauge-shaped metrics current, without a reverse import from registry back
into this package.
*/
package metrics
