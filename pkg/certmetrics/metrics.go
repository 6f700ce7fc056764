package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CertificatesTotal is a gauge sampled periodically by Collector from
	// the live Registry: count of certificates by key type.
	CertificatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "certd_certificates_total",
			Help: "Total number of managed certificates by key type",
		},
		[]string{"key_type"},
	)

	RegistryPendingChanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "certd_registry_pending_changes",
			Help: "Number of fingerprints currently flagged dirty in the registry cache",
		},
	)

	RenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certd_renewals_total",
			Help: "Total number of renewal attempts by result",
		},
		[]string{"result"},
	)

	RenewalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "certd_renewal_duration_seconds",
			Help:    "Time taken to complete a createOrRenew pipeline run",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certd_snapshot_operations_total",
			Help: "Total number of snapshot operations by op and result",
		},
		[]string{"op", "result"},
	)

	VaultRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "certd_vault_rotations_total",
			Help: "Total number of passphrase vault master-key rotations",
		},
	)

	DeployActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certd_deploy_actions_total",
			Help: "Total number of deploy actions run by type and result",
		},
		[]string{"type", "result"},
	)

	DeployActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certd_deploy_action_duration_seconds",
			Help:    "Deploy action duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "certd_reconcile_duration_seconds",
			Help:    "Time taken for a Registry.loadAll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "certd_reconcile_cycles_total",
			Help: "Total number of Registry.loadAll cycles completed",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certd_api_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certd_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	WatcherEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "certd_watcher_events_total",
			Help: "Total number of debounced filesystem watcher events processed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CertificatesTotal,
		RegistryPendingChanges,
		RenewalsTotal,
		RenewalDuration,
		SnapshotOperationsTotal,
		VaultRotationsTotal,
		DeployActionsTotal,
		DeployActionDuration,
		ReconcileDuration,
		ReconcileCyclesTotal,
		APIRequestsTotal,
		APIRequestDuration,
		WatcherEventsTotal,
	)
}

// Handler returns the Prometheus scrape handler, mounted by pkg/httpapi at
// /metrics (informative, outside the spec's named API surface).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and observing its
// duration against one or more histograms.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
