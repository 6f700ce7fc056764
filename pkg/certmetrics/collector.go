package metrics

import "time"

// Sampler is the minimal read-only view Collector needs from the Registry
// to populate gauges. Defined here (rather than importing pkg/registry) to
// avoid a dependency cycle, since pkg/registry imports this package to
// increment counters inline.
type Sampler interface {
	CountsByKeyType() map[string]int
	PendingChangesCount() int
}

// Collector periodically samples gauge-shaped metrics from a Sampler.
// Counters and histograms are updated inline by the components that
// perform each operation (lifecycle, snapshot, vault, deploy); Collector
// only owns the point-in-time gauges that have no natural call site.
type Collector struct {
	sampler Sampler
	stopCh  chan struct{}
}

// NewCollector returns a Collector sampling from sampler.
func NewCollector(sampler Sampler) *Collector {
	return &Collector{sampler: sampler, stopCh: make(chan struct{})}
}

// Start begins the sampling loop, collecting immediately and then every
// 15 seconds until Stop is called.
func (c *Collector) Start() {
	go func() {
		c.collect()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	CertificatesTotal.Reset()
	for keyType, count := range c.sampler.CountsByKeyType() {
		CertificatesTotal.WithLabelValues(keyType).Set(float64(count))
	}
	RegistryPendingChanges.Set(float64(c.sampler.PendingChangesCount()))
}
