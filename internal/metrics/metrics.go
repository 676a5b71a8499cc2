// Package metrics records index maintenance counters in a private
// Prometheus registry that can be dumped in the node-exporter textfile
// format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	updates             *prometheus.CounterVec
	updateDuration      *prometheus.HistogramVec
	modulesRegenerated  prometheus.Counter
	fallbacks           *prometheus.CounterVec
	filesExtracted      prometheus.Counter
	loaderCacheRequests *prometheus.CounterVec
}

// New registers the collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repoindex_updates_total",
			Help: "Index updates by mode and result",
		}, []string{"mode", "result"}),
		updateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "repoindex_update_duration_seconds",
			Help:    "Index update duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"mode"}),
		modulesRegenerated: f.NewCounter(prometheus.CounterOpts{
			Name: "repoindex_modules_regenerated_total",
			Help: "Module documents rebuilt",
		}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repoindex_full_regeneration_fallbacks_total",
			Help: "Incremental updates that fell back to full regeneration, by reason",
		}, []string{"reason"}),
		filesExtracted: f.NewCounter(prometheus.CounterOpts{
			Name: "repoindex_files_extracted_total",
			Help: "Source files passed through the extractor",
		}),
		loaderCacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repoindex_loader_cache_requests_total",
			Help: "Module cache lookups by result",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveUpdate records one finished update.
func (m *Metrics) ObserveUpdate(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(mode, result).Inc()
	m.updateDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ModulesRegenerated adds n rebuilt modules.
func (m *Metrics) ModulesRegenerated(n int) {
	if m == nil {
		return
	}
	m.modulesRegenerated.Add(float64(n))
}

// Fallback records a fall back to full regeneration.
func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

// FilesExtracted adds n extracted files.
func (m *Metrics) FilesExtracted(n int) {
	if m == nil {
		return
	}
	m.filesExtracted.Add(float64(n))
}

// CacheLookup records a loader cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.loaderCacheRequests.WithLabelValues(result).Inc()
}

// WriteFile writes every metric to path in the text exposition format.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
