// Package metrics provides Prometheus metrics for the note store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// StoreMetrics contains Prometheus metrics for store operations. A nil
// *StoreMetrics is valid and records nothing.
type StoreMetrics struct {
	mutationsTotal      *prometheus.CounterVec
	queryDuration       *prometheus.HistogramVec
	purgedNotesTotal    prometheus.Counter
	sweptAttachments    *prometheus.CounterVec
	strayFilesTotal     prometheus.Counter
	indexRebuildsTotal  prometheus.Counter
	maintenanceFailures *prometheus.CounterVec
	changeDropsTotal    prometheus.Counter
}

// NewStoreMetrics creates and registers store metrics.
func NewStoreMetrics(registry prometheus.Registerer) (*StoreMetrics, error) {
	m := &StoreMetrics{
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quire_note_mutations_total",
			Help: "Total number of note mutations by kind and status",
		}, []string{"kind", "status"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quire_query_duration_seconds",
			Help:    "Time taken to serve a page or search request",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"operation"}),
		purgedNotesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quire_notes_purged_total",
			Help: "Total number of soft-deleted notes physically removed",
		}),
		sweptAttachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quire_attachments_swept_total",
			Help: "Total number of orphaned attachments handled by the sweep",
		}, []string{"result"}), // removed, failed
		strayFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quire_stray_files_removed_total",
			Help: "Total number of payload files removed because no record referenced them",
		}),
		indexRebuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quire_search_index_rebuilds_total",
			Help: "Total number of full search index rebuilds",
		}),
		maintenanceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quire_maintenance_failures_total",
			Help: "Total number of failed maintenance tasks",
		}, []string{"task"}),
		changeDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quire_change_events_dropped_total",
			Help: "Total number of change events dropped for slow subscribers",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *StoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.mutationsTotal.Describe(ch)
	m.queryDuration.Describe(ch)
	m.purgedNotesTotal.Describe(ch)
	m.sweptAttachments.Describe(ch)
	m.strayFilesTotal.Describe(ch)
	m.indexRebuildsTotal.Describe(ch)
	m.maintenanceFailures.Describe(ch)
	m.changeDropsTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *StoreMetrics) Collect(ch chan<- prometheus.Metric) {
	m.mutationsTotal.Collect(ch)
	m.queryDuration.Collect(ch)
	m.purgedNotesTotal.Collect(ch)
	m.sweptAttachments.Collect(ch)
	m.strayFilesTotal.Collect(ch)
	m.indexRebuildsTotal.Collect(ch)
	m.maintenanceFailures.Collect(ch)
	m.changeDropsTotal.Collect(ch)
}

// RecordMutation counts a note mutation.
func (m *StoreMetrics) RecordMutation(kind string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.mutationsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveQuery records how long a read operation took.
func (m *StoreMetrics) ObserveQuery(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// RecordPurged counts physically removed notes.
func (m *StoreMetrics) RecordPurged(n int) {
	if m == nil {
		return
	}
	m.purgedNotesTotal.Add(float64(n))
}

// RecordSweep counts the outcome of an orphan sweep.
func (m *StoreMetrics) RecordSweep(removed, failed int) {
	if m == nil {
		return
	}
	m.sweptAttachments.WithLabelValues("removed").Add(float64(removed))
	m.sweptAttachments.WithLabelValues("failed").Add(float64(failed))
}

// RecordStrayFiles counts files removed by payload reconciliation.
func (m *StoreMetrics) RecordStrayFiles(n int) {
	if m == nil {
		return
	}
	m.strayFilesTotal.Add(float64(n))
}

// RecordRebuild counts a full index rebuild.
func (m *StoreMetrics) RecordRebuild() {
	if m == nil {
		return
	}
	m.indexRebuildsTotal.Inc()
}

// RecordMaintenanceFailure counts a failed background task.
func (m *StoreMetrics) RecordMaintenanceFailure(task string) {
	if m == nil {
		return
	}
	m.maintenanceFailures.WithLabelValues(task).Inc()
}

// RecordChangeDropped counts a change event a subscriber was too slow for.
func (m *StoreMetrics) RecordChangeDropped() {
	if m == nil {
		return
	}
	m.changeDropsTotal.Inc()
}
