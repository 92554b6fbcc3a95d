// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Watermark write outcomes.
const (
	WatermarkIssued     = "issued"
	WatermarkSuppressed = "suppressed"
	WatermarkFailed     = "failed"
)

// Metrics is one registry plus the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	RowsWritten     prometheus.Counter
	SnapshotsMerged prometheus.Counter
	MergeFailures   prometheus.Counter
	MergeDuration   prometheus.Histogram
	ActiveJobs      prometheus.Gauge
	StalledJobs     prometheus.Gauge
	WatermarkWrites *prometheus.CounterVec
	OutboxSent      prometheus.Counter
	OutboxFailures  prometheus.Counter
}

// New creates a fresh registry with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "synapse_cache_rows_written_total",
			Help: "Message rows written to the local cache by merges",
		}),
		SnapshotsMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "synapse_sync_snapshots_merged_total",
			Help: "Remote snapshots merged into the local cache",
		}),
		MergeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "synapse_sync_merge_failures_total",
			Help: "Merges that failed or timed out and were rescheduled",
		}),
		MergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "synapse_sync_merge_duration_seconds",
			Help:    "Time spent merging one snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "synapse_sync_active_jobs",
			Help: "Conversations with a running merge job",
		}),
		StalledJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "synapse_sync_stalled_jobs",
			Help: "Merge jobs currently flagged as stalled",
		}),
		WatermarkWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_watermark_writes_total",
			Help: "Watermark write attempts by outcome",
		}, []string{"field", "result"}),
		OutboxSent: f.NewCounter(prometheus.CounterOpts{
			Name: "synapse_outbox_sent_total",
			Help: "Locally created messages accepted by the remote store",
		}),
		OutboxFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "synapse_outbox_failures_total",
			Help: "Failed attempts to hand a queued message to the remote store",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
