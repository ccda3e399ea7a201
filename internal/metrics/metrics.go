// Package metrics holds the prometheus collectors shared by the workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector of the daemon on its own registry
type Metrics struct {
	registry *prometheus.Registry

	DownloadQueueDepth prometheus.Gauge
	DownloadsActive    prometheus.Gauge
	DownloadWorkers    prometheus.Gauge
	DownloadsTotal     *prometheus.CounterVec // result
	AcquisitionTasks   *prometheus.GaugeVec   // stage
	AcquisitionsTotal  *prometheus.CounterVec // result
	SlicedChapters     prometheus.Counter
	SliceTasksTotal    *prometheus.CounterVec // result
	RenameOutcomes     *prometheus.CounterVec // result
	ScanPasses         prometheus.Counter
	ScanDuration       prometheus.Histogram
	ScanErrors         prometheus.Counter
	BroadcastDropped   prometheus.Counter
}

// New creates and registers the collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DownloadQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "episodarr_download_queue_depth",
			Help: "Pending web video downloads",
		}),
		DownloadsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "episodarr_downloads_active",
			Help: "Downloads currently running",
		}),
		DownloadWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "episodarr_download_workers",
			Help: "Configured download concurrency",
		}),
		DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "episodarr_downloads_total",
			Help: "Finished downloads by result",
		}, []string{"result"}),
		AcquisitionTasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "episodarr_acquisition_tasks",
			Help: "In-flight torrent acquisitions by stage",
		}, []string{"stage"}),
		AcquisitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "episodarr_acquisitions_total",
			Help: "Finished torrent acquisitions by result",
		}, []string{"result"}),
		SlicedChapters: f.NewCounter(prometheus.CounterOpts{
			Name: "episodarr_sliced_chapters_total",
			Help: "Chapters extracted from compilations",
		}),
		SliceTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "episodarr_slice_tasks_total",
			Help: "Finished slice tasks by result",
		}, []string{"result"}),
		RenameOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "episodarr_rename_outcomes_total",
			Help: "Per-file rename outcomes",
		}, []string{"result"}),
		ScanPasses: f.NewCounter(prometheus.CounterOpts{
			Name: "episodarr_scan_passes_total",
			Help: "Completed scan passes",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "episodarr_scan_duration_seconds",
			Help:    "Duration of scan passes",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ScanErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "episodarr_scan_errors_total",
			Help: "Series that failed during a scan pass",
		}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "episodarr_broadcast_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
