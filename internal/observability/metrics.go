package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector holds all Prometheus metrics for the sync engine.
type MetricsCollector struct {
	// Scanner metrics
	ScannedFilesTotal prometheus.Counter
	ScannedBytesTotal prometheus.Counter
	ScanDuration      prometheus.Histogram

	// Chunker metrics
	ChunksProducedTotal prometheus.Counter
	PackedFilesTotal    prometheus.Counter

	// Upload metrics
	ChunksUploadedTotal prometheus.Counter
	ChunksSkippedTotal  prometheus.Counter
	BytesUploadedTotal  prometheus.Counter
	BatchDuration       prometheus.Histogram
	BatchErrorsTotal    prometheus.Counter

	// Download metrics
	ChunksDownloadedTotal prometheus.Counter
	BytesDownloadedTotal  prometheus.Counter

	// Sync run metrics
	SyncRunsTotal   *prometheus.CounterVec
	CommitsTotal    prometheus.Counter
	ConflictsTotal  prometheus.Counter
	SyncRunDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates and registers all Prometheus metrics.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return NewMetricsCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates metrics with a specific registry (for testing).
func NewMetricsCollectorWithRegistry(namespace string, reg prometheus.Registerer) *MetricsCollector {
	if namespace == "" {
		namespace = "nexus_cloud"
	}

	autoCounter := func(name, help string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})
	}
	autoHistogram := func(name, help string, buckets []float64) prometheus.Histogram {
		return promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: name, Help: help, Buckets: buckets,
		})
	}

	return &MetricsCollector{
		ScannedFilesTotal: autoCounter("scanned_files_total", "Files visited by the workspace scanner."),
		ScannedBytesTotal: autoCounter("scanned_bytes_total", "Bytes quick-hashed by the workspace scanner."),
		ScanDuration: autoHistogram("scan_duration_seconds", "Wall time of workspace scans.",
			prometheus.ExponentialBuckets(0.01, 2, 12)),

		ChunksProducedTotal: autoCounter("chunks_produced_total", "Encrypted chunks emitted by the chunker."),
		PackedFilesTotal:    autoCounter("packed_files_total", "Small files aggregated into packed chunks."),

		ChunksUploadedTotal: autoCounter("chunks_uploaded_total", "Chunks PUT to the object store."),
		ChunksSkippedTotal:  autoCounter("chunks_skipped_total", "Chunks deduplicated by the server."),
		BytesUploadedTotal:  autoCounter("bytes_uploaded_total", "Ciphertext bytes PUT to the object store."),
		BatchDuration: autoHistogram("upload_batch_duration_seconds", "Wall time of upload batches.",
			prometheus.ExponentialBuckets(0.05, 2, 12)),
		BatchErrorsTotal: autoCounter("upload_batch_errors_total", "Upload batches that failed after retries."),

		ChunksDownloadedTotal: autoCounter("chunks_downloaded_total", "Chunks fetched during pull."),
		BytesDownloadedTotal:  autoCounter("bytes_downloaded_total", "Ciphertext bytes fetched during pull."),

		SyncRunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_runs_total", Help: "Sync runs by direction and outcome.",
		}, []string{"direction", "outcome"}),
		CommitsTotal:   autoCounter("commits_total", "Commits accepted by the server."),
		ConflictsTotal: autoCounter("conflicts_total", "Locally-modified files reconciled during pull."),
		SyncRunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_run_duration_seconds",
			Help:    "Wall time of sync runs by direction.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"direction"}),
	}
}
