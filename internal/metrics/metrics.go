// Package metrics provides Prometheus metrics for s3-watch-sync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3_watch_sync_uploads_total",
			Help: "Total number of finished uploads by outcome",
		},
		[]string{"outcome"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3_watch_sync_upload_bytes_total",
			Help: "Total bytes accepted by the remote",
		},
	)

	uploadRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3_watch_sync_upload_retries_total",
			Help: "Total number of upload attempts after the first",
		},
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "s3_watch_sync_upload_duration_seconds",
			Help:    "Time from first attempt to terminal outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
	)

	// Change detection metrics
	changesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3_watch_sync_changes_detected_total",
			Help: "Total number of detected file changes by kind",
		},
		[]string{"kind"},
	)

	scanErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3_watch_sync_scan_errors_total",
			Help: "Total number of failed folder scans",
		},
	)

	stabilizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3_watch_sync_stabilized_files_total",
			Help: "Total number of files that reached a stable size",
		},
	)

	trackedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3_watch_sync_tracked_files",
			Help: "Number of files waiting to stabilize",
		},
	)

	// S3 metrics
	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3_watch_sync_s3_operations_total",
			Help: "Total number of S3 API calls",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordUpload records the terminal outcome of an upload.
func RecordUpload(outcome string, duration time.Duration) {
	uploadsTotal.WithLabelValues(outcome).Inc()
	uploadDuration.Observe(duration.Seconds())
}

// RecordUploadedBytes adds n bytes to the uploaded byte counter.
func RecordUploadedBytes(n int64) {
	if n > 0 {
		uploadBytesTotal.Add(float64(n))
	}
}

func RecordRetry() {
	uploadRetriesTotal.Inc()
}

// RecordChange records a detected change of kind added, modified or removed.
func RecordChange(kind string) {
	changesDetectedTotal.WithLabelValues(kind).Inc()
}

func RecordScanError() {
	scanErrorsTotal.Inc()
}

func RecordStabilized() {
	stabilizedTotal.Inc()
}

func SetTrackedFiles(n int) {
	trackedFiles.Set(float64(n))
}

// RecordS3Operation records one S3 API call.
func RecordS3Operation(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}
