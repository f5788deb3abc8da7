package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts object uploads performed by the saga.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "media",
			Name:      "uploads_total",
			Help:      "Total object uploads",
		},
		[]string{"kind", "status"},
	)

	UploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "media",
			Name:      "upload_bytes_total",
			Help:      "Total bytes uploaded",
		},
		[]string{"kind"},
	)

	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total object storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inkwell",
			Subsystem: "storage",
			Name:      "duration_seconds",
			Help:      "Object storage operation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"operation"},
	)

	// CompensationsTotal counts compensating deletions by reason and outcome.
	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "media",
			Name:      "compensations_total",
			Help:      "Compensating object deletions",
		},
		[]string{"kind", "reason", "status"},
	)

	CleanupFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "media",
			Name:      "cleanup_failures_total",
			Help:      "Compensating deletions that failed and left an orphan behind",
		},
		[]string{"kind"},
	)

	VersionConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "media",
			Name:      "version_conflicts_total",
			Help:      "Updates rejected by the optimistic version check",
		},
		[]string{"kind"},
	)

	ReconcileRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "reconcile",
			Name:      "removed_total",
			Help:      "Entries removed by reconciliation",
		},
		[]string{"kind", "side"},
	)

	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkwell",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation passes",
		},
		[]string{"kind", "status"},
	)
)

// RecordUpload records an upload attempt.
func RecordUpload(kind, status string, bytes int64) {
	UploadsTotal.WithLabelValues(kind, status).Inc()
	if status == "success" {
		UploadBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordStorageOperation records a storage call.
func RecordStorageOperation(operation, status string, durationSec float64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageDuration.WithLabelValues(operation).Observe(durationSec)
}

// RecordCompensation records the outcome of a compensating delete.
func RecordCompensation(kind, reason string, err error) {
	if err != nil {
		CleanupFailuresTotal.WithLabelValues(kind).Inc()
	}
	CompensationsTotal.WithLabelValues(kind, reason, Status(err)).Inc()
}

// RecordConflict records a rejected stale write.
func RecordConflict(kind string) {
	VersionConflictsTotal.WithLabelValues(kind).Inc()
}

// RecordReconcile records a finished reconciliation pass.
func RecordReconcile(kind string, removedRows, removedObjects int, err error) {
	ReconcileRunsTotal.WithLabelValues(kind, Status(err)).Inc()
	ReconcileRemovedTotal.WithLabelValues(kind, "db").Add(float64(removedRows))
	ReconcileRemovedTotal.WithLabelValues(kind, "store").Add(float64(removedObjects))
}

// Status maps an error to the "status" label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
