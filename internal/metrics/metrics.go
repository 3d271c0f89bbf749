// Package metrics provides Prometheus metrics for the backup storage layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ListingWaits tracks freshness wait outcomes.
	ListingWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docprovider_backup_listing_waits_total",
		Help: "Total number of directory listings by freshness outcome",
	}, []string{"outcome"})

	// NodesCreated tracks directories and files created through the resolver.
	NodesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docprovider_backup_nodes_created_total",
		Help: "Total number of provider nodes created",
	}, []string{"kind", "status"})

	// HierarchyResolutions tracks hierarchy cache lookups.
	HierarchyResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docprovider_backup_hierarchy_resolutions_total",
		Help: "Total number of hierarchy cache lookups by entry and result",
	}, []string{"entry", "result"})

	// HierarchyResets tracks cache invalidations.
	HierarchyResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docprovider_backup_hierarchy_resets_total",
		Help: "Total number of hierarchy cache resets",
	})

	// PayloadBytes tracks bytes written to backup payload files.
	PayloadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docprovider_backup_payload_bytes_total",
		Help: "Total number of payload bytes written",
	}, []string{"type"})

	// PayloadDuration tracks payload write duration.
	PayloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docprovider_backup_payload_duration_seconds",
		Help:    "Duration of payload writes in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"type"})

	// StorageOperations tracks object store operations.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docprovider_backup_storage_operations_total",
		Help: "Total number of object store operations",
	}, []string{"operation", "provider", "status"})

	// ActiveToken exposes the active backup-set token.
	ActiveToken = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docprovider_backup_active_token",
		Help: "Active backup-set token",
	})

	// Info provides static information about the service.
	Info = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docprovider_backup_info",
		Help: "Information about the backup service",
	}, []string{"version", "storage_provider"})
)

// RecordListingWait records the outcome of a freshness wait.
func RecordListingWait(outcome string) {
	ListingWaits.WithLabelValues(outcome).Inc()
}

// RecordNodeCreated records a directory or file creation.
func RecordNodeCreated(kind string, success bool) {
	NodesCreated.WithLabelValues(kind, status(success)).Inc()
}

// RecordResolution records a hierarchy cache lookup; result is one of
// "hit", "resolved" or "unavailable".
func RecordResolution(entry, result string) {
	HierarchyResolutions.WithLabelValues(entry, result).Inc()
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation, provider string, success bool) {
	StorageOperations.WithLabelValues(operation, provider, status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
