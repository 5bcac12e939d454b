// Package metrics provides Prometheus metrics for backup, restore and WAL
// archive operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of backups performed
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walguard_backup_total",
		Help: "The total number of backups performed",
	}, []string{"instance", "mode", "status"})

	// BackupDuration measures time taken to perform a backup
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walguard_backup_duration_seconds",
		Help:    "Time taken to perform a backup",
		Buckets: prometheus.DefBuckets,
	}, []string{"instance", "mode"})

	// BackupSize tracks the bytes stored by the last backup
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walguard_backup_size_bytes",
		Help: "Bytes stored by the last backup",
	}, []string{"instance", "mode"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walguard_backup_last_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"instance", "mode"})

	// BackupDeletes counts backups removed from the catalog
	BackupDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walguard_backup_deletions_total",
		Help: "The total number of backups deleted",
	}, []string{"instance"})

	// ChangedBlocks records the number of changed blocks found for the last page backup
	ChangedBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walguard_page_changed_blocks",
		Help: "Changed blocks found by the last page backup",
	}, []string{"instance"})

	// RestoreCount tracks the total number of restores performed
	RestoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walguard_restore_total",
		Help: "The total number of restores performed",
	}, []string{"instance", "status"})

	// RestoreDuration measures time taken to restore a backup
	RestoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walguard_restore_duration_seconds",
		Help:    "Time taken to restore a backup",
		Buckets: prometheus.DefBuckets,
	}, []string{"instance"})

	// WALSegmentsRead counts archived WAL segments read, by outcome
	WALSegmentsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walguard_wal_segments_read_total",
		Help: "Archived WAL segments read, by outcome",
	}, []string{"result"})

	// ArchiveWaitDuration measures time spent waiting for segments to be archived
	ArchiveWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "walguard_archive_wait_seconds",
		Help:    "Time spent waiting for WAL segments to appear in the archive",
		Buckets: prometheus.DefBuckets,
	})

	// S3UploadCount tracks the total number of S3 uploads performed
	S3UploadCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walguard_backup_s3_upload_total",
		Help: "The total number of S3 uploads performed",
	}, []string{"instance", "status"})

	// S3UploadDuration measures time taken to upload backup to S3
	S3UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walguard_backup_s3_upload_duration_seconds",
		Help:    "Time taken to upload backup to S3",
		Buckets: prometheus.DefBuckets,
	}, []string{"instance"})
)
