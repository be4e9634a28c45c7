// Package metrics defines the engine's Prometheus collectors. Collectors
// are package-level so any component can record without plumbing a registry
// through; registration happens once at init.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velocity_commits_total",
		Help: "Committed mutations by operation",
	}, []string{"op"})

	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "velocity_commit_duration_seconds",
		Help:    "Wall time from mutation start to durable WAL acknowledgment",
		Buckets: prometheus.DefBuckets,
	})

	RowsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velocity_rows_ingested_total",
		Help: "Rows accepted into the memtable",
	})

	FlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velocity_flushes_total",
		Help: "Memtable flushes completed",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "velocity_flush_duration_seconds",
		Help:    "Time to build, publish, and register one flush segment",
		Buckets: prometheus.DefBuckets,
	})

	SegmentsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velocity_segments_live",
		Help: "Segments in the current live set",
	})

	TombstonedRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velocity_tombstoned_rows",
		Help: "Logically deleted rows awaiting compaction",
	})

	ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velocity_scans_total",
		Help: "Scan operations started",
	})

	ScanRowsReturned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velocity_scan_rows_returned_total",
		Help: "Rows returned by scans after tombstone filtering",
	})

	SegmentsPruned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velocity_segments_pruned_total",
		Help: "Segments skipped during scans without opening, by pruning method",
	}, []string{"method"})

	CompactionRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velocity_compaction_runs_total",
		Help: "Compaction runs by outcome",
	}, []string{"outcome"})

	CompactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "velocity_compaction_duration_seconds",
		Help:    "Duration of completed compaction runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	SegmentsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velocity_segments_reclaimed_total",
		Help: "Superseded segments physically deleted",
	})

	CheckpointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velocity_checkpoints_total",
		Help: "WAL checkpoints completed",
	})

	WALAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "velocity_wal_append_duration_seconds",
		Help:    "Time to frame, write, and fsync one WAL record",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		CommitsTotal, CommitDuration, RowsIngested,
		FlushesTotal, FlushDuration,
		SegmentsLive, TombstonedRows,
		ScansTotal, ScanRowsReturned, SegmentsPruned,
		CompactionRunsTotal, CompactionDuration, SegmentsReclaimed,
		CheckpointsTotal, WALAppendDuration,
	)
}
