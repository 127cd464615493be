// Package metrics exposes Prometheus instrumentation for the progress write path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cinesync"

var (
	// ProgressWrites counts accepted and rejected progress writes.
	// Labels: mode (immediate, queued, flush), outcome (ok, degraded, throttled, stale, error).
	ProgressWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_writes_total",
			Help:      "Progress writes by routing mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// UpsertConflicts counts duplicate-key races by how they were resolved.
	// Labels: resolution (retried, update_only, lost).
	UpsertConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upsert_conflicts_total",
			Help:      "Duplicate-key conflicts on watch history upserts",
		},
		[]string{"resolution"},
	)

	// TrimmedRows counts history rows evicted by the retention cap.
	TrimmedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_trimmed_rows_total",
			Help:      "Watch history rows evicted by the retention cap",
		},
	)

	// BatchFlushSize observes how many coalesced updates each flush applied.
	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_flush_size",
			Help:      "Coalesced heartbeat updates applied per flush",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500},
		},
	)

	// PreferenceWrites counts global source preference decisions.
	// Labels: result (applied, skipped, degraded).
	PreferenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preference_writes_total",
			Help:      "Global playback source preference writes by result",
		},
		[]string{"result"},
	)
)
