// Package metrics exposes Prometheus counters for the failure modes the
// engine absorbs instead of propagating. Absorbed does not mean invisible.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OracleCalls counts identify calls by outcome ("ok" or "error").
	OracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_oracle_calls_total",
		Help: "Recognition oracle calls by outcome.",
	}, []string{"outcome"})

	// PartialMarkWrites counts individual-mark inserts that failed after the
	// session record was already committed.
	PartialMarkWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_partial_mark_writes_total",
		Help: "Individual mark writes that failed after a committed session.",
	})

	// MalformedRecords counts fetched records dropped from aggregate views
	// for missing or unusable fields.
	MalformedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_malformed_records_total",
		Help: "Records dropped from views due to missing required fields.",
	})

	// UnmatchedDetections counts oracle detections that could not be bound
	// to any roster entry.
	UnmatchedDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_unmatched_detections_total",
		Help: "Oracle detections left unbound after identity resolution.",
	})

	// BackfilledMarks counts marks recreated by the worker after partial
	// dual writes.
	BackfilledMarks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_backfilled_marks_total",
		Help: "Individual marks recreated from session records by the worker.",
	})
)
