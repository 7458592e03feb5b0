// Package metrics registers the Prometheus instruments exported by the
// monitor server and updated by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsFetched counts vendor records received per job and schema.
	RecordsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "histvault",
		Name:      "records_fetched_total",
		Help:      "Vendor records received from the adapter.",
	}, []string{"job", "schema"})

	// RecordsStored counts rows actually inserted (duplicates excluded).
	RecordsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "histvault",
		Name:      "records_stored_total",
		Help:      "Rows inserted into hypertables.",
	}, []string{"job", "schema"})

	// RecordsQuarantined counts records routed to the quarantine sink.
	RecordsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "histvault",
		Name:      "records_quarantined_total",
		Help:      "Records rejected during transform or validation.",
	}, []string{"job", "schema", "stage"})

	// StageDuration observes wall-clock time per pipeline stage per chunk.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "histvault",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock time spent per pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"job", "stage"})

	// ChunksCompleted counts chunk outcomes.
	ChunksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "histvault",
		Name:      "chunks_completed_total",
		Help:      "Chunks finished, by outcome (done, failed, skipped).",
	}, []string{"job", "outcome"})
)
