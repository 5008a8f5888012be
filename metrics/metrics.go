// Package metrics holds the Prometheus collectors of the ingestion pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PapersIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paperpulse_papers_ingested_total",
		Help: "Total number of enriched papers persisted by ingestion runs.",
	})

	AnnotationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paperpulse_annotation_failures_total",
		Help: "Total number of records skipped because annotation failed.",
	})

	AnnotationRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paperpulse_annotation_requests_total",
		Help: "Outbound annotation API requests by outcome.",
	}, []string{"outcome"})

	IngestRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paperpulse_ingest_runs_total",
		Help: "Finished ingestion runs by final status.",
	}, []string{"status"})

	IngestRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "paperpulse_ingest_run_duration_seconds",
		Help:    "Wall-clock duration of ingestion runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	ArchiveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paperpulse_archive_failures_total",
		Help: "Rendered documents that could not be uploaded to object storage.",
	})
)

func init() {
	prometheus.MustRegister(
		PapersIngested,
		AnnotationFailures,
		AnnotationRequests,
		IngestRuns,
		IngestRunDuration,
		ArchiveFailures,
	)
}
