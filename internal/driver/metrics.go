package driver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_pipeline_events_claimed_total",
		Help: "Number of queue rows claimed by batch drivers.",
	})

	eventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_pipeline_events_processed_total",
		Help: "Number of events whose projector committed successfully.",
	})

	projectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_pipeline_projection_errors_total",
		Help: "Number of events whose projector failed and were left for retry, by event type.",
	}, []string{"event_type"})

	transactionAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_pipeline_transaction_aborts_total",
		Help: "Number of per-user group transactions that aborted entirely.",
	})

	claimBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_pipeline_claim_batch_size",
		Help:    "Distribution of the number of rows returned by a single claim.",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
)
