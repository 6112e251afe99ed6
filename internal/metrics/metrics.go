// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RulesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_rules_processed_total",
		Help: "Rules processed, labeled by outcome.",
	}, []string{"result"})

	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_rows_written_total",
		Help: "Data rows written to destination tables, labeled by source method.",
	}, []string{"method"})

	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_retry_attempts_total",
		Help: "Operations retried after a transient failure.",
	})

	VerificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_verification_failures_total",
		Help: "Post-write verifications that found a mismatch.",
	})

	RuleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tablesync_rule_duration_seconds",
		Help:    "Wall time per rule execution.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"method"})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_sessions_started_total",
		Help: "Ingestion sessions started.",
	})

	LogEntriesTrimmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_log_entries_trimmed_total",
		Help: "Session log entries removed by retention trimming.",
	})
)
