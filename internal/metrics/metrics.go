// Package metrics holds the Prometheus collectors for the scan engine.
//
// Label sets are fixed enumerations (outcome, kind, queue) so cardinality
// stays bounded; tenant and schedule ids are never used as labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SchedulerTicks counts selector passes by outcome (ok, error).
	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_scheduler_ticks_total",
			Help: "Due-job selector passes.",
		},
		[]string{"outcome"},
	)

	// SchedulesFired counts schedules handed to dispatch by outcome
	// (dispatched, claim_lost, failed).
	SchedulesFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_schedules_fired_total",
			Help: "Due schedules processed by the selector.",
		},
		[]string{"outcome"},
	)

	// StaleResets counts schedules forced from running to error.
	StaleResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_stale_resets_total",
			Help: "Schedules reset from a stale running state.",
		},
	)

	// JobsDispatched counts dispatcher outcomes (queued, cache_hit, rejected, failed).
	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_dispatched_total",
			Help: "Scan jobs handled by the chunk dispatcher.",
		},
		[]string{"outcome"},
	)

	// AccountsFetched counts per-account fetch outcomes (ok, partial, error, skipped).
	AccountsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_accounts_fetched_total",
			Help: "Accounts processed by fetch workers.",
		},
		[]string{"outcome"},
	)

	// ContentCacheLookups counts coalescer results (fresh, stale, inflight, upstream, partial, error).
	ContentCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_content_cache_lookups_total",
			Help: "Content cache lookups by result.",
		},
		[]string{"result"},
	)

	// UpstreamPages counts content provider page requests by outcome.
	UpstreamPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_upstream_pages_total",
			Help: "Content provider page requests.",
		},
		[]string{"outcome"},
	)

	// ConvergencePolls counts poller outcomes (incomplete, complete, gave_up, duplicate, cancelled).
	ConvergencePolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_convergence_polls_total",
			Help: "Convergence poller runs.",
		},
		[]string{"outcome"},
	)

	// AnalysisBatches counts analysis batches (ok, cached, failed, skipped, aborted).
	AnalysisBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_analysis_batches_total",
			Help: "Analysis batches by outcome.",
		},
		[]string{"outcome"},
	)

	// CreditOps counts ledger operations by op and outcome.
	CreditOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_credit_operations_total",
			Help: "Credit ledger operations.",
		},
		[]string{"op", "outcome"},
	)

	// RefundFailures counts compensating refunds that did not go through.
	// Any non-zero value needs an operator.
	RefundFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_refund_failures_total",
			Help: "Compensating refunds that failed.",
		},
	)

	// QueueMessages counts queue traffic by queue, kind and outcome
	// (sent, acked, nacked, retried, dead_lettered, discarded, unknown).
	QueueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_queue_messages_total",
			Help: "Queue messages by outcome.",
		},
		[]string{"queue", "kind", "outcome"},
	)

	// JobDuration observes dispatch-to-finish time of completed jobs.
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_job_duration_seconds",
			Help:    "Time from dispatch to finalization.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	// WebhookEvents counts payment events by type and outcome (granted, duplicate, ignored, error).
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_webhook_events_total",
			Help: "Payment webhook events.",
		},
		[]string{"type", "outcome"},
	)

	// ProviderQuota counts fleet-wide quota decisions by provider, priority
	// and outcome (allowed, denied, error).
	ProviderQuota = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_provider_quota_total",
			Help: "Shared provider quota decisions.",
		},
		[]string{"provider", "priority", "outcome"},
	)

	// HTTPRequests counts HTTP requests by method, route and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPLatency records request duration by method and route.
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		SchedulerTicks,
		SchedulesFired,
		StaleResets,
		JobsDispatched,
		AccountsFetched,
		ContentCacheLookups,
		UpstreamPages,
		ConvergencePolls,
		AnalysisBatches,
		CreditOps,
		RefundFailures,
		QueueMessages,
		JobDuration,
		WebhookEvents,
		ProviderQuota,
		HTTPRequests,
		HTTPLatency,
	)
}
