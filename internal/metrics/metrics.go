package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_submitted_total",
			Help: "Total jobs accepted by intake",
		},
	)

	RecipientsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_recipients_suppressed_total",
			Help: "Recipients dropped at intake by the suppression list",
		},
	)

	// TargetOutcomes counts per-target results by outcome
	// (sent, retry, failed, blocked, captured) and provider.
	TargetOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_target_outcomes_total",
			Help: "Per-target delivery outcomes",
		},
		[]string{"outcome", "provider"},
	)

	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_quota_rejections_total",
			Help: "Conditional quota increments refused because the provider was full",
		},
		[]string{"provider"},
	)

	JobsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_deferred_total",
			Help: "Processing passes deferred because no provider had quota",
		},
	)

	QueuePublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_queue_publish_failures_total",
			Help: "Jobs persisted but not published to the queue",
		},
	)
)

func Init() {
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(RecipientsSuppressed)
	prometheus.MustRegister(TargetOutcomes)
	prometheus.MustRegister(QuotaRejections)
	prometheus.MustRegister(JobsDeferred)
	prometheus.MustRegister(QueuePublishFailures)
}
