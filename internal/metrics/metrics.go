package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionsTotal counts admission decisions by tier and outcome.
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capture",
		Subsystem: "gateway",
		Name:      "admissions_total",
		Help:      "Admission decisions by tier and decision (allowed/denied).",
	}, []string{"tier", "decision"})

	// CapturesTotal counts executed captures by output format and outcome.
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capture",
		Subsystem: "gateway",
		Name:      "captures_total",
		Help:      "Executed captures by format and outcome.",
	}, []string{"format", "outcome"})

	CaptureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "capture",
		Subsystem: "gateway",
		Name:      "capture_duration_seconds",
		Help:      "Capture call latency in seconds.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"format"})

	// LedgerWriteFailures counts successful captures whose consumption could not be recorded.
	LedgerWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capture",
		Subsystem: "gateway",
		Name:      "ledger_write_failures_total",
		Help:      "Usage ledger writes that failed after a capture completed.",
	})

	// WebhookRequestsTotal counts billing webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capture",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "capture",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})
)
