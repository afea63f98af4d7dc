package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the automation pipeline
var (
	ReportRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_rows_total",
			Help: "Report rows processed, by report type and outcome (parsed, skipped)",
		},
		[]string{"report", "outcome"},
	)

	ReportPipelinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_pipelines_total",
			Help: "Report pipeline runs by report type and result",
		},
		[]string{"report", "result"},
	)

	OrderEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_events_total",
			Help: "Order events written to the outbox",
		},
		[]string{"kind"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_api_requests_total",
			Help: "Marketplace API calls by operation and HTTP status",
		},
		[]string{"operation", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketplace_api_request_duration_seconds",
			Help:    "Marketplace API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_token_refresh_total",
			Help: "Access token refreshes by result",
		},
		[]string{"result"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_total",
			Help: "Tasks handled by kind and outcome (ok, retry, dead_letter)",
		},
		[]string{"kind", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task handler duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueueRowsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_queue_rows_enqueued_total",
			Help: "Email queue rows created by the campaign matcher",
		},
	)

	QueueRowsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_queue_rows_scheduled_total",
			Help: "Email queue rows moved from QUEUED to SCHEDULED",
		},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_total",
			Help: "Dispatch outcomes (sent, opt_out, failed, retry)",
		},
		[]string{"outcome"},
	)

	ReviewRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_requests_total",
			Help: "Review-request fallbacks by result",
		},
		[]string{"result"},
	)

	QuotaRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_refusals_total",
			Help: "Quota decrements refused for lack of balance",
		},
		[]string{"code"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Operator API requests by route pattern and status code",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Operator API latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ReportRowsTotal,
			ReportPipelinesTotal,
			OrderEventsTotal,
			APIRequestsTotal,
			APIRequestDuration,
			TokenRefreshTotal,
			TasksTotal,
			TaskDuration,
			QueueRowsEnqueuedTotal,
			QueueRowsScheduledTotal,
			DispatchTotal,
			ReviewRequestsTotal,
			QuotaRefusalsTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
