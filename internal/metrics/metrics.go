package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotad_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LedgerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_ledger_operations_total",
			Help: "Total number of ledger operations by kind and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	LedgerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotad_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency, including row lock wait.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	QuotaChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_quota_checks_total",
			Help: "Total number of quota checks by dimension and decision.",
		},
		[]string{"dimension", "allowed"},
	)

	QuotaExceededTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotad_quota_exceeded_transitions_total",
			Help: "Number of active to exceeded status transitions.",
		},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_cache_requests_total",
			Help: "Cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_events_published_total",
			Help: "Ledger events published by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_job_runs_total",
			Help: "Periodic job runs by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotad_job_duration_seconds",
			Help:    "Periodic job duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	QuotaAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotad_quota_alerts",
			Help: "Number of live quotas above the alert threshold, by severity, as of the last scan.",
		},
		[]string{"severity"},
	)

	QuotaUsagePercent = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotad_quota_usage_percent",
			Help:    "Distribution of per-dimension usage percentages across live quotas at the last scan.",
			Buckets: []float64{10, 25, 50, 75, 80, 90, 95, 100},
		},
		[]string{"dimension"},
	)

	LiveQuotas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotad_live_quotas",
			Help: "Number of live quotas as of the last scan.",
		},
	)

	NATSConnectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_nats_connection_events_total",
			Help: "NATS connection state changes.",
		},
		[]string{"event"},
	)

	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_audit_entries_total",
			Help: "Ledger events handled by the audit consumer, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerOperationsTotal,
		LedgerOperationDuration,
		QuotaChecksTotal,
		QuotaExceededTransitionsTotal,
		CacheRequestsTotal,
		EventsPublishedTotal,
		JobRunsTotal,
		JobDuration,
		QuotaAlerts,
		NATSConnectionEventsTotal,
		AuditEntriesTotal,
		QuotaUsagePercent,
		LiveQuotas,
	)
}
