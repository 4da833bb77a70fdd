package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service metrics for production monitoring
var (
	// Check run metrics
	CheckRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_check_runs_total",
			Help: "Total number of alert check runs",
		},
		[]string{"trigger", "status"}, // trigger: schedule/manual; status: ok/partial
	)

	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emads_check_duration_seconds",
			Help:    "Alert check run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	RuleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_rule_failures_total",
			Help: "Total number of detection rules that failed during a check run",
		},
		[]string{"rule"},
	)

	ReadingsScoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_readings_scored_total",
			Help: "Total number of readings scored",
		},
		[]string{"method"},
	)

	// Alert metrics
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_alerts_created_total",
			Help: "Total number of alerts persisted",
		},
		[]string{"type", "severity"},
	)

	AlertsDeduplicatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_alerts_deduplicated_total",
			Help: "Total number of candidate events merged into an existing alert",
		},
		[]string{"type"},
	)

	AlertsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emads_alerts_purged_total",
			Help: "Total number of alerts removed by retention",
		},
	)

	// Notification metrics
	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_notifications_sent_total",
			Help: "Total number of notification messages delivered",
		},
		[]string{"kind"}, // kind: alert/report/weekly
	)

	NotificationsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_notifications_failed_total",
			Help: "Total number of notification delivery failures",
		},
		[]string{"kind"},
	)

	NotificationsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_notifications_skipped_total",
			Help: "Total number of notifications skipped",
		},
		[]string{"reason"}, // reason: no_recipients/already_notified
	)

	MailBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emads_mail_breaker_state",
			Help: "Mail transport circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Model metrics
	ModelTrainingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_model_trainings_total",
			Help: "Total number of detector trainings",
		},
		[]string{"kind", "status"},
	)

	ModelTrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emads_model_training_duration_seconds",
			Help:    "Detector training duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"kind"},
	)

	ModelCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_model_cache_total",
			Help: "Model lookups by source",
		},
		[]string{"kind", "source"}, // source: cache/store/trained/stale
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emads_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emads_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emads_websocket_clients",
			Help: "Number of connected live alert stream clients",
		},
	)
)
