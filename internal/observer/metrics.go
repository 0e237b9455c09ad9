package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	// Labels for webhook event metrics
	webhookEventLabels = []string{"event_type", "clinic_id"}
	// Labels for tracking processing outcomes
	eventActionLabels = []string{"event_type", "clinic_id", "action", "error_type"}

	WebhookEventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_webhook_events_received_total",
			Help: "Total number of webhook events received from the gateway.",
		},
		webhookEventLabels,
	)
	WebhookEventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_webhook_events_processed_total",
			Help: "Total number of webhook events successfully processed.",
		},
		webhookEventLabels,
	)
	WebhookEventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_webhook_events_failed_total",
			Help: "Total number of webhook events that failed processing.",
		},
		webhookEventLabels,
	)
	WebhookEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_webhook_events_dropped_total",
			Help: "Total number of webhook events silently dropped (group traffic, malformed phone, duplicates).",
		},
		[]string{"event_type", "clinic_id", "reason"},
	)

	WebhookProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_inbox_webhook_processing_duration_seconds",
			Help:    "Histogram of webhook event processing durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		webhookEventLabels,
	)

	EventProcessingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_event_processing_actions_total",
			Help: "Total count of specific actions taken after event processing, labeled by error type.",
		},
		eventActionLabels,
	)

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_inbox_database_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"operation", "entity", "clinic_id", "status"},
	)
)

// Metrics related to the media retrieval pipeline
var (
	mediaTenantLabels = []string{"clinic_id"}

	mediaTasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_media_tasks_submitted_total",
			Help: "Total number of media retrieval tasks submitted to the worker pool.",
		},
		mediaTenantLabels,
	)
	mediaTasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_media_tasks_processed_total",
			Help: "Total number of media retrieval tasks completed, labeled by terminal status.",
		},
		[]string{"clinic_id", "status"},
	)
	mediaTasksDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_media_tasks_dropped_total",
			Help: "Total number of media tasks rejected because the worker pool was saturated.",
		},
		mediaTenantLabels,
	)
	mediaOversizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_media_oversize_total",
			Help: "Total number of media payloads rejected for exceeding the size cap.",
		},
		mediaTenantLabels,
	)
	mediaProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_inbox_media_processing_duration_seconds",
			Help:    "Histogram of end-to-end media retrieval durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		mediaTenantLabels,
	)
	mediaSweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_media_sweep_items_total",
			Help: "Total number of messages handled by recovery sweeps, labeled by outcome.",
		},
		[]string{"clinic_id", "status"},
	)
	mediaWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_inbox_media_workers_active",
		Help: "Current number of busy goroutines in the media worker pool.",
	})
)

// Metrics related to connection health probes
var (
	probeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_probe_runs_total",
			Help: "Total number of connection health probes executed, labeled by observed status.",
		},
		[]string{"clinic_id", "status"},
	)
	probeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_inbox_probe_duration_seconds",
			Help:    "Histogram of health probe round-trip durations.",
			Buckets: prometheus.DefBuckets,
		},
		mediaTenantLabels,
	)
)

// Metrics related to realtime fan-out
var (
	changeEventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_change_events_published_total",
			Help: "Total number of change notifications published to the bus.",
		},
		[]string{"entity", "clinic_id"},
	)
	changePublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_change_publish_errors_total",
			Help: "Total number of change notification publish failures.",
		},
		[]string{"entity", "clinic_id"},
	)
	wsSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_inbox_ws_sessions_active",
		Help: "Current number of attached dashboard websocket sessions.",
	})
	wsMessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_inbox_ws_messages_sent_total",
		Help: "Total number of change notifications delivered to websocket sessions.",
	})
	wsSendDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_inbox_ws_send_drops_total",
		Help: "Total number of notifications dropped because a session send buffer was full.",
	})
)

// Metrics related to the gateway HTTP client
var (
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_inbox_gateway_requests_total",
			Help: "Total number of requests issued to the gateway API, labeled by outcome.",
		},
		[]string{"operation", "status"},
	)
	gatewayRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_inbox_gateway_request_duration_seconds",
			Help:    "Histogram of gateway API request durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)
)

// Global metrics instance
var Metrics *metricsStore

// metricsStore holds references to all Prometheus metrics.
type metricsStore struct{}

// InitMetrics initializes the Prometheus metrics if enabled.
// Call this function during application startup.
func InitMetrics(enabled bool) {
	if !enabled {
		metricsEnabled = false
		return
	}
	metricsEnabled = true
	// Metrics are auto-registered via promauto; the store exists for future
	// global setup such as custom collectors.
	Metrics = &metricsStore{}
}

// sanitizeTenant ensures the clinic label is valid or returns a default value.
func sanitizeTenant(clinicID string) string {
	if clinicID == "" {
		return "unknown"
	}
	return clinicID
}

// IncWebhookEventsReceived increments the webhook events received counter.
func IncWebhookEventsReceived(eventType, clinicID string) {
	if !metricsEnabled {
		return
	}
	WebhookEventsReceivedTotal.WithLabelValues(eventType, sanitizeTenant(clinicID)).Inc()
}

// IncWebhookEventsProcessed increments the webhook events processed counter.
func IncWebhookEventsProcessed(eventType, clinicID string) {
	if !metricsEnabled {
		return
	}
	WebhookEventsProcessedTotal.WithLabelValues(eventType, sanitizeTenant(clinicID)).Inc()
}

// IncWebhookEventsFailed increments the webhook events failed counter.
func IncWebhookEventsFailed(eventType, clinicID string) {
	if !metricsEnabled {
		return
	}
	WebhookEventsFailedTotal.WithLabelValues(eventType, sanitizeTenant(clinicID)).Inc()
}

// IncWebhookEventsDropped counts silently absorbed events by drop reason.
func IncWebhookEventsDropped(eventType, clinicID, reason string) {
	if !metricsEnabled {
		return
	}
	WebhookEventsDroppedTotal.WithLabelValues(eventType, sanitizeTenant(clinicID), reason).Inc()
}

// ObserveWebhookProcessingDuration records the processing time for one event.
func ObserveWebhookProcessingDuration(eventType, clinicID string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	WebhookProcessingDurationSeconds.WithLabelValues(eventType, sanitizeTenant(clinicID)).Observe(duration.Seconds())
}

// IncEventProcessingAction increments the counter for a specific processing outcome.
func IncEventProcessingAction(eventType, clinicID, action, errorType string) {
	if !metricsEnabled {
		return
	}
	EventProcessingActionsTotal.WithLabelValues(eventType, sanitizeTenant(clinicID), action, SanitizeErrorType(errorType)).Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, clinicID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(clinicID), status).Observe(duration.Seconds())
}

// --- Media Pipeline Metric Helpers ---

// IncMediaTasksSubmitted increments the counter for tasks submitted to the pool.
func IncMediaTasksSubmitted(clinicID string) {
	if Metrics != nil {
		mediaTasksSubmittedTotal.WithLabelValues(sanitizeTenant(clinicID)).Inc()
	}
}

// IncMediaTasksProcessed increments the counter for completed media tasks.
func IncMediaTasksProcessed(clinicID, status string) {
	if Metrics != nil {
		mediaTasksProcessedTotal.WithLabelValues(sanitizeTenant(clinicID), status).Inc()
	}
}

// IncMediaTasksDropped increments the counter for tasks rejected by a full pool.
func IncMediaTasksDropped(clinicID string) {
	if Metrics != nil {
		mediaTasksDroppedTotal.WithLabelValues(sanitizeTenant(clinicID)).Inc()
	}
}

// IncMediaOversize increments the counter for payloads over the size cap.
func IncMediaOversize(clinicID string) {
	if Metrics != nil {
		mediaOversizeTotal.WithLabelValues(sanitizeTenant(clinicID)).Inc()
	}
}

// ObserveMediaProcessingDuration records the retrieval time for one media task.
func ObserveMediaProcessingDuration(clinicID string, duration time.Duration) {
	if Metrics != nil {
		mediaProcessingDurationSeconds.WithLabelValues(sanitizeTenant(clinicID)).Observe(duration.Seconds())
	}
}

// IncMediaSweepItems counts one swept message by outcome.
func IncMediaSweepItems(clinicID, status string) {
	if Metrics != nil {
		mediaSweepItemsTotal.WithLabelValues(sanitizeTenant(clinicID), status).Inc()
	}
}

// SetMediaWorkersActive sets the current number of busy media workers.
func SetMediaWorkersActive(count int) {
	if Metrics != nil {
		mediaWorkersActive.Set(float64(count))
	}
}

// --- Probe Metric Helpers ---

// IncProbeRuns counts one executed health probe by observed status.
func IncProbeRuns(clinicID, status string) {
	if Metrics != nil {
		probeRunsTotal.WithLabelValues(sanitizeTenant(clinicID), status).Inc()
	}
}

// ObserveProbeDuration records a probe round trip.
func ObserveProbeDuration(clinicID string, duration time.Duration) {
	if Metrics != nil {
		probeDurationSeconds.WithLabelValues(sanitizeTenant(clinicID)).Observe(duration.Seconds())
	}
}

// --- Realtime Fan-out Metric Helpers ---

// IncChangeEventsPublished counts one change notification published to the bus.
func IncChangeEventsPublished(entity, clinicID string) {
	if Metrics != nil {
		changeEventsPublishedTotal.WithLabelValues(entity, sanitizeTenant(clinicID)).Inc()
	}
}

// IncChangePublishErrors counts one failed bus publish.
func IncChangePublishErrors(entity, clinicID string) {
	if Metrics != nil {
		changePublishErrorsTotal.WithLabelValues(entity, sanitizeTenant(clinicID)).Inc()
	}
}

// SetWsSessionsActive sets the current number of attached websocket sessions.
func SetWsSessionsActive(count int) {
	if Metrics != nil {
		wsSessionsActive.Set(float64(count))
	}
}

// IncWsMessagesSent counts one notification delivered to a session.
func IncWsMessagesSent() {
	if Metrics != nil {
		wsMessagesSentTotal.Inc()
	}
}

// IncWsSendDrops counts one notification dropped on a saturated session.
func IncWsSendDrops() {
	if Metrics != nil {
		wsSendDropsTotal.Inc()
	}
}

// --- Gateway Client Metric Helpers ---

// IncGatewayRequests counts one gateway API call by outcome.
func IncGatewayRequests(operation, status string) {
	if Metrics != nil {
		gatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	}
}

// ObserveGatewayRequestDuration records one gateway API round trip.
func ObserveGatewayRequestDuration(operation string, duration time.Duration) {
	if Metrics != nil {
		gatewayRequestDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// SanitizeErrorType maps specific errors or provides a default category.
// Keep this simple to avoid high cardinality.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "connection"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"), strings.Contains(errStr, "missing field"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "gateway"), strings.Contains(errStr, "upstream"):
		return "gateway"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "oversize"), strings.Contains(errStr, "too large"):
		return "oversize"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
