package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Outbox Metrics
	outboxAttemptsTotal    *prometheus.CounterVec
	outboxSubmitDuration   *prometheus.HistogramVec
	outboxTransitionsTotal *prometheus.CounterVec
	outboxSweepEntries     *prometheus.HistogramVec
	outboxRecoveredTotal   *prometheus.CounterVec

	// Quote Metrics
	quoteFetchesTotal  *prometheus.CounterVec
	quoteFetchDuration *prometheus.HistogramVec
	swapExecutions     *prometheus.CounterVec

	// Payment Request Metrics
	requestTransitionsTotal *prometheus.CounterVec

	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	breakerTripsTotal     *prometheus.CounterVec

	// Workflow Metrics
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Outbox Metrics
		outboxAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_attempts_total",
				Help: "Total number of outbox delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		outboxSubmitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbox_submit_duration_seconds",
				Help:    "Duration of submitter calls made by the outbox in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"outcome"},
		),
		outboxTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_transitions_total",
				Help: "Total number of outbox entry status transitions by target status",
			},
			[]string{"status"},
		),
		outboxSweepEntries: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbox_sweep_entries",
				Help:    "Number of due entries attempted per retry sweep",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
			[]string{"trigger"},
		),
		outboxRecoveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_recovered_total",
				Help: "Total number of in-flight entries re-evaluated after restart",
			},
			[]string{"result"},
		),

		// Quote Metrics
		quoteFetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quote_fetches_total",
				Help: "Total number of quote fetches by status (ok, error, discarded)",
			},
			[]string{"status"},
		),
		quoteFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quote_fetch_duration_seconds",
				Help:    "Duration of quote source calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"status"},
		),
		swapExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_executions_total",
				Help: "Total number of swap execution state transitions",
			},
			[]string{"state"},
		),

		// Payment Request Metrics
		requestTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_request_transitions_total",
				Help: "Total number of payment request status changes",
			},
			[]string{"status"},
		),

		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		breakerTripsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Total number of circuit breaker state changes",
			},
			[]string{"name", "to"},
		),

		// Workflow Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_duration_seconds",
				Help:    "Duration of Temporal activity execution in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations by type and status",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"kind"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Outbox metric helpers

// RecordOutboxAttempt records one submitter call and its outcome (confirmed, retryable, terminal).
func (m *Metrics) RecordOutboxAttempt(outcome string, duration float64) {
	m.outboxAttemptsTotal.WithLabelValues(outcome).Inc()
	m.outboxSubmitDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordOutboxTransition records an entry moving into status.
func (m *Metrics) RecordOutboxTransition(status string) {
	m.outboxTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordOutboxSweep records how many entries a sweep attempted.
func (m *Metrics) RecordOutboxSweep(trigger string, count int) {
	m.outboxSweepEntries.WithLabelValues(trigger).Observe(float64(count))
}

// RecordOutboxRecovered records a restart re-evaluation result (confirmed, requeued).
func (m *Metrics) RecordOutboxRecovered(result string) {
	m.outboxRecoveredTotal.WithLabelValues(result).Inc()
}

// Quote metric helpers

// RecordQuoteFetch records a quote source call.
func (m *Metrics) RecordQuoteFetch(status string, duration float64) {
	m.quoteFetchesTotal.WithLabelValues(status).Inc()
	m.quoteFetchDuration.WithLabelValues(status).Observe(duration)
}

// RecordQuoteDiscarded records a fetch result dropped because the input changed while it was in flight.
func (m *Metrics) RecordQuoteDiscarded() {
	m.quoteFetchesTotal.WithLabelValues("discarded").Inc()
}

// RecordSwapExecution records a swap execution state transition.
func (m *Metrics) RecordSwapExecution(state string) {
	m.swapExecutions.WithLabelValues(state).Inc()
}

// RecordRequestTransition records a payment request status change.
func (m *Metrics) RecordRequestTransition(status string) {
	m.requestTransitionsTotal.WithLabelValues(status).Inc()
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordBreakerTransition records a circuit breaker changing state.
func (m *Metrics) RecordBreakerTransition(name, to string) {
	m.breakerTripsTotal.WithLabelValues(name, to).Inc()
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(kind string) {
	m.sseEventsSent.WithLabelValues(kind).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
