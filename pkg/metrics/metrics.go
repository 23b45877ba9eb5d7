package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Dispatcher metrics
	DispatchedRequests *prometheus.CounterVec
	DispatchQueueDepth prometheus.Gauge
	DispatchErrors     *prometheus.CounterVec
	DispatchLatency    *prometheus.HistogramVec

	// Session metrics
	ActiveSessions       *prometheus.GaugeVec
	SessionsCreated      *prometheus.CounterVec
	SessionTerminations  *prometheus.CounterVec
	SessionEstablishTime *prometheus.HistogramVec
	InviteResponses      *prometheus.CounterVec

	// Session timer metrics
	SessionRefreshes *prometheus.CounterVec

	// Session store metrics
	SessionStoreOperations *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		DispatchedRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_dispatched_requests_total",
				Help: "Total number of inbound SIP requests handled by the dispatcher",
			},
			[]string{"method", "outcome"},
		)

		DispatchQueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rcs_ims_dispatch_queue_depth",
				Help: "Number of inbound SIP requests waiting in the dispatch queue",
			},
		)

		DispatchErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_dispatch_errors_total",
				Help: "Total number of errors raised while dispatching a request",
			},
			[]string{"kind"},
		)

		DispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcs_ims_dispatch_latency_seconds",
				Help:    "Time between reception and end of dispatch of a request",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"method"},
		)

		ActiveSessions = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rcs_ims_sessions_active",
				Help: "Number of sessions registered per service",
			},
			[]string{"service"},
		)

		SessionsCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"kind", "direction"},
		)

		SessionTerminations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_session_terminations_total",
				Help: "Total number of terminated sessions by reason",
			},
			[]string{"reason"},
		)

		SessionEstablishTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcs_ims_session_establish_seconds",
				Help:    "Time from session creation to session establishment",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"kind"},
		)

		InviteResponses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_invite_responses_total",
				Help: "Final responses received for outgoing INVITE requests",
			},
			[]string{"code"},
		)

		SessionRefreshes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_session_refreshes_total",
				Help: "Session timer refresh outcomes by role",
			},
			[]string{"role", "outcome"},
		)

		SessionStoreOperations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_session_store_operations_total",
				Help: "Session record store operations",
			},
			[]string{"backend", "operation", "status"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcs_ims_amqp_published_messages_total",
				Help: "Total number of session events published to AMQP",
			},
			[]string{"exchange", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rcs_ims_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		registry.MustRegister(
			DispatchedRequests,
			DispatchQueueDepth,
			DispatchErrors,
			DispatchLatency,

			ActiveSessions,
			SessionsCreated,
			SessionTerminations,
			SessionEstablishTime,
			InviteResponses,

			SessionRefreshes,
			SessionStoreOperations,

			AMQPPublishedMessages,
			AMQPConnectionStatus,
		)

		if logger != nil {
			logger.Info("Prometheus metrics initialized")
		}
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// Collectors are nil until Init has run
func recording() bool {
	return metricsEnabled && registry != nil
}

// RecordDispatch records the outcome of one dispatched request
func RecordDispatch(method, outcome string, received time.Time) {
	if !recording() {
		return
	}
	DispatchedRequests.WithLabelValues(method, outcome).Inc()
	if !received.IsZero() {
		DispatchLatency.WithLabelValues(method).Observe(time.Since(received).Seconds())
	}
}

// SetDispatchQueueDepth records the current queue length
func SetDispatchQueueDepth(depth int) {
	if recording() {
		DispatchQueueDepth.Set(float64(depth))
	}
}

// RecordDispatchError records an error raised while dispatching
func RecordDispatchError(kind string) {
	if recording() {
		DispatchErrors.WithLabelValues(kind).Inc()
	}
}

// SetActiveSessions records the number of sessions of a service
func SetActiveSessions(service string, count int) {
	if recording() {
		ActiveSessions.WithLabelValues(service).Set(float64(count))
	}
}

// RecordSessionCreated records a new session
func RecordSessionCreated(kind, direction string) {
	if recording() {
		SessionsCreated.WithLabelValues(kind, direction).Inc()
	}
}

// RecordSessionTerminated records a session termination
func RecordSessionTerminated(reason string) {
	if recording() {
		SessionTerminations.WithLabelValues(reason).Inc()
	}
}

// ObserveSessionEstablished records the setup time of a session
func ObserveSessionEstablished(kind string, created time.Time) {
	if recording() {
		SessionEstablishTime.WithLabelValues(kind).Observe(time.Since(created).Seconds())
	}
}

// RecordInviteResponse records the final response to an outgoing INVITE,
// 0 meaning no response
func RecordInviteResponse(code int) {
	if recording() {
		InviteResponses.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

// RecordSessionRefresh records a session timer event
func RecordSessionRefresh(role, outcome string) {
	if recording() {
		SessionRefreshes.WithLabelValues(role, outcome).Inc()
	}
}

// RecordSessionStoreOperation records a store call
func RecordSessionStoreOperation(backend, operation string, err error) {
	if !recording() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	SessionStoreOperations.WithLabelValues(backend, operation, status).Inc()
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(exchange, status string) {
	if recording() {
		AMQPPublishedMessages.WithLabelValues(exchange, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !recording() {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}
