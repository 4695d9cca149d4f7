package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bedrock_proxy_connections_active",
		Help: "Number of active client connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bedrock_proxy_connections_total",
		Help: "Total number of client connections",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bedrock_proxy_sessions_active",
		Help: "Number of sessions that reached the play state and are not yet closed",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_sessions_closed_total",
		Help: "Total number of closed sessions",
	}, []string{"reason"})

	// Login metrics
	ChainValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_chain_validation_failures_total",
		Help: "Total number of logins whose certificate chain failed validation",
	}, []string{"mode"})

	// Backend metrics
	BackendSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bedrock_proxy_backend_switches_total",
		Help: "Total number of completed switches to a new backend",
	})

	BackendConnectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_backend_connect_errors_total",
		Help: "Total number of failed backend connection attempts",
	}, []string{"reason"})

	BackendConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bedrock_proxy_backend_connect_latency_seconds",
		Help:    "Time from dialing a backend until its start game packet arrives",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// Codec metrics
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_batches_processed_total",
		Help: "Total number of batches encoded or decoded",
	}, []string{"direction"})

	PacketsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_packets_relayed_total",
		Help: "Total number of packets relayed between client and backend",
	}, []string{"direction"})

	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_protocol_violations_total",
		Help: "Total number of connections closed for protocol violations",
	}, []string{"peer"})

	IntegrityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_integrity_failures_total",
		Help: "Total number of batches rejected for a checksum mismatch",
	}, []string{"peer"})

	// Lane metrics
	LanesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bedrock_proxy_lanes_active",
		Help: "Number of outbound worker lanes",
	})

	// Rate limiting metrics
	RateLimitRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bedrock_proxy_rate_limit_rejected_total",
		Help: "Total number of connections rejected by rate limiter",
	})

	// Connection rejection metrics
	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_connection_rejected_total",
		Help: "Total number of connections rejected",
	}, []string{"reason"})

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bedrock_proxy_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// Configuration refresh metrics
	ConfigRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedrock_proxy_config_refresh_errors_total",
		Help: "Total number of configuration refresh errors",
	}, []string{"config_type"})

	// Status ping metrics
	StatusPingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bedrock_proxy_status_ping_errors_total",
		Help: "Total number of failed status pings to the default backend",
	})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}
