package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"surface", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"surface", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"model", "type"},
	)

	AttemptsPerRequest = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigateway_attempts_per_request",
			Help:    "Number of credential attempts consumed per request",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"surface"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"surface"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"surface"},
	)

	CredentialState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_credential_state",
			Help: "Credential state (0=active, 1=cooling, 2=disabled)",
		},
		[]string{"credential_id"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"credential_id"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_upstream_errors_total",
			Help: "Total number of classified upstream errors, by kind",
		},
		[]string{"credential_id", "kind"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"client_key"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "namespace", "version"},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_pool_exhausted_total",
			Help: "Total number of NoHealthyCredential/AllCredentialsExhausted responses",
		},
		[]string{"reason"},
	)
)

func RecordRequest(surface, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(surface, model, status).Inc()
	RequestDuration.WithLabelValues(surface, model).Observe(durationSec)
}

func RecordTokens(model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

func RecordAttempts(surface string, attempts int) {
	AttemptsPerRequest.WithLabelValues(surface).Observe(float64(attempts))
}

func RecordCacheHit(surface string) {
	CacheHits.WithLabelValues(surface).Inc()
}

func RecordCacheMiss(surface string) {
	CacheMisses.WithLabelValues(surface).Inc()
}

func SetCredentialState(credentialID string, state int) {
	CredentialState.WithLabelValues(credentialID).Set(float64(state))
}

func RecordUpstreamError(credentialID, kind string) {
	UpstreamErrors.WithLabelValues(credentialID, kind).Inc()
}

func RecordRateLimitHit(clientKey string) {
	RateLimitHits.WithLabelValues(clientKey).Inc()
}

func SetCircuitBreakerState(credentialID string, state int) {
	CircuitBreakerState.WithLabelValues(credentialID).Set(float64(state))
}

func RecordPoolExhausted(reason string) {
	PoolExhaustedTotal.WithLabelValues(reason).Inc()
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, namespace, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, namespace, version).Set(1)
}

// IncrementActiveConnections increments the active connection count for this pod.
func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveConnections decrements the active connection count for this pod.
func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}

// IncrementActiveStreams increments the active stream count for this pod.
func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveStreams decrements the active stream count for this pod.
func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
