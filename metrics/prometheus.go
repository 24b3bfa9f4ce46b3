package metrics

import (
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// all metrics and middlewares for the REST API and the cipher pipeline
var (
	// to prevent metrics from being initialized multiple times
	isMetricsInitVar uint32 = 0

	// active REST API connections
	activeRESTConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_rest_connections",
			Help: "Number of active REST API connections",
		},
	)

	// response times for REST APIs
	responseTimeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_response_time_milliseconds",
			Help:    "REST API response time distributions",
			Buckets: []float64{1, 10, 50, 100, 200, 300, 400, 500},
		},
		[]string{"method", "endpoint"},
	)

	// Number of requests processed by REST API
	RESTRequestMetricsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rest_requests_processed_total",
		Help: "The total number of processed REST requests",
	}, []string{"method", "endpoint"})

	// Messages sent, labeled by envelope mode (encrypted or plaintext fallback)
	MessagesSentMetricsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "The total number of messages sent, by envelope mode",
	}, []string{"mode"})

	// Decryption failures by structural reason
	DecryptFailuresMetricsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "message_decrypt_failures_total",
		Help: "The total number of failed message decryptions, by reason",
	}, []string{"reason"})

	// Tampered envelopes are counted separately; they may indicate an attack
	TamperedMessagesMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tampered_messages_total",
		Help: "The total number of envelopes failing their integrity check",
	})

	// Local key pair rotations
	KeyRotationsMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "key_rotations_total",
		Help: "The total number of local key pair rotations",
	})

	// Envelopes re-wrapped under a newer key version
	RewrappedMessagesMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewrapped_messages_total",
		Help: "The total number of envelopes re-wrapped after a key rotation",
	})

	// Latency of the full encrypted send path
	MessageSendProcessingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "message_send_processing_latency_milliseconds",
		Help:    "Latency of message send processing",
		Buckets: prometheus.LinearBuckets(1, 100, 10),
	})

	// Latency of single envelope decryption
	MessageDecryptProcessingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "message_decrypt_processing_latency_milliseconds",
		Help:    "Latency of message decrypt processing",
		Buckets: prometheus.LinearBuckets(1, 100, 10),
	})
)

func setIsMetricsInit() {
	atomic.StoreUint32(&isMetricsInitVar, 1)
}

func isMetricsInit() bool {
	return atomic.LoadUint32(&isMetricsInitVar) == 1
}

func InitMetrics() {
	if !isMetricsInit() {
		setIsMetricsInit()

		// Metrics have to be registered to be exposed
		prometheus.MustRegister(activeRESTConnections)
		prometheus.MustRegister(responseTimeRESTAPI)
		prometheus.MustRegister(RESTRequestMetricsTotal)
		prometheus.MustRegister(MessagesSentMetricsCount)
		prometheus.MustRegister(DecryptFailuresMetricsCount)
		prometheus.MustRegister(TamperedMessagesMetricsCount)
		prometheus.MustRegister(KeyRotationsMetricsCount)
		prometheus.MustRegister(RewrappedMessagesMetricsCount)
		prometheus.MustRegister(MessageSendProcessingLatency)
		prometheus.MustRegister(MessageDecryptProcessingLatency)
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Increment the counter for the given endpoint:
		RESTRequestMetricsTotal.WithLabelValues(c.Request.Method, c.FullPath()).Inc()

		// Start timing responseTime histogram
		start := time.Now()

		// Set activeConnections gauge
		activeRESTConnections.Inc()
		defer activeRESTConnections.Dec()

		c.Next()

		// Set responseTime histogram
		latency := time.Since(start)
		responseTimeRESTAPI.WithLabelValues(c.Request.Method, c.Request.URL.Path).Observe(float64(latency.Milliseconds()))
	}
}
