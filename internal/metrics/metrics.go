package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// HTTP round trips by status code ("error" for transport failures)
	RoundTrips *prometheus.CounterVec
	// Resends triggered by a 401 Digest challenge
	DigestRetries prometheus.Counter
	// Challenges that could not be parsed
	ChallengeErrors prometheus.Counter

	// Logical calls by method and outcome
	Calls        *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	QueueDepth prometheus.Gauge
}

// New registers the collectors with registry, or the default registerer when
// registry is nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		RoundTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "digestrpc_http_round_trips_total",
			Help: "The total number of HTTP round trips by status code",
		}, []string{"code"}),
		DigestRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "digestrpc_digest_retries_total",
			Help: "The total number of requests resent after a Digest challenge",
		}),
		ChallengeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "digestrpc_challenge_errors_total",
			Help: "The total number of malformed or missing Digest challenges",
		}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "digestrpc_calls_total",
			Help: "The total number of RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "digestrpc_call_duration_seconds",
			Help:    "RPC call latency including time spent queued",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "digestrpc_queue_depth",
			Help: "The number of calls waiting for the serializer",
		}),
	}
}

func (m *Metrics) RecordRoundTrip(code int, err error) {
	if m == nil {
		return
	}
	label := "error"
	if err == nil {
		label = strconv.Itoa(code)
	}
	m.RoundTrips.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.DigestRetries.Inc()
}

func (m *Metrics) RecordChallengeError() {
	if m == nil {
		return
	}
	m.ChallengeErrors.Inc()
}

func (m *Metrics) RecordCall(method, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(method, outcome).Inc()
	m.CallDuration.WithLabelValues(method).Observe(took.Seconds())
}

// Depth returns the queue depth gauge, or nil.
func (m *Metrics) Depth() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.QueueDepth
}
