package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"IBLink/internal/domain/models"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	sessionState  prometheus.Gauge
	admitsTotal   *prometheus.CounterVec
	reconnects    prometheus.Counter
	pendingGauge  prometheus.Gauge
	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		sessionState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "iblink_session_state",
				Help: "Current session state (0 disconnected .. 4 degraded)",
			},
		),
		admitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iblink_admits_total",
				Help: "Rate gate decisions per category",
			},
			[]string{"category", "decision"},
		),
		reconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "iblink_reconnect_attempts_total",
				Help: "Total reconnect attempts scheduled by the supervisor",
			},
		),
		pendingGauge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "iblink_pending_requests",
				Help: "In-flight requests awaiting a terminal response",
			},
		),
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iblink_requests_total",
				Help: "Completed requests per category and outcome",
			},
			[]string{"category", "outcome"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iblink_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iblink_request_duration_seconds",
				Help:    "Request round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category"},
		),
	}
}

// RecordState records the current session state.
func (r *Recorder) RecordState(state models.SessionState) {
	r.sessionState.Set(float64(state))
}

// RecordAdmit records a rate gate decision.
func (r *Recorder) RecordAdmit(cat models.Category, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "deferred"
	}
	r.admitsTotal.WithLabelValues(string(cat), decision).Inc()
}

// RecordReconnect records a scheduled reconnect attempt.
func (r *Recorder) RecordReconnect(attempt int) {
	r.reconnects.Inc()
}

// RecordPending records the in-flight request count.
func (r *Recorder) RecordPending(n int) {
	r.pendingGauge.Set(float64(n))
}

// RecordRequest records a completed request with its round-trip latency.
func (r *Recorder) RecordRequest(cat models.Category, outcome string, seconds float64) {
	r.requestsTotal.WithLabelValues(string(cat), outcome).Inc()
	r.latency.WithLabelValues(string(cat)).Observe(seconds)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}
