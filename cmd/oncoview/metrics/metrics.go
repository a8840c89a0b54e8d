// Package metrics provides Prometheus instrumentation for the oncoview server.
//
// Metrics exposed:
//   - oncoview_service_request_seconds: Histogram of prediction service call duration by operation
//   - oncoview_service_errors_total: Counter of failed service calls by operation and error kind
//   - oncoview_submissions_total: Counter of submissions by outcome
//   - oncoview_submissions_in_flight: Gauge of submissions waiting on the service
//   - oncoview_active_sessions: Gauge of sessions held in memory
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oncodetect/oncoview/pkg/client"
)

// Submission outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	ServiceRequestSeconds *prometheus.HistogramVec
	ServiceErrorsTotal    *prometheus.CounterVec
	SubmissionsTotal      *prometheus.CounterVec
	SubmissionsInFlight   prometheus.Gauge
	ActiveSessions        prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ServiceRequestSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oncoview_service_request_seconds",
			Help:    "Time spent in prediction service calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),

		ServiceErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oncoview_service_errors_total",
			Help: "Total number of failed prediction service calls by operation and kind",
		}, []string{"operation", "kind"}),

		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oncoview_submissions_total",
			Help: "Total number of image submissions by outcome",
		}, []string{"outcome"}),

		SubmissionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "oncoview_submissions_in_flight",
			Help: "Submissions currently waiting on the prediction service",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "oncoview_active_sessions",
			Help: "Browser sessions currently held in memory",
		}),
	}
}

// ObserveRequest records the duration of one service call.
func (m *Metrics) ObserveRequest(op string, seconds float64) {
	m.ServiceRequestSeconds.WithLabelValues(op).Observe(seconds)
}

// RecordError increments the service error counter.
func (m *Metrics) RecordError(op string, kind client.Kind) {
	m.ServiceErrorsTotal.WithLabelValues(op, kind.String()).Inc()
}

// RecordSubmission increments the submission counter for outcome.
func (m *Metrics) RecordSubmission(outcome string) {
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

var _ client.Recorder = (*Metrics)(nil)
