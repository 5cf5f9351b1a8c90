package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification state machine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Replies by operation, user-facing outcome and internal reason
	Replies *prometheus.CounterVec

	OperationLatency *prometheus.HistogramVec

	// Grant/revoke requests the access notifier could not deliver
	AccessFailures *prometheus.CounterVec

	RateLimited *prometheus.CounterVec

	PendingSwept prometheus.Counter
}

// New registers the verification metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the verification metrics on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Replies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_verification_replies_total",
			Help: "State machine replies by operation, outcome and reason",
		}, []string{"operation", "outcome", "reason"}),

		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idlink_verification_operation_duration_seconds",
			Help:    "Duration of state machine operations including directory and mail round trips",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}), // operation: "begin", "confirm", "unverify", "whois", "rejoin"

		AccessFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_access_failures_total",
			Help: "Access grant or revoke requests that failed",
		}, []string{"action"}),

		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_verification_rate_limited_total",
			Help: "Attempts rejected by the per-chat attempt limiter",
		}, []string{"attempt"}),

		PendingSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "idlink_pending_swept_total",
			Help: "Expired pending codes removed by the lazy sweep",
		}),
	}
}

func (m *Metrics) IncReply(operation, outcome, reason string) {
	if m != nil {
		m.Replies.WithLabelValues(operation, outcome, reason).Inc()
	}
}

func (m *Metrics) ObserveLatency(operation string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func (m *Metrics) IncAccessFailure(action string) {
	if m != nil {
		m.AccessFailures.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncRateLimited(attempt string) {
	if m != nil {
		m.RateLimited.WithLabelValues(attempt).Inc()
	}
}

func (m *Metrics) AddSwept(n int64) {
	if m != nil && n > 0 {
		m.PendingSwept.Add(float64(n))
	}
}
