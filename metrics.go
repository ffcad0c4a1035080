package cloudsig

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of a Client. A nil *Metrics
// records nothing.
type Metrics struct {
	signed     *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	redirects  prometheus.Counter
	operations *prometheus.CounterVec
	backoff    prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		signed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudsig_signed_requests_total",
				Help: "Total number of signed requests by scheme",
			},
			[]string{"scheme"},
		),
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudsig_attempts_total",
				Help: "Total number of requests sent by scheme",
			},
			[]string{"scheme"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudsig_retries_total",
				Help: "Total number of resends after a transient failure by reason",
			},
			[]string{"reason"},
		),
		redirects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloudsig_redirects_total",
				Help: "Total number of followed redirects",
			},
		),
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudsig_operations_total",
				Help: "Total number of finished operations by outcome",
			},
			[]string{"outcome"},
		),
		backoff: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudsig_backoff_seconds",
				Help:    "Delays waited before resending",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
		),
	}
}

func (m *Metrics) recordSigned(scheme string) {
	if m == nil {
		return
	}
	m.signed.WithLabelValues(scheme).Inc()
}

func (m *Metrics) recordAttempt(scheme string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(scheme).Inc()
}

func (m *Metrics) recordRetry(reason string, delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
	m.backoff.Observe(delay.Seconds())
}

func (m *Metrics) recordRedirect() {
	if m == nil {
		return
	}
	m.redirects.Inc()
}

func (m *Metrics) recordOperation(outcome State) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(outcome.String()).Inc()
}
