package prometheus

import (
	"github.com/marmos91/xtfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// faultMetrics is the Prometheus implementation of metrics.FaultMetrics.
type faultMetrics struct {
	faultsTotal  *prometheus.CounterVec
	defectsTotal *prometheus.CounterVec
}

// NewFaultMetrics creates a Prometheus-backed FaultMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewFaultMetrics() metrics.FaultMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopFaultMetrics()
	}

	reg := metrics.GetRegistry()

	return &faultMetrics{
		faultsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "xtfs_faults_total",
				Help: "Faults surfaced at the POSIX boundary by kind and errno",
			},
			[]string{"kind", "errno"},
		),
		defectsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "xtfs_defects_total",
				Help: "Client invariant violations by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *faultMetrics) RecordFault(kind string, errno string) {
	m.faultsTotal.WithLabelValues(kind, errno).Inc()
}

func (m *faultMetrics) RecordDefect(kind string) {
	m.defectsTotal.WithLabelValues(kind).Inc()
}

// retryMetrics is the Prometheus implementation of metrics.RetryMetrics.
type retryMetrics struct {
	redirects           prometheus.Counter
	budgetExhausted     prometheus.Counter
	redirectsPerRequest prometheus.Histogram
}

// NewRetryMetrics creates a Prometheus-backed RetryMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewRetryMetrics() metrics.RetryMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRetryMetrics()
	}

	reg := metrics.GetRegistry()

	return &retryMetrics{
		redirects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "xtfs_redirects_total",
				Help: "Replica redirects followed",
			},
		),
		budgetExhausted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "xtfs_redirect_budget_exhausted_total",
				Help: "Requests that failed after exceeding the redirect limit",
			},
		),
		redirectsPerRequest: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "xtfs_redirects_per_request",
				Help:    "Number of redirects followed by a completed request",
				Buckets: []float64{0, 1, 2, 3, 5, 8},
			},
		),
	}
}

func (m *retryMetrics) RecordRedirect() {
	m.redirects.Inc()
}

func (m *retryMetrics) RecordRedirectBudgetExhausted() {
	m.budgetExhausted.Inc()
}

func (m *retryMetrics) ObserveRedirectsPerRequest(count int) {
	m.redirectsPerRequest.Observe(float64(count))
}
