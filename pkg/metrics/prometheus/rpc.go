package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/xtfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rpcMetrics is the Prometheus implementation of metrics.RPCMetrics.
type rpcMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reconnects      *prometheus.CounterVec
	droppedReplies  prometheus.Counter
	pendingRequests prometheus.Gauge
}

// NewRPCMetrics creates a Prometheus-backed RPCMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewRPCMetrics() metrics.RPCMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRPCMetrics()
	}

	reg := metrics.GetRegistry()

	return &rpcMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "xtfs_rpc_requests_total",
				Help: "Total number of RPC requests by procedure and outcome",
			},
			[]string{"procedure", "outcome"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "xtfs_rpc_request_duration_milliseconds",
				Help: "Duration of RPC requests in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"procedure"},
		),
		reconnects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "xtfs_rpc_connect_attempts_total",
				Help: "Total number of connection attempts by endpoint and result",
			},
			[]string{"endpoint", "success"},
		),
		droppedReplies: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "xtfs_rpc_dropped_replies_total",
				Help: "Replies received for requests that were no longer pending",
			},
		),
		pendingRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "xtfs_rpc_pending_requests",
				Help: "Current number of requests awaiting a reply",
			},
		),
	}
}

func (m *rpcMetrics) RecordRequest(procedure string, duration time.Duration, outcome string) {
	m.requestsTotal.WithLabelValues(procedure, outcome).Inc()
	m.requestDuration.WithLabelValues(procedure).Observe(duration.Seconds() * 1000)
}

func (m *rpcMetrics) RecordReconnect(endpoint string, success bool) {
	m.reconnects.WithLabelValues(endpoint, strconv.FormatBool(success)).Inc()
}

func (m *rpcMetrics) RecordDroppedReply() {
	m.droppedReplies.Inc()
}

func (m *rpcMetrics) SetPendingRequests(count int) {
	m.pendingRequests.Set(float64(count))
}
