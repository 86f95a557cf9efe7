package prometheus

import (
	"github.com/marmos91/xtfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics is the Prometheus implementation of metrics.CacheMetrics.
type cacheMetrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

// NewCacheMetrics creates a Prometheus-backed CacheMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewCacheMetrics() metrics.CacheMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopCacheMetrics()
	}

	reg := metrics.GetRegistry()

	return &cacheMetrics{
		hits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "xtfs_uuid_cache_hits_total",
				Help: "UUID address cache hits by store",
			},
			[]string{"store"},
		),
		misses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "xtfs_uuid_cache_misses_total",
				Help: "UUID address cache misses by store",
			},
			[]string{"store"},
		),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "xtfs_uuid_cache_evictions_total",
				Help: "Expired UUID address cache entries dropped on lookup",
			},
			[]string{"store"},
		),
	}
}

func (m *cacheMetrics) RecordCacheHit(store string) {
	m.hits.WithLabelValues(store).Inc()
}

func (m *cacheMetrics) RecordCacheMiss(store string) {
	m.misses.WithLabelValues(store).Inc()
}

func (m *cacheMetrics) RecordCacheEviction(store string) {
	m.evictions.WithLabelValues(store).Inc()
}
