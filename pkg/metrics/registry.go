// Package metrics defines the observability hooks of the xtfs client.
//
// All metrics are optional. Components receive one of the interfaces below;
// when metrics are disabled they get the no-op implementation, which costs
// nothing. The Prometheus-backed implementations live in
// pkg/metrics/prometheus.
//
// Usage:
//
//	metrics.InitRegistry()
//	rpcMetrics := prometheus.NewRPCMetrics()
//	client := rpc.NewClient(cfg, rpcMetrics)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is written once by InitRegistry and read many times.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide Prometheus registry.
//
// Safe to call multiple times; only the first call has an effect. Until it
// is called, GetRegistry returns nil and every constructor in
// pkg/metrics/prometheus returns a no-op implementation.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
