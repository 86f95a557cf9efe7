package config

import (
	"github.com/marmos91/xtfs/pkg/metrics"
	promMetrics "github.com/marmos91/xtfs/pkg/metrics/prometheus"
)

// MetricsResult bundles the collectors handed to the client packages.
//
// Every collector is non-nil; with metrics disabled they are no-ops.
type MetricsResult struct {
	// Server serves /metrics; nil when metrics are disabled. The caller
	// starts and stops it.
	Server *metrics.Server

	RPC   metrics.RPCMetrics
	Retry metrics.RetryMetrics
	Fault metrics.FaultMetrics
	Cache metrics.CacheMetrics
}

// InitializeMetrics builds the collectors described by cfg.Metrics.
//
// When enabled, the collectors are Prometheus-backed and registered with
// the process-wide registry, so call this once per process. When disabled,
// no registry is created and the collectors cost nothing.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			RPC:   metrics.NewNoopRPCMetrics(),
			Retry: metrics.NewNoopRetryMetrics(),
			Fault: metrics.NewNoopFaultMetrics(),
			Cache: metrics.NewNoopCacheMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server: server,
		RPC:    promMetrics.NewRPCMetrics(),
		Retry:  promMetrics.NewRetryMetrics(),
		Fault:  promMetrics.NewFaultMetrics(),
		Cache:  promMetrics.NewCacheMetrics(),
	}
}
