package metrics

import (
	"time"
)

// RPCMetrics observes the ONC RPC client.
//
// Example usage:
//
//	client := rpc.NewClient(cfg, prometheus.NewRPCMetrics())
//	client := rpc.NewClient(cfg, nil) // no-op
type RPCMetrics interface {
	// RecordRequest records a completed call.
	//
	// Parameters:
	//   - procedure: service-qualified procedure name (e.g. "MRC.LSVOL")
	//   - duration: time from send to reply or failure
	//   - outcome: "ok", "exception", "error", "timeout" or "cancelled"
	RecordRequest(procedure string, duration time.Duration, outcome string)

	// RecordReconnect counts a connection (re)establishment attempt.
	RecordReconnect(endpoint string, success bool)

	// RecordDroppedReply counts replies whose XID matched no pending request.
	RecordDroppedReply()

	// SetPendingRequests updates the number of requests awaiting a reply.
	SetPendingRequests(count int)
}

// RetryMetrics observes the redirect retry loop.
type RetryMetrics interface {
	// RecordRedirect counts one redirect followed to a new target.
	RecordRedirect()

	// RecordRedirectBudgetExhausted counts requests that hit the redirect cap.
	RecordRedirectBudgetExhausted()

	// ObserveRedirectsPerRequest records how many redirects a finished
	// request followed.
	ObserveRedirectsPerRequest(count int)
}

// FaultMetrics observes faults crossing the POSIX boundary.
type FaultMetrics interface {
	// RecordFault counts a fault surfaced to a caller, labeled with its kind
	// name and the errno name it was mapped to.
	RecordFault(kind string, errno string)

	// RecordDefect counts a client invariant violation.
	RecordDefect(kind string)
}

// CacheMetrics observes the UUID address cache.
type CacheMetrics interface {
	RecordCacheHit(store string)
	RecordCacheMiss(store string)
	RecordCacheEviction(store string)
}

// NewNoopRPCMetrics returns an RPCMetrics that discards everything.
func NewNoopRPCMetrics() RPCMetrics { return noopRPCMetrics{} }

// NewNoopRetryMetrics returns a RetryMetrics that discards everything.
func NewNoopRetryMetrics() RetryMetrics { return noopRetryMetrics{} }

// NewNoopFaultMetrics returns a FaultMetrics that discards everything.
func NewNoopFaultMetrics() FaultMetrics { return noopFaultMetrics{} }

// NewNoopCacheMetrics returns a CacheMetrics that discards everything.
func NewNoopCacheMetrics() CacheMetrics { return noopCacheMetrics{} }

type noopRPCMetrics struct{}

func (noopRPCMetrics) RecordRequest(procedure string, duration time.Duration, outcome string) {}
func (noopRPCMetrics) RecordReconnect(endpoint string, success bool)                           {}
func (noopRPCMetrics) RecordDroppedReply()                                                     {}
func (noopRPCMetrics) SetPendingRequests(count int)                                            {}

type noopRetryMetrics struct{}

func (noopRetryMetrics) RecordRedirect()                      {}
func (noopRetryMetrics) RecordRedirectBudgetExhausted()       {}
func (noopRetryMetrics) ObserveRedirectsPerRequest(count int) {}

type noopFaultMetrics struct{}

func (noopFaultMetrics) RecordFault(kind string, errno string) {}
func (noopFaultMetrics) RecordDefect(kind string)              {}

type noopCacheMetrics struct{}

func (noopCacheMetrics) RecordCacheHit(store string)      {}
func (noopCacheMetrics) RecordCacheMiss(store string)     {}
func (noopCacheMetrics) RecordCacheEviction(store string) {}
