// Package retry resubmits requests that a replica redirected elsewhere.
//
// A replica that is not authoritative for a file answers with a redirect
// naming the replica that is. Do follows such redirects, up to a bounded
// count, and is the only consumer of *fault.Redirect in the client: no
// redirect ever escapes Do, neither as a value nor wrapped.
//
// Per-request state (current target and redirect count) lives on Do's
// stack. A Loop only holds configuration and the shared pacing limiter, so
// one Loop serves any number of concurrent requests.
package retry

import (
	"context"
	"fmt"

	"github.com/marmos91/xtfs/internal/logger"
	"github.com/marmos91/xtfs/internal/ratelimiter"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/metrics"
)

// DefaultMaxRedirects bounds the redirects a request may follow.
const DefaultMaxRedirects = 5

// Policy configures a Loop.
type Policy struct {
	// MaxRedirects is the number of redirects a request may follow before
	// it fails. Negative values are treated as 0.
	MaxRedirects int `mapstructure:"max_redirects" validate:"min=0"`

	// RedirectRate is the sustained rate (per second) at which redirected
	// requests are resubmitted. 0 disables pacing.
	RedirectRate uint `mapstructure:"redirect_rate"`

	// RedirectBurst is the number of resubmissions allowed without pacing.
	RedirectBurst uint `mapstructure:"redirect_burst"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxRedirects: DefaultMaxRedirects}
}

// Attempt sends one request to target and returns its outcome.
type Attempt[T any] func(ctx context.Context, target string) (T, error)

// Loop holds the redirect policy shared by many requests.
type Loop struct {
	policy   Policy
	limiter  *ratelimiter.RateLimiter
	metrics  metrics.RetryMetrics
	observer Observer
}

// Option customizes a Loop.
type Option func(*Loop)

// WithMetrics records redirect statistics. A nil m disables them.
func WithMetrics(m metrics.RetryMetrics) Option {
	return func(l *Loop) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithObserver reports every state transition to o.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		l.observer = o
	}
}

// New creates a Loop.
func New(policy Policy, opts ...Option) *Loop {
	if policy.MaxRedirects < 0 {
		policy.MaxRedirects = 0
	}

	l := &Loop{
		policy:  policy,
		limiter: ratelimiter.New(policy.RedirectRate, policy.RedirectBurst),
		metrics: metrics.NewNoopRetryMetrics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the loop's policy.
func (l *Loop) Policy() Policy {
	return l.policy
}

// Do sends a request to target and follows redirects until it succeeds,
// fails with a non-redirect error, exceeds the redirect budget or ctx ends.
//
// Returns:
//   - the attempt's result on success
//   - the attempt's error unchanged for any non-redirect failure
//   - *fault.IO when more than MaxRedirects redirects were received
//   - ctx.Err() when ctx ends before a result is accepted; a result that
//     arrives after cancellation is discarded
func Do[T any](ctx context.Context, l *Loop, target string, attempt Attempt[T]) (T, error) {
	var zero T
	req := &request{loop: l, target: target, state: StateIdle}

	for {
		if err := ctx.Err(); err != nil {
			return zero, req.fail(err)
		}

		req.transition(StateSending)
		req.transition(StateAwaitingResult)
		result, err := attempt(ctx, req.target)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, req.fail(ctxErr)
		}

		if err == nil {
			req.transition(StateDone)
			l.metrics.ObserveRedirectsPerRequest(req.redirects)
			return result, nil
		}

		redirect, ok := fault.AsRedirect(err)
		if !ok {
			return zero, req.fail(err)
		}

		req.redirects++
		if req.redirects > l.policy.MaxRedirects {
			l.metrics.RecordRedirectBudgetExhausted()
			logger.Warn("Giving up after %d redirects, last target %s", req.redirects, redirect.TargetUUID())
			return zero, req.fail(fault.NewIOf(
				"too many redirects: request was redirected %d times (maximum %d), last target %s",
				req.redirects, l.policy.MaxRedirects, redirect.TargetUUID()))
		}

		l.metrics.RecordRedirect()
		logger.Debug("Following redirect %d/%d from %s to %s",
			req.redirects, l.policy.MaxRedirects, req.target, redirect.TargetUUID())
		req.target = redirect.TargetUUID()

		if err := l.limiter.Wait(ctx); err != nil {
			return zero, req.fail(err)
		}
	}
}

// request is the state of one Do call.
type request struct {
	loop      *Loop
	target    string
	redirects int
	state     State
}

func (r *request) transition(to State) {
	from := r.state
	r.state = to
	if r.loop.observer != nil {
		r.loop.observer.OnTransition(Transition{
			From:      from,
			To:        to,
			Target:    r.target,
			Redirects: r.redirects,
		})
	}
}

func (r *request) fail(err error) error {
	r.transition(StateFailed)
	if _, ok := fault.AsRedirect(err); ok {
		panic(fmt.Sprintf("retry: redirect escaping the loop: %v", err))
	}
	return err
}
