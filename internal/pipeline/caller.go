package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fmeyer/voicegate/internal/reliability"
)

// HealthReporter receives the outcome of every provider call.
type HealthReporter interface {
	ReportSuccess(provider string)
	ReportFailure(provider string)
}

// RetryPolicy bounds retries for one adapter.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Caller applies the shared invoke contract: per-call timeout, bounded
// retry with capped exponential backoff for Timeout and Unavailable, a
// single backoff-and-retry for RateLimited honoring any provider-supplied
// delay, and no retry for InvalidResponse. Every call reports its outcome
// to the health tracker.
type Caller struct {
	Provider string
	Timeout  time.Duration
	Retry    RetryPolicy
	Health   HealthReporter
	Errors   *prometheus.CounterVec
}

// Invoke runs call until it succeeds, the retry budget is spent, or ctx is
// cancelled. Cancellation of the parent context is surfaced as-is so turn
// teardown is distinguishable from provider failure.
func (c *Caller) Invoke(ctx context.Context, call func(ctx context.Context) error) error {
	retries := 0
	rateRetried := false

	for {
		callCtx := ctx
		cancel := func() {}
		if c.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		}
		err := call(callCtx)
		cancel()

		if err == nil {
			if c.Health != nil {
				c.Health.ReportSuccess(c.Provider)
			}
			return nil
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		perr := Classify(c.Provider, err)
		if c.Health != nil {
			c.Health.ReportFailure(c.Provider)
		}
		if c.Errors != nil {
			c.Errors.WithLabelValues(c.Provider, string(perr.Kind)).Inc()
		}

		var delay time.Duration
		switch perr.Kind {
		case KindInvalidResponse:
			return perr
		case KindRateLimited:
			if rateRetried {
				return perr
			}
			rateRetried = true
			delay = perr.RetryAfter
			if delay <= 0 {
				delay = reliability.ExponentialBackoff(0, c.Retry.BaseBackoff, c.Retry.MaxBackoff)
			}
		case KindTimeout, KindUnavailable:
			retries++
			if retries >= c.Retry.MaxAttempts {
				return perr
			}
			delay = reliability.ExponentialBackoff(retries-1, c.Retry.BaseBackoff, c.Retry.MaxBackoff)
		default:
			return perr
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
