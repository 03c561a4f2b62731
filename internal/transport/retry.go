package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/askace/config"
)

// RetryPolicy bounds how often and how patiently a remote call is retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 300 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2,
	CallTimeout:     30 * time.Second,
}

// PolicyFromConfig converts the configured retry section.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	c = c.Normalize()
	return RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
		CallTimeout:     c.CallTimeout,
	}
}

// NoRetry performs exactly one attempt.
func NoRetry() RetryPolicy {
	p := DefaultRetryPolicy
	p.MaxAttempts = 1
	return p
}

// BackOff builds a context-aware exponential backoff honoring MaxAttempts.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op under the policy. op receives a per-attempt context bounded by
// CallTimeout. Errors wrapped with backoff.Permanent stop retrying.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	attempt := func() error {
		actx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}
		return op(actx)
	}
	return backoff.RetryNotify(attempt, p.BackOff(ctx), notify)
}
