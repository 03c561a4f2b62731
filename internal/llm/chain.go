package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"github.com/mohammad-safakhou/askace/internal/transport"
	"go.uber.org/zap"
)

// Link is one entry of a fallback chain.
type Link struct {
	Client Client
	Model  string
}

func (l Link) String() string {
	if l.Model == "" {
		return l.Client.Name()
	}
	return l.Client.Name() + "/" + l.Model
}

// Chain tries its links in order. Each link is retried under Policy before
// the chain moves on; when every link is exhausted the error matches
// failure.ErrGeneration.
type Chain struct {
	Links  []Link
	Policy transport.RetryPolicy
	logger *zap.Logger
}

// NewChain builds a chain. logger may be nil.
func NewChain(policy transport.RetryPolicy, logger *zap.Logger, links ...Link) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{Links: links, Policy: policy, logger: logger}
}

// Complete runs the chain for role.
func (c *Chain) Complete(ctx context.Context, role Role, p Prompt) (string, error) {
	if len(c.Links) == 0 {
		return "", failure.Newf(failure.ReasonGeneration, "generate", "no generator configured for role %s", role)
	}
	var errs []error
	for _, link := range c.Links {
		var out string
		err := c.Policy.Do(ctx, func(actx context.Context) error {
			text, err := link.Client.Complete(actx, link.Model, p)
			if err != nil {
				var se *transport.StatusError
				if errors.As(err, &se) && !se.Retryable() {
					return backoff.Permanent(err)
				}
				return err
			}
			out = text
			return nil
		}, func(err error, wait time.Duration) {
			c.logger.Debug("retrying generator", zap.String("role", string(role)), zap.Stringer("link", link), zap.Duration("wait", wait), zap.Error(err))
		})
		if err == nil {
			telemetry.GenerationCalls.WithLabelValues(string(role), link.Client.Name(), "ok").Inc()
			return out, nil
		}
		telemetry.GenerationCalls.WithLabelValues(string(role), link.Client.Name(), "error").Inc()
		if ctx.Err() != nil {
			return "", fmt.Errorf("generate %s: %w", role, ctx.Err())
		}
		c.logger.Warn("generator exhausted, trying next in chain", zap.String("role", string(role)), zap.Stringer("link", link), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", link, err))
	}
	return "", failure.New(failure.ReasonGeneration, "generate "+string(role), errors.Join(errs...))
}
