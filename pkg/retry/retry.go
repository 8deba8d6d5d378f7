// Package retry implements the Retry Controller (spec.md §4.7): bounded
// exponential backoff for transient stream errors, grounded on the
// telnet2-opencode pack's use of cenkalti/backoff/v4 for its own agentic
// retry loop (internal/session/loop.go's newRetryBackoff).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kestrel-sh/agentcore/pkg/agenterr"
)

// Config bounds one turn's retry budget.
type Config struct {
	MaxRetries  int
	BaseDelayMs int
}

// DefaultConfig mirrors the pack's own defaults (loop.go's MaxRetries=3,
// RetryInitialInterval=1s), scaled down to a millisecond base since
// spec.md expresses it that way.
var DefaultConfig = Config{MaxRetries: 3, BaseDelayMs: 1000}

// Controller owns one turn's backoff schedule. The Retry Controller, not
// the backoff library, enforces max_retries (spec.md §4.6): MaxElapsedTime
// is left at 0 (unbounded) and WithMaxRetries caps attempt count instead,
// so a slow-but-successful stream is never killed by wall-clock alone.
type Controller struct {
	cfg     Config
	backoff backoff.BackOffContext
	attempt int
}

// New builds a Controller for one turn's lifetime. ctx cancellation aborts
// any in-progress Wait immediately (spec.md §5 cancellation semantics).
func New(ctx context.Context, cfg Config) *Controller {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return &Controller{
		cfg:     cfg,
		backoff: backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx),
	}
}

// ShouldRetry reports whether err is eligible for another attempt: it must
// classify as agenterr.Transient and the retry budget must remain.
func (c *Controller) ShouldRetry(err error) bool {
	if agenterr.KindOf(err) != agenterr.Transient {
		return false
	}
	return c.attempt < c.cfg.MaxRetries
}

// Next advances to the next attempt and blocks for this attempt's backoff
// delay, returning the delay actually waited. A cancelled context surfaces
// as a Cancelled error; backoff.Stop with the context still live (budget
// exhausted) surfaces as a Permanent error so the caller stops retrying.
func (c *Controller) Next(ctx context.Context) (time.Duration, error) {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		if err := c.backoff.Context().Err(); err != nil {
			return 0, agenterr.New(agenterr.Cancelled, "retry", err)
		}
		return 0, agenterr.New(agenterr.Permanent, "retry", context.DeadlineExceeded)
	}
	c.attempt++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		return 0, agenterr.New(agenterr.Cancelled, "retry", ctx.Err())
	}
}

// Attempt returns the number of retry attempts started so far (0 before the
// first Next).
func (c *Controller) Attempt() int { return c.attempt }
