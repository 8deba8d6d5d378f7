package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrel-sh/agentcore/pkg/agenterr"
)

func TestShouldRetry_OnlyTransient(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, Config{MaxRetries: 3, BaseDelayMs: 1})

	transient := agenterr.New(agenterr.Transient, "op", errors.New("rate limited"))
	if !c.ShouldRetry(transient) {
		t.Fatal("expected transient error to be retryable")
	}

	permanent := agenterr.New(agenterr.Permanent, "op", errors.New("bad request"))
	if c.ShouldRetry(permanent) {
		t.Fatal("expected permanent error to not be retryable")
	}
}

func TestShouldRetry_StopsAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, Config{MaxRetries: 2, BaseDelayMs: 1})
	transient := agenterr.New(agenterr.Transient, "op", errors.New("timeout"))

	for i := 0; i < 2; i++ {
		if !c.ShouldRetry(transient) {
			t.Fatalf("attempt %d: expected retryable", i)
		}
		if _, err := c.Next(ctx); err != nil {
			t.Fatalf("attempt %d: Next failed: %v", i, err)
		}
	}

	if c.ShouldRetry(transient) {
		t.Fatal("expected retries exhausted after MaxRetries")
	}
}

func TestNext_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, Config{MaxRetries: 5, BaseDelayMs: 10_000})
	cancel()

	_, err := c.Next(ctx)
	if agenterr.KindOf(err) != agenterr.Cancelled {
		t.Fatalf("expected Cancelled kind, got %v", agenterr.KindOf(err))
	}
}

func TestNext_AdvancesAttemptCount(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, Config{MaxRetries: 3, BaseDelayMs: 1})

	if c.Attempt() != 0 {
		t.Fatalf("expected initial attempt count 0, got %d", c.Attempt())
	}
	if _, err := c.Next(ctx); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if c.Attempt() != 1 {
		t.Fatalf("expected attempt count 1 after one Next, got %d", c.Attempt())
	}
}

func TestNext_RespectsMaxElapsedTimeZero(t *testing.T) {
	// With MaxElapsedTime = 0 the backoff library never stops on its own
	// time budget; only MaxRetries (via WithMaxRetries) should stop it.
	ctx := context.Background()
	c := New(ctx, Config{MaxRetries: 1, BaseDelayMs: 1})

	if _, err := c.Next(ctx); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	if _, err := c.Next(ctx); err == nil {
		t.Fatal("expected second Next to return an error once MaxRetries is exhausted")
	} else if agenterr.KindOf(err) != agenterr.Permanent {
		t.Fatalf("expected Permanent kind for exhausted retries, got %v", agenterr.KindOf(err))
	}
}

func TestNew_UsesBaseDelay(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	c := New(ctx, Config{MaxRetries: 1, BaseDelayMs: 20})
	if _, err := c.Next(ctx); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected Next to wait roughly the base delay, elapsed %v", elapsed)
	}
}
