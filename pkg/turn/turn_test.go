package turn_test

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-sh/agentcore/pkg/compact"
	"github.com/kestrel-sh/agentcore/pkg/provider/stub"
	"github.com/kestrel-sh/agentcore/pkg/retry"
	"github.com/kestrel-sh/agentcore/pkg/store"
	"github.com/kestrel-sh/agentcore/pkg/store/jsonl"
	"github.com/kestrel-sh/agentcore/pkg/tool"
	"github.com/kestrel-sh/agentcore/pkg/turn"
)

func newSession(t *testing.T) store.Session {
	t.Helper()
	m, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess, err := m.New("", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func drain(t *testing.T, events <-chan turn.Event, until turn.EventKind, timeout time.Duration) []turn.Event {
	t.Helper()
	var got []turn.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Kind == until {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q, got %+v", until, got)
		}
	}
}

func TestEngine_SimpleTurn(t *testing.T) {
	sess := newSession(t)
	prov := stub.New(stub.TextDone("hello there"))
	e := turn.New(sess, prov, tool.NewRegistry(), nil, turn.Config{
		Retry: retry.Config{MaxRetries: 3, BaseDelayMs: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := e.Subscribe(ctx)

	if err := e.Prompt(context.Background(), textContent("hi")); err != nil {
		t.Fatal(err)
	}

	drain(t, events, turn.EvTurnEnd, 2*time.Second)

	waitForIdle(t, e)
	if prov.Calls() != 1 {
		t.Fatalf("expected exactly one provider call, got %d", prov.Calls())
	}

	path, err := sess.PathTo(sess.LeafID())
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 2 {
		t.Fatalf("expected 2 entries (user + assistant), got %d", len(path))
	}
	if path[1].Message.Role != store.RoleAssistant || path[1].Message.StopReason != store.StopReasonStop {
		t.Fatalf("unexpected assistant entry: %+v", path[1].Message)
	}
}

func TestEngine_SingleFlight(t *testing.T) {
	sess := newSession(t)
	block := make(chan struct{})
	prov := stub.New(stub.Turn{Block: block})
	e := turn.New(sess, prov, tool.NewRegistry(), nil, turn.Config{
		Retry: retry.Config{MaxRetries: 1, BaseDelayMs: 1},
	})

	if err := e.Prompt(context.Background(), textContent("hi")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, turn.Streaming)

	if err := e.Prompt(context.Background(), textContent("again")); err != turn.ErrAlreadyProcessing {
		t.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}

	close(block)
	waitForIdle(t, e)
}

func TestEngine_RetryOnTransientError(t *testing.T) {
	sess := newSession(t)
	prov := stub.New(stub.TransientError("rate limited"), stub.TextDone("recovered"))
	e := turn.New(sess, prov, tool.NewRegistry(), nil, turn.Config{
		Retry: retry.Config{MaxRetries: 3, BaseDelayMs: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := e.Subscribe(ctx)

	if err := e.Prompt(context.Background(), textContent("hi")); err != nil {
		t.Fatal(err)
	}

	seen := drain(t, events, turn.EvTurnEnd, 2*time.Second)

	var sawRetryStart, sawRetryEnd bool
	for _, ev := range seen {
		if ev.Kind == turn.EvAutoRetryStart {
			sawRetryStart = true
		}
		if ev.Kind == turn.EvAutoRetryEnd {
			sawRetryEnd = true
			if !ev.Success {
				t.Fatalf("expected retry to succeed, got %+v", ev)
			}
		}
	}
	if !sawRetryStart || !sawRetryEnd {
		t.Fatalf("expected both retry events, got %+v", seen)
	}

	waitForIdle(t, e)
	if prov.Calls() != 2 {
		t.Fatalf("expected 2 provider calls (fail then succeed), got %d", prov.Calls())
	}
}

func TestEngine_SteerDeliveredAfterTurnEnds(t *testing.T) {
	sess := newSession(t)
	prov := stub.New(stub.TextDone("first"), stub.TextDone("second"))
	e := turn.New(sess, prov, tool.NewRegistry(), nil, turn.Config{
		Retry: retry.Config{MaxRetries: 1, BaseDelayMs: 1},
	})

	if err := e.Prompt(context.Background(), textContent("hi")); err != nil {
		t.Fatal(err)
	}
	e.Steer(textContent("follow-up question"))

	waitForCalls(t, prov, 2)
	waitForIdle(t, e)

	if e.PendingCount() != 0 {
		t.Fatalf("expected pending queue drained, got %d", e.PendingCount())
	}

	path, err := sess.PathTo(sess.LeafID())
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 4 {
		t.Fatalf("expected 4 entries (2 turns x user+assistant), got %d", len(path))
	}
}

func TestEngine_AbortThenQueuedSteerStillRuns(t *testing.T) {
	sess := newSession(t)
	block := make(chan struct{})
	prov := stub.New(stub.Turn{Block: block}, stub.TextDone("steered reply"))
	e := turn.New(sess, prov, tool.NewRegistry(), nil, turn.Config{
		Retry: retry.Config{MaxRetries: 1, BaseDelayMs: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := e.Subscribe(ctx)

	if err := e.Prompt(context.Background(), textContent("hi")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, e, turn.Streaming)

	e.Steer(textContent("still here?"))
	e.Abort()

	drain(t, events, turn.EvTurnEnd, 2*time.Second)
	waitForIdle(t, e)
	waitForCalls(t, prov, 2)
	waitForIdle(t, e)

	if e.PendingCount() != 0 {
		t.Fatalf("expected the queued steer to be dequeued, got %d pending", e.PendingCount())
	}

	path, err := sess.PathTo(sess.LeafID())
	if err != nil {
		t.Fatal(err)
	}
	var last store.Entry
	for _, entry := range path {
		if entry.Type == store.TypeMessage && entry.Message.Role == store.RoleAssistant {
			last = entry
		}
	}
	if last.Message.StopReason != store.StopReasonStop {
		t.Fatalf("expected the steered turn to complete successfully, got %+v", last.Message)
	}
}

func TestEngine_ManualCompact(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.AppendMessage(store.RoleUser, textContent("long history")); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.AppendAssistant(textContent("ok"), "m", "p", &store.TokenUsage{InputTokens: 900}, store.StopReasonStop, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.AppendMessage(store.RoleUser, textContent("more")); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.AppendAssistant(textContent("ok2"), "m", "p", &store.TokenUsage{InputTokens: 950}, store.StopReasonStop, ""); err != nil {
		t.Fatal(err)
	}

	prov := stub.New(stub.TextDone("a dense summary"))
	e := turn.New(sess, prov, tool.NewRegistry(), nil, turn.Config{
		Retry: retry.Config{MaxRetries: 1, BaseDelayMs: 1},
		Compaction: compact.Config{
			ContextWindow:    1000,
			ReserveTokens:    50,
			KeepRecentTokens: 60,
			CompactionModel:  "test-model",
		},
	})

	if err := e.Compact(context.Background()); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	path, err := sess.PathTo(sess.LeafID())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, entry := range path {
		if entry.Type == store.TypeCompaction {
			found = true
			if entry.Compaction.Summary != "a dense summary" {
				t.Fatalf("unexpected summary: %+v", entry.Compaction)
			}
		}
	}
	if !found {
		t.Fatal("expected a Compaction entry to be appended")
	}
}

func textContent(s string) []store.Content {
	return []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: s}}}
}

func waitForIdle(t *testing.T, e *turn.Engine) {
	t.Helper()
	waitForState(t, e, turn.Idle)
}

func waitForState(t *testing.T, e *turn.Engine, want turn.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, got %q", want, e.State())
}

func waitForCalls(t *testing.T, prov *stub.Provider, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if prov.Calls() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d provider calls, got %d", want, prov.Calls())
}
