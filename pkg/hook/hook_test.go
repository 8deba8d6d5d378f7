package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

func TestDispatch_RegistrationOrder(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var order []int
	r.On(ToolCall, func(ctx context.Context, p *Payload) error {
		order = append(order, 1)
		return nil
	})
	r.On(ToolCall, func(ctx context.Context, p *Payload) error {
		order = append(order, 2)
		return nil
	})
	r.On(ToolCall, func(ctx context.Context, p *Payload) error {
		order = append(order, 3)
		return nil
	})

	r.Dispatch(context.Background(), &Payload{Event: ToolCall})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected handlers to run in registration order, got %v", order)
	}
}

func TestDispatch_VetoShortCircuits(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var ran3 bool
	r.On(ToolCall, func(ctx context.Context, p *Payload) error {
		p.Veto = "not allowed"
		return nil
	})
	r.On(ToolCall, func(ctx context.Context, p *Payload) error {
		ran3 = true
		return nil
	})

	p := &Payload{Event: ToolCall}
	r.Dispatch(context.Background(), p)

	if p.Veto != "not allowed" {
		t.Fatalf("expected veto to survive dispatch, got %q", p.Veto)
	}
	if ran3 {
		t.Fatal("expected dispatch to stop once a handler vetoes")
	}
}

func TestDispatch_CompactCancelShortCircuits(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var ranSecond bool
	r.On(SessionBeforeCompact, func(ctx context.Context, p *Payload) error {
		p.CancelReason = "too soon"
		return nil
	})
	r.On(SessionBeforeCompact, func(ctx context.Context, p *Payload) error {
		ranSecond = true
		return nil
	})

	p := &Payload{Event: SessionBeforeCompact}
	r.Dispatch(context.Background(), p)

	if p.CancelReason != "too soon" {
		t.Fatalf("expected cancel reason to survive dispatch, got %q", p.CancelReason)
	}
	if ranSecond {
		t.Fatal("expected dispatch to stop once a handler cancels compaction")
	}
}

func TestApplyContextFilters_LeftToRightComposition(t *testing.T) {
	r := New(nil)
	defer r.Close()

	r.On(Context, func(ctx context.Context, p *Payload) error {
		// Drop the first message.
		if len(p.Messages) > 0 {
			p.Messages = p.Messages[1:]
		}
		return nil
	})
	r.On(Context, func(ctx context.Context, p *Payload) error {
		// Append a marker message.
		p.Messages = append(p.Messages, provider.Message{Role: store.RoleUser})
		return nil
	})

	in := []provider.Message{
		{Role: store.RoleUser},
		{Role: store.RoleAssistant},
	}
	out := r.ApplyContextFilters(context.Background(), "sess-1", in)

	if len(out) != 2 {
		t.Fatalf("expected 2 messages after drop+append, got %d", len(out))
	}
	if out[0].Role != store.RoleAssistant {
		t.Fatalf("expected first filter's drop to apply before second filter's append, got %+v", out)
	}
}

func TestDispatch_HandlerErrorInvokesOnErrorAndContinues(t *testing.T) {
	var mu sync.Mutex
	var gotErr error
	r := New(func(event Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotErr = err
	})
	defer r.Close()

	var ranSecond bool
	r.On(AgentStart, func(ctx context.Context, p *Payload) error {
		return errors.New("boom")
	})
	r.On(AgentStart, func(ctx context.Context, p *Payload) error {
		ranSecond = true
		return nil
	})

	r.Dispatch(context.Background(), &Payload{Event: AgentStart})

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil || gotErr.Error() != "boom" {
		t.Fatalf("expected onError to receive handler error, got %v", gotErr)
	}
	if !ranSecond {
		t.Fatal("expected dispatch to continue past a handler error")
	}
}

func TestOn_Unregister(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var calls int
	unregister := r.On(TurnStart, func(ctx context.Context, p *Payload) error {
		calls++
		return nil
	})

	r.Dispatch(context.Background(), &Payload{Event: TurnStart})
	unregister()
	r.Dispatch(context.Background(), &Payload{Event: TurnStart})

	if calls != 1 {
		t.Fatalf("expected handler to run exactly once before unregister, got %d", calls)
	}
}

func TestDispatch_PublishesToUnderlyingBus(t *testing.T) {
	r := New(nil)
	defer r.Close()

	sub, err := r.PubSub().Subscribe(context.Background(), string(SessionStart))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	r.Dispatch(context.Background(), &Payload{Event: SessionStart, SessionID: "sess-1"})

	select {
	case msg := <-sub:
		if msg.Metadata.Get("session_id") != "sess-1" {
			t.Fatalf("expected session_id metadata, got %q", msg.Metadata.Get("session_id"))
		}
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("expected a message on the underlying bus within 1s")
	}
}
