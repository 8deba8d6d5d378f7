// Package stub implements a scripted provider.Provider for tests, grounded
// on the teacher's MockModel/MockStream (pkg/runner/runner_test.go):
// a fixed response per call, but generalized into a queue of scripted Turns
// so a single test can drive multi-call scenarios (retry-then-succeed,
// steer-during-stream) deterministically.
package stub

import (
	"context"
	"errors"
	"sync"

	"github.com/kestrel-sh/agentcore/pkg/agenterr"
	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Turn scripts one Stream call's worth of events. Block, when non-nil, is
// read from before Done/Err fire — closing it (or cancelling ctx) from a
// test unblocks a deliberately "hanging" call, simulating the streaming
// provider's suspension points (spec.md §5).
type Turn struct {
	Deltas []provider.Event // EventTextDelta/EventThinkingDelta/EventToolUseDelta, sent in order
	Done   *provider.Event  // EventDone payload, or nil if Err is set
	Err    *provider.Event  // EventError payload, or nil if Done is set
	Block  <-chan struct{}
}

// Provider replays a fixed queue of Turns, one per Stream call. Calling
// Stream past the end of the queue is a test bug and panics immediately
// rather than hanging a test run.
type Provider struct {
	mu    sync.Mutex
	turns []Turn
	calls int
}

func New(turns ...Turn) *Provider {
	return &Provider{turns: turns}
}

// Calls returns how many times Stream has been invoked so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	p.mu.Lock()
	if p.calls >= len(p.turns) {
		p.mu.Unlock()
		panic("stub.Provider: Stream called more times than scripted")
	}
	turn := p.turns[p.calls]
	p.calls++
	p.mu.Unlock()

	ch := make(chan provider.Event, len(turn.Deltas)+1)
	go func() {
		defer close(ch)

		ch <- provider.Event{Type: provider.EventStart}

		if turn.Block != nil {
			select {
			case <-turn.Block:
			case <-ctx.Done():
				ch <- provider.Event{
					Type:    provider.EventError,
					ErrKind: agenterr.Cancelled,
					Err:     ctx.Err(),
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			ch <- provider.Event{
				Type:    provider.EventError,
				ErrKind: agenterr.Cancelled,
				Err:     ctx.Err(),
			}
			return
		default:
		}

		for _, d := range turn.Deltas {
			ch <- d
		}

		switch {
		case turn.Done != nil:
			ch <- *turn.Done
		case turn.Err != nil:
			ch <- *turn.Err
		default:
			ch <- provider.Event{
				Type:       provider.EventDone,
				StopReason: store.StopReasonStop,
				Message:    provider.Message{Role: store.RoleAssistant},
			}
		}
	}()
	return ch, nil
}

// TextDone is a convenience constructor for the common "single text reply"
// Turn used throughout pkg/turn's tests.
func TextDone(text string) Turn {
	return Turn{
		Deltas: []provider.Event{{Type: provider.EventTextDelta, Text: text}},
		Done: &provider.Event{
			Type:       provider.EventDone,
			StopReason: store.StopReasonStop,
			Message: provider.Message{
				Role:    store.RoleAssistant,
				Content: []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: text}}},
			},
		},
	}
}

// TransientError is a convenience constructor for a retryable failure.
func TransientError(message string) Turn {
	return Turn{
		Err: &provider.Event{
			Type:       provider.EventError,
			ErrKind:    agenterr.Transient,
			Err:        agenterr.New(agenterr.Transient, "stream", errors.New(message)),
			StopReason: store.StopReasonError,
		},
	}
}
