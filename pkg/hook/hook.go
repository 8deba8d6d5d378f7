// Package hook implements the Hook Runtime (spec.md §4.8): a typed event
// catalogue, ordered fan-out, and deterministic result merging, backed by
// a watermill in-process pub/sub instance per session — grounded on
// telnet2-opencode/go-opencode's internal/event/bus.go, which wraps the
// same gochannel transport behind a typed Bus rather than using watermill's
// raw topic strings directly.
package hook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Event names the core-relevant catalogue (spec.md §4.8). Unlike
// telnet2-opencode's Bus, which routes arbitrary UI events, this catalogue
// is fixed to the Turn/Compaction/Tool lifecycle the engine itself drives.
type Event string

const (
	SessionStart         Event = "session_start"
	BeforeAgentStart     Event = "before_agent_start"
	AgentStart           Event = "agent_start"
	AgentEnd             Event = "agent_end"
	TurnStart            Event = "turn_start"
	TurnEnd              Event = "turn_end"
	ToolCall             Event = "tool_call"
	ToolResult           Event = "tool_result"
	Context              Event = "context"
	SessionBeforeCompact Event = "session_before_compact"
	SessionCompact       Event = "session_compact"
)

// Payload is the argument passed to a handler; only the fields relevant to
// its Event are populated. Handlers mutate the merge-meaningful fields
// (Veto, CancelReason, Messages, Summary) to influence the outcome; the
// Runtime combines them per the rules on Dispatch.
type Payload struct {
	Event Event

	SessionID string
	Model     string

	// tool_call / tool_result
	ToolName   string
	ToolInput  map[string]any
	ToolResult *store.Content

	// tool_call veto: a non-empty Veto reason blocks execution.
	Veto string

	// context: handlers filter Messages left-to-right.
	Messages []provider.Message

	// session_before_compact
	CancelReason string
	Summary      string
	FromHook     bool

	// agent_start pre-messages (hidden CustomMessages to append)
	PreMessages []store.Content

	Err error
}

// Handler observes or mutates a Payload. It returns an error only for
// truly exceptional handler failures; these are reported to the on_error
// sink and never abort the event (spec.md §4.8) except where the event's
// own contract says otherwise (tool_call veto, before_compact cancel).
type Handler func(ctx context.Context, p *Payload) error

type registration struct {
	id      uint64
	handler Handler
}

// Runtime is one session's Hook Runtime: ordered per-event dispatch plus a
// watermill gochannel pub/sub instance per session that carries every
// dispatched event. The Session Façade's subscriber fan-out does not use
// this pub/sub; it is served by turn.Engine.Subscribe's own channels.
type Runtime struct {
	mu       sync.RWMutex
	pubsub   *gochannel.GoChannel
	handlers map[Event][]registration
	nextID   uint64
	onError  func(event Event, err error)
}

// New builds a Runtime. onError receives handler failures; pass nil to
// discard them (they are never fatal to the emitting call).
func New(onError func(event Event, err error)) *Runtime {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 100,
		Persistent:          false,
	}, watermill.NopLogger{})
	if onError == nil {
		onError = func(event Event, err error) {
			slog.Warn("hook handler error", "event", event, "error", err)
		}
	}
	return &Runtime{
		pubsub:   ps,
		handlers: make(map[Event][]registration),
		onError:  onError,
	}
}

// PubSub exposes the underlying watermill transport for components that
// need raw message delivery rather than the typed Payload dispatch below.
func (r *Runtime) PubSub() *gochannel.GoChannel { return r.pubsub }

// On registers handler for event, appended after any existing handlers for
// that event (registration order is dispatch order, spec.md §4.8).
func (r *Runtime) On(event Event, handler Handler) (unregister func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[event] = append(r.handlers[event], registration{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		regs := r.handlers[event]
		for i, reg := range regs {
			if reg.id == id {
				r.handlers[event] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch invokes every handler registered for p.Event, in registration
// order, merging their effects into p per spec.md §4.8:
//   - tool_call / session_before_compact: first non-empty Veto/CancelReason
//     wins and short-circuits remaining handlers (the call is already
//     decided; running further handlers could only confuse the veto reason
//     surfaced to the caller).
//   - context: each handler sees p.Messages as the previous handler left it
//     and may replace it, composing left-to-right.
//   - all other events: handlers run for side effects only; a handler
//     error is reported to on_error and does not stop dispatch.
//
// Dispatch also publishes a message for p (event name and session id as
// metadata) on the watermill bus under p.Event's topic, so non-hook
// subscribers of PubSub observe the same occurrence without participating
// in the merge.
func (r *Runtime) Dispatch(ctx context.Context, p *Payload) {
	r.mu.RLock()
	regs := make([]registration, len(r.handlers[p.Event]))
	copy(regs, r.handlers[p.Event])
	r.mu.RUnlock()

	for _, reg := range regs {
		if err := reg.handler(ctx, p); err != nil {
			r.onError(p.Event, err)
			continue
		}
		switch p.Event {
		case ToolCall:
			if p.Veto != "" {
				goto publish
			}
		case SessionBeforeCompact:
			if p.CancelReason != "" {
				goto publish
			}
		}
	}

publish:
	r.publish(p)
}

func (r *Runtime) publish(p *Payload) {
	msg := message.NewMessage(watermill.NewUUID(), nil)
	msg.Metadata.Set("event", string(p.Event))
	msg.Metadata.Set("session_id", p.SessionID)
	if err := r.pubsub.Publish(string(p.Event), msg); err != nil {
		slog.Warn("hook event publish failed", "event", p.Event, "error", err)
	}
}

// Close releases the underlying pub/sub transport.
func (r *Runtime) Close() error { return r.pubsub.Close() }

// ApplyContextFilters runs every registered Context handler over messages
// and returns the composed result — the Turn Engine's last-chance filter
// before handing a built context to the provider (spec.md §4.8).
func (r *Runtime) ApplyContextFilters(ctx context.Context, sessionID string, messages []provider.Message) []provider.Message {
	p := &Payload{Event: Context, SessionID: sessionID, Messages: messages}
	r.Dispatch(ctx, p)
	return p.Messages
}
