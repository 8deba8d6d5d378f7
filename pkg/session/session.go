// Package session implements the Session Façade (spec.md §2, §4.4): the
// single public contract — prompt, steer, follow_up, abort, compact,
// branch, subscribe — wiring the Log Store/Branch Index (pkg/store), the
// Turn Engine (pkg/turn), and the Hook Runtime (pkg/hook) behind one
// handle a CLI, TUI, or RPC frontend can drive without itself knowing
// about concurrency, persistence, or retries.
package session

import (
	"context"

	"github.com/kestrel-sh/agentcore/pkg/compact"
	"github.com/kestrel-sh/agentcore/pkg/hook"
	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/retry"
	"github.com/kestrel-sh/agentcore/pkg/store"
	"github.com/kestrel-sh/agentcore/pkg/tool"
	"github.com/kestrel-sh/agentcore/pkg/turn"
)

// Options configures a new Session's Turn Engine and Hook Runtime.
type Options struct {
	SystemPrompt string
	Retry        retry.Config
	Compaction   compact.Config
	OnHookError  func(event hook.Event, err error)
}

// Session is the public façade over one store.Session plus its Turn
// Engine and Hook Runtime.
type Session struct {
	store store.Session
	hooks *hook.Runtime
	turn  *turn.Engine
}

// New wraps an already-created or reopened store.Session with a running
// Turn Engine and Hook Runtime.
func New(sess store.Session, prov provider.Provider, tools *tool.Registry, opts Options) *Session {
	hooks := hook.New(opts.OnHookError)
	engine := turn.New(sess, prov, tools, hooks, turn.Config{
		SystemPrompt: opts.SystemPrompt,
		Retry:        opts.Retry,
		Compaction:   opts.Compaction,
	})
	hooks.Dispatch(context.Background(), &hook.Payload{Event: hook.SessionStart, SessionID: sess.ID()})
	return &Session{store: sess, hooks: hooks, turn: engine}
}

// ID returns the underlying session's identifier.
func (s *Session) ID() string { return s.store.ID() }

// Store exposes the underlying Log Store/Branch Index for read-only
// queries (Tree, Entry, Children, Label, PathTo) that don't belong on the
// Turn-Engine-facing façade.
func (s *Session) Store() store.Session { return s.store }

// Hooks exposes the Hook Runtime so a frontend can register handlers
// before the first Prompt (spec.md §4.8 "installed at startup").
func (s *Session) Hooks() *hook.Runtime { return s.hooks }

// Prompt appends a User message (text-only convenience over PromptContent).
func (s *Session) Prompt(ctx context.Context, text string) error {
	return s.PromptContent(ctx, []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: text}}})
}

// PromptContent starts a new turn with arbitrary content blocks (e.g.
// text + image). Returns turn.ErrAlreadyProcessing if the Turn Engine is
// not Idle (spec.md §8 "Single-flight").
func (s *Session) PromptContent(ctx context.Context, content []store.Content) error {
	return s.turn.Prompt(ctx, content)
}

// Steer enqueues text to be delivered as the next turn without cancelling
// the current one.
func (s *Session) Steer(text string) {
	s.turn.Steer([]store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: text}}})
}

// FollowUp enqueues text to be delivered once Idle is next reached.
func (s *Session) FollowUp(text string) {
	s.turn.FollowUp([]store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: text}}})
}

// Abort cancels the current turn, if any.
func (s *Session) Abort() { s.turn.Abort() }

// Compact runs the Compaction Engine once, synchronously.
func (s *Session) Compact(ctx context.Context) error { return s.turn.Compact(ctx) }

// Branch moves the leaf to entryID without appending anything, so the
// next Prompt starts a new sibling turn from that point (spec.md §3
// Lifecycle, §8 scenario 5).
func (s *Session) Branch(entryID string) error { return s.store.Branch(entryID) }

// State returns the Turn Engine's current phase.
func (s *Session) State() turn.State { return s.turn.State() }

// PendingCount reports the number of queued steer/follow-up messages.
func (s *Session) PendingCount() int { return s.turn.PendingCount() }

// Subscribe returns a channel of turn events in emission order, closed
// when ctx is done (spec.md §6 "Subscription interface").
func (s *Session) Subscribe(ctx context.Context) <-chan turn.Event { return s.turn.Subscribe(ctx) }

// Close releases the Hook Runtime's transport and the underlying log file.
func (s *Session) Close() error {
	if s.hooks != nil {
		_ = s.hooks.Close()
	}
	return s.store.Close()
}
