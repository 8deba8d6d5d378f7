// Package turn implements the Turn Engine (spec.md §4.4): the single-flight
// LLM streaming loop that drives Context Builder → Provider → Tool
// Dispatcher → Retry Controller → Compaction Engine for one session, and
// fans incremental events out to subscribers in emission order.
//
// Grounded on the teacher's pkg/runner (Runner.Start's event-reactive
// loop, RunStep's call/tool-exec/continue cycle in step.go), generalized
// from the teacher's one-shot polling step into an explicit state machine
// with steer/follow-up queues and retry/compaction wiring the teacher
// never had.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kestrel-sh/agentcore/pkg/agenterr"
	"github.com/kestrel-sh/agentcore/pkg/compact"
	ctxbuild "github.com/kestrel-sh/agentcore/pkg/context"
	"github.com/kestrel-sh/agentcore/pkg/hook"
	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/retry"
	"github.com/kestrel-sh/agentcore/pkg/store"
	"github.com/kestrel-sh/agentcore/pkg/tool"
	"github.com/kestrel-sh/agentcore/pkg/toolexec"
)

// State is the Turn Engine's current phase (spec.md §4.4).
type State string

const (
	Idle                State = "idle"
	Streaming           State = "streaming"
	AwaitingToolResults State = "awaiting_tool_results"
	Suspended           State = "suspended" // during compaction
	RetryWait           State = "retry_wait"
)

// EventKind tags one item on the subscriber fan-out (spec.md §6
// "Subscription interface").
type EventKind string

const (
	EvTurnStart        EventKind = "turn_start"
	EvMessageAppended  EventKind = "message_appended"
	EvTextDelta        EventKind = "text_delta"
	EvThinkingDelta    EventKind = "thinking_delta"
	EvToolUseDelta     EventKind = "tool_use_delta"
	EvToolCallStart    EventKind = "tool_call_start"
	EvToolCallEnd      EventKind = "tool_call_end"
	EvAutoRetryStart   EventKind = "auto_retry_start"
	EvAutoRetryEnd     EventKind = "auto_retry_end"
	EvAutoCompactStart EventKind = "auto_compaction_start"
	EvAutoCompactEnd   EventKind = "auto_compaction_end"
	EvHookError        EventKind = "hook_error"
	EvTurnEnd          EventKind = "turn_end"
)

// Event is one subscriber-visible occurrence, emitted in the order the
// engine produces it (spec.md §5 "Ordering guarantees").
type Event struct {
	Kind EventKind

	Text      string
	ToolName  string
	ToolUseID string
	Entry     *store.Entry

	Attempt int
	Delay   string
	Success bool
	Err     error
}

// ErrAlreadyProcessing is returned by Prompt whenever the engine is not
// Idle (spec.md §8 "Single-flight").
var ErrAlreadyProcessing = errors.New("turn: already processing")

// Config bounds one Engine's retry/compaction behavior.
type Config struct {
	SystemPrompt string
	Retry        retry.Config
	Compaction   compact.Config
}

// Engine is one session's Turn Engine. A session owns exactly one Engine.
type Engine struct {
	sess     store.Session
	prov     provider.Provider
	tools    *tool.Registry
	hooks    *hook.Runtime
	dispatch *toolexec.Dispatcher
	compact  *compact.Engine
	cfg      Config

	// root outlives every individual turn's cancellable context. Scheduling
	// a dequeued turn from the completed turn's own ctx would start it
	// already-cancelled whenever that turn ended via Abort; root never
	// carries that cancellation.
	root context.Context

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	pending []pendingMessage

	subsMu sync.RWMutex
	subs   []chan Event
}

type pendingMessage struct {
	content  []store.Content
	followUp bool
}

func New(sess store.Session, prov provider.Provider, tools *tool.Registry, hooks *hook.Runtime, cfg Config) *Engine {
	return &Engine{
		sess:     sess,
		prov:     prov,
		tools:    tools,
		hooks:    hooks,
		dispatch: toolexec.New(tools, hooks),
		compact:  compact.New(cfg.Compaction, prov, hooks),
		cfg:      cfg,
		state:    Idle,
		root:     context.Background(),
	}
}

// Subscribe returns a channel of this engine's events in emission order.
// The channel is buffered and unregistered on ctx cancellation.
func (e *Engine) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	e.subsMu.Lock()
	e.subs = append(e.subs, ch)
	e.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		for i, c := range e.subs {
			if c == ch {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (e *Engine) emit(ev Event) {
	e.subsMu.RLock()
	defer e.subsMu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Prompt appends a User message on the current branch and starts the
// stream loop. Returns ErrAlreadyProcessing if the engine is not Idle
// (streaming, running tools, waiting to retry, or compacting).
func (e *Engine) Prompt(ctx context.Context, content []store.Content) error {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrAlreadyProcessing
	}
	e.state = Streaming
	turnCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	if _, err := e.sess.AppendMessage(store.RoleUser, content); err != nil {
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
		return fmt.Errorf("appending prompt: %w", err)
	}

	go e.runLoop(turnCtx)
	return nil
}

// Steer enqueues a User message to be fed as the next turn; the current
// turn is not cancelled (spec.md §4.4 "Steering").
func (e *Engine) Steer(content []store.Content) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, pendingMessage{content: content})
}

// FollowUp enqueues a message scheduled after Idle is next reached, with
// no further automatic loop beyond delivering it.
func (e *Engine) FollowUp(content []store.Content) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, pendingMessage{content: content, followUp: true})
}

// PendingCount reports how many steer/follow-up messages are queued.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Abort fires the current turn's cancellation token. Idempotent,
// non-blocking (spec.md §5 "Cancellation semantics").
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// runLoop drives one full turn, including any tool-result continuations,
// retries, and a trailing auto-compaction check, then dequeues the next
// pending message if any (spec.md §4.4, §4.6 "runs between turn completion
// and the next enqueued message").
func (e *Engine) runLoop(ctx context.Context) {
	e.emit(Event{Kind: EvTurnStart})
	if e.hooks != nil {
		e.hooks.Dispatch(ctx, &hook.Payload{Event: hook.AgentStart, SessionID: e.sess.ID()})
	}

	for {
		stopReason, err := e.streamOnce(ctx)
		if err != nil {
			break
		}
		if stopReason != store.StopReasonToolUse {
			break
		}
		// AwaitingToolResults handled inside streamOnce; loop re-enters
		// the stream without a new User message.
	}

	if e.hooks != nil {
		e.hooks.Dispatch(ctx, &hook.Payload{Event: hook.AgentEnd, SessionID: e.sess.ID()})
	}
	e.emit(Event{Kind: EvTurnEnd})

	// Use root, not ctx, from here on: ctx is this turn's own cancellable
	// context and may already be Done() if the turn just ended via Abort.
	// Auto-compaction and the next dequeued turn must not inherit that
	// cancellation.
	e.maybeAutoCompact(e.root)
	e.dequeueNext(e.root)
}

// streamOnce runs exactly one provider Stream call (plus its retry
// attempts) through to a terminal stop reason, appending the resulting
// Assistant entry and, if it requested tools, running the Tool Dispatcher
// and appending ToolResult entries before returning.
func (e *Engine) streamOnce(ctx context.Context) (store.StopReason, error) {
	e.mu.Lock()
	e.state = Streaming
	e.mu.Unlock()

	rc := retry.New(ctx, e.cfg.Retry)

	for {
		assistant, usage, stopReason, model, providerName, streamErr := e.callProvider(ctx)
		if streamErr == nil {
			entry, err := e.sess.AppendAssistant(assistant, model, providerName, usage, stopReason, "")
			if err != nil {
				return "", err
			}
			e.emit(Event{Kind: EvMessageAppended, Entry: &entry})

			if stopReason == store.StopReasonToolUse {
				if err := e.runTools(ctx, entry); err != nil {
					return "", err
				}
				return stopReason, nil
			}
			e.mu.Lock()
			e.state = Idle
			e.mu.Unlock()
			return stopReason, nil
		}

		if !rc.ShouldRetry(streamErr) {
			entry, _ := e.sess.AppendAssistant(nil, model, providerName, nil,
				terminalStopReason(streamErr), streamErr.Error())
			e.emit(Event{Kind: EvMessageAppended, Entry: &entry})
			e.mu.Lock()
			e.state = Idle
			e.mu.Unlock()
			return entry.Message.StopReason, streamErr
		}

		entry, _ := e.sess.AppendAssistant(nil, model, providerName, nil, store.StopReasonError, streamErr.Error())
		e.emit(Event{Kind: EvMessageAppended, Entry: &entry})

		e.mu.Lock()
		e.state = RetryWait
		e.mu.Unlock()

		attempt := rc.Attempt() + 1
		e.emit(Event{Kind: EvAutoRetryStart, Attempt: attempt, Err: streamErr})
		delay, waitErr := rc.Next(ctx)
		if waitErr != nil {
			e.emit(Event{Kind: EvAutoRetryEnd, Attempt: attempt, Success: false, Err: waitErr})
			e.mu.Lock()
			e.state = Idle
			e.mu.Unlock()
			return entry.Message.StopReason, waitErr
		}
		e.emit(Event{Kind: EvAutoRetryEnd, Attempt: attempt, Success: true, Delay: delay.String()})

		e.mu.Lock()
		e.state = Streaming
		e.mu.Unlock()
	}
}

func terminalStopReason(err error) store.StopReason {
	if agenterr.KindOf(err) == agenterr.Cancelled {
		return store.StopReasonAborted
	}
	return store.StopReasonError
}

// callProvider builds the context from the current leaf, applies the
// Hook Runtime's context filters, and runs one full Stream call to
// completion, returning the final Assistant content, usage, stop reason,
// and the model/provider that produced it (or an error on stream
// failure/cancellation). model/provider are returned alongside the error
// too, since they're resolved from the path before Stream is called and
// the caller needs them to record even a failed attempt.
func (e *Engine) callProvider(ctx context.Context) ([]store.Content, *store.TokenUsage, store.StopReason, string, string, error) {
	path, err := e.sess.PathTo(e.sess.LeafID())
	if err != nil {
		return nil, nil, "", "", "", err
	}
	built, err := ctxbuild.Build(path)
	if err != nil {
		return nil, nil, "", "", "", err
	}

	messages := built.Messages
	if e.hooks != nil {
		messages = e.hooks.ApplyContextFilters(ctx, e.sess.ID(), messages)
	}

	req := provider.Request{
		Model:         built.Model,
		SystemPrompt:  e.cfg.SystemPrompt,
		Messages:      messages,
		ThinkingLevel: built.ThinkingLevel,
	}
	for _, t := range e.tools.List() {
		req.Tools = append(req.Tools, provider.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}

	events, err := e.prov.Stream(ctx, req)
	if err != nil {
		return nil, nil, "", built.Model, built.Provider, err
	}

	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			e.emit(Event{Kind: EvTextDelta, Text: ev.Text})
		case provider.EventThinkingDelta:
			e.emit(Event{Kind: EvThinkingDelta, Text: ev.Text})
		case provider.EventToolUseDelta:
			e.emit(Event{Kind: EvToolUseDelta, ToolUseID: ev.ToolUseID, ToolName: ev.ToolUseName})
		case provider.EventDone:
			return ev.Message.Content, ev.Usage, ev.StopReason, built.Model, built.Provider, nil
		case provider.EventError:
			return nil, nil, "", built.Model, built.Provider, agenterr.New(ev.ErrKind, "provider", ev.Err)
		}
	}
	return nil, nil, "", built.Model, built.Provider, fmt.Errorf("provider stream closed without a done event")
}

// runTools executes the Assistant entry's tool_use blocks via the Tool
// Dispatcher and, once every call has finished, appends one ToolResult
// entry per call in completion order (spec.md §4.5). The tool_call_end
// events are then emitted sorted by each block's Index.
func (e *Engine) runTools(ctx context.Context, assistant store.Entry) error {
	e.mu.Lock()
	e.state = AwaitingToolResults
	e.mu.Unlock()

	var blocks []store.ToolUseContent
	for _, c := range assistant.Message.Content {
		if c.Type == store.ContentToolUse && c.ToolUse != nil {
			blocks = append(blocks, *c.ToolUse)
		}
	}
	if len(blocks) == 0 {
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
		return nil
	}

	e.emit(Event{Kind: EvToolCallStart})
	results := e.dispatch.Run(ctx, e.sess.ID(), blocks)
	type toolEnd struct {
		index int
		ev    Event
	}
	ends := make([]toolEnd, 0, len(results))
	for _, r := range results {
		entry, err := e.sess.AppendToolResult(r.Block.ID, r.Result.Content, r.Result.IsError)
		if err != nil {
			return err
		}
		ends = append(ends, toolEnd{index: r.Block.Index, ev: Event{Kind: EvToolCallEnd, ToolUseID: r.Block.ID, ToolName: r.Block.Name, Entry: &entry}})
	}
	sort.SliceStable(ends, func(i, j int) bool { return ends[i].index < ends[j].index })
	for _, te := range ends {
		e.emit(te.ev)
	}

	e.mu.Lock()
	e.state = Streaming
	e.mu.Unlock()
	return nil
}

// maybeAutoCompact runs the Compaction Engine when the last Assistant
// entry's reported usage crosses threshold, between turn completion and
// the next enqueued message (spec.md §4.6).
func (e *Engine) maybeAutoCompact(ctx context.Context) {
	path, err := e.sess.PathTo(e.sess.LeafID())
	if err != nil || !e.compact.ShouldCompact(path) {
		return
	}

	e.mu.Lock()
	e.state = Suspended
	e.mu.Unlock()
	e.emit(Event{Kind: EvAutoCompactStart})

	result, err := e.compact.Compact(ctx, e.sess.ID(), path)
	if err != nil {
		e.emit(Event{Kind: EvAutoCompactEnd, Success: false, Err: err})
	} else if result != nil {
		if _, appendErr := e.sess.AppendCompaction(result.Summary, result.FirstKeptEntryID, result.TokensBefore, result.FromHook, result.IsSplitTurn); appendErr != nil {
			e.emit(Event{Kind: EvAutoCompactEnd, Success: false, Err: appendErr})
		} else {
			e.emit(Event{Kind: EvAutoCompactEnd, Success: true})
		}
	}

	e.mu.Lock()
	e.state = Idle
	e.mu.Unlock()
}

// dequeueNext delivers the next queued steer/follow-up message, if any,
// starting a new turn via Prompt (spec.md §4.6 "followed by the delivery
// of any queued steers").
func (e *Engine) dequeueNext(ctx context.Context) {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	next := e.pending[0]
	e.pending = e.pending[1:]
	e.mu.Unlock()

	_ = e.Prompt(ctx, next.content)
}

// Compact runs the Compaction Engine once synchronously, without emitting
// auto_compaction_* events (spec.md §4.6 "Manual vs automatic").
func (e *Engine) Compact(ctx context.Context) error {
	path, err := e.sess.PathTo(e.sess.LeafID())
	if err != nil {
		return err
	}
	result, err := e.compact.Compact(ctx, e.sess.ID(), path)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	_, err = e.sess.AppendCompaction(result.Summary, result.FirstKeptEntryID, result.TokensBefore, result.FromHook, result.IsSplitTurn)
	return err
}
