// Package provider defines the generic streaming LLM interface the Turn
// Engine drives. The engine is agnostic to wire format; concrete adapters
// (pkg/provider/gemini, pkg/provider/stub) translate a Request into
// provider-specific calls and normalize responses back into Events.
package provider

import (
	"context"

	"github.com/kestrel-sh/agentcore/pkg/agenterr"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Message is one entry of conversation history handed to a provider. It
// carries only what a model call needs — role and content — not the log's
// bookkeeping (id, parent, timestamp).
type Message struct {
	Role    store.MessageRole
	Content []store.Content
}

// ToolSpec describes one callable tool for function-calling providers.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is everything a Stream call needs to produce one Assistant turn.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	ThinkingLevel string
}

// EventType tags the kind of a streamed Event.
type EventType string

const (
	EventStart         EventType = "start"
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolUseDelta  EventType = "tool_use_delta"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Event is one increment of a streamed turn. Exactly the fields relevant to
// Type are populated.
type Event struct {
	Type EventType

	// EventTextDelta / EventThinkingDelta
	Text string

	// EventToolUseDelta: a tool_use block becoming visible or growing its
	// input. Index matches store.ToolUseContent.Index.
	ToolUseID    string
	ToolUseName  string
	ToolUseIndex int
	ToolUseInput map[string]any

	// EventDone
	StopReason store.StopReason
	Message    Message
	Usage      *store.TokenUsage

	// EventError
	ErrKind agenterr.Kind
	Err     error
	Partial *Message
}

// Provider streams one Assistant turn for req. The returned channel is
// closed after exactly one EventDone or EventError has been sent; ctx
// cancellation must cause a timely EventError with agenterr.Cancelled and
// channel close, never a silent hang (spec.md §5 suspension points).
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
