// Package compact implements the Compaction Engine (spec.md §4.6): token
// threshold detection, turn-boundary-aware cut point selection, and
// LLM-backed summarization, with hook arbitration.
//
// Grounded on the teacher's pkg/controller/compaction.go (checkAndCompact /
// compact), generalized from its char-count heuristic to the real
// TokenUsage totals the Context Builder's entries carry, and from its
// fixed midpoint split to spec.md's running-token cut-point walk.
package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrel-sh/agentcore/pkg/hook"
	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Config bounds one session's compaction behavior.
type Config struct {
	ContextWindow    int
	ReserveTokens    int
	KeepRecentTokens int
	CompactionModel  string
}

// ErrCancelled is returned when a session_before_compact hook cancels.
type ErrCancelled struct{ Reason string }

func (e *ErrCancelled) Error() string { return "compaction cancelled by hook: " + e.Reason }

// Engine runs the Compaction Engine against one session's log.
type Engine struct {
	cfg   Config
	prov  provider.Provider
	hooks *hook.Runtime
}

func New(cfg Config, prov provider.Provider, hooks *hook.Runtime) *Engine {
	return &Engine{cfg: cfg, prov: prov, hooks: hooks}
}

// ShouldCompact applies the threshold rule: the last Assistant message's
// reported total tokens against context_window - reserve_tokens.
func (e *Engine) ShouldCompact(path []store.Entry) bool {
	usage := lastUsage(path)
	if usage == nil {
		return false
	}
	return usage.Total() > e.cfg.ContextWindow-e.cfg.ReserveTokens
}

func lastUsage(path []store.Entry) *store.TokenUsage {
	for i := len(path) - 1; i >= 0; i-- {
		if m := path[i].Message; m != nil && m.Role == store.RoleAssistant && m.Usage != nil {
			return m.Usage
		}
	}
	return nil
}

// cutPoint is the selected compaction boundary.
type cutPoint struct {
	index       int // index into path of the first kept entry
	isSplitTurn bool
}

// selectCutPoint walks path oldest-to-newest, choosing the earliest entry
// whose tail fits within keep_recent_tokens, then rewinding to the
// enclosing turn's User boundary when the raw cut lands inside a
// multi-assistant turn.
func selectCutPoint(path []store.Entry, keepRecentTokens int) (cutPoint, bool) {
	if len(path) < 2 {
		return cutPoint{}, false
	}

	// Each Assistant entry's Usage.Total() is the cumulative context size
	// consumed as of that call, not the marginal cost of the entries since
	// it — so the tail cost of path[i:] is the final cumulative total minus
	// whatever had already accumulated immediately before i.
	endUsage := 0
	for i := len(path) - 1; i >= 0; i-- {
		if m := path[i].Message; m != nil && m.Usage != nil {
			endUsage = m.Usage.Total()
			break
		}
	}

	prefixUsage := make([]int, len(path))
	running := 0
	for i := range path {
		prefixUsage[i] = running
		if m := path[i].Message; m != nil && m.Usage != nil {
			running = m.Usage.Total()
		}
	}

	tailTokens := make([]int, len(path))
	for i := range path {
		tailTokens[i] = endUsage - prefixUsage[i]
	}

	cut := -1
	for i := range path {
		if tailTokens[i] <= keepRecentTokens {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return cutPoint{}, false
	}

	boundary, rewound := rewindToTurnBoundary(path, cut)
	if rewound {
		return cutPoint{index: boundary, isSplitTurn: false}, true
	}
	return cutPoint{index: cut, isSplitTurn: true}, true
}

// rewindToTurnBoundary walks backward from cut to the nearest preceding
// User message, so a cut never lands between an Assistant's tool_use and
// its ToolResult entries (spec.md §4.6). Returns ok=false if the path's
// start is reached without finding one.
func rewindToTurnBoundary(path []store.Entry, cut int) (int, bool) {
	for i := cut; i >= 0; i-- {
		if m := path[i].Message; m != nil && m.Role == store.RoleUser {
			return i, true
		}
	}
	return 0, false
}

// Result is what a completed compaction produced.
type Result struct {
	Summary          string
	FirstKeptEntryID string
	TokensBefore     int
	FromHook         bool
	IsSplitTurn      bool
}

// Compact runs one compaction pass over path. The Turn-Engine-triggered
// path and a manual session.compact() call both use it unchanged; it
// emits no hook events beyond session_before_compact/session_compact (the
// auto_compaction_* events are the Turn Engine's responsibility, not this
// engine's).
func (e *Engine) Compact(ctx context.Context, sessionID string, path []store.Entry) (*Result, error) {
	cp, ok := selectCutPoint(path, e.cfg.KeepRecentTokens)
	if !ok {
		return nil, nil
	}
	toCompact := path[:cp.index]
	if len(toCompact) == 0 {
		return nil, nil
	}

	before := &hook.Payload{Event: hook.SessionBeforeCompact, SessionID: sessionID}
	if e.hooks != nil {
		e.hooks.Dispatch(ctx, before)
	}
	if before.CancelReason != "" {
		return nil, &ErrCancelled{Reason: before.CancelReason}
	}

	var summary string
	fromHook := false
	if before.Summary != "" {
		summary = before.Summary
		fromHook = before.FromHook
	} else {
		var err error
		summary, err = e.summarize(ctx, toCompact)
		if err != nil {
			return nil, err
		}
	}

	tokensBefore := 0
	if u := lastUsage(toCompact); u != nil {
		tokensBefore = u.Total()
	}

	result := &Result{
		Summary:          summary,
		FirstKeptEntryID: path[cp.index].ID,
		TokensBefore:     tokensBefore,
		FromHook:         fromHook,
		IsSplitTurn:      cp.isSplitTurn,
	}

	if e.hooks != nil {
		e.hooks.Dispatch(ctx, &hook.Payload{Event: hook.SessionCompact, SessionID: sessionID, Summary: summary})
	}
	return result, nil
}

const summarizePrompt = `You are summarizing a conversation history for context compaction.
Produce a dense, comprehensive summary that preserves:
- Key decisions and outcomes
- Important files or code that were created or modified
- Current state of any ongoing tasks
- Any instructions or preferences the user expressed

Be thorough but concise. This summary replaces the original messages entirely.

CONVERSATION TO SUMMARIZE:
`

func (e *Engine) summarize(ctx context.Context, entries []store.Entry) (string, error) {
	var sb strings.Builder
	sb.WriteString(summarizePrompt)
	for _, entry := range entries {
		if entry.Message == nil {
			continue
		}
		for _, c := range entry.Message.Content {
			if c.Type == store.ContentText && c.Text != nil {
				fmt.Fprintf(&sb, "[%s] %s\n", entry.Message.Role, c.Text.Text)
			}
		}
	}

	req := provider.Request{
		Model:        e.cfg.CompactionModel,
		SystemPrompt: "You are a conversation summarizer.",
		Messages: []provider.Message{{
			Role:    store.RoleUser,
			Content: []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: sb.String()}}},
		}},
	}

	events, err := e.prov.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling model for compaction: %w", err)
	}

	for ev := range events {
		switch ev.Type {
		case provider.EventDone:
			for _, c := range ev.Message.Content {
				if c.Type == store.ContentText && c.Text != nil && c.Text.Text != "" {
					return c.Text.Text, nil
				}
			}
			return "", fmt.Errorf("model returned empty compaction summary")
		case provider.EventError:
			return "", fmt.Errorf("compaction summarization failed: %w", ev.Err)
		}
	}
	return "", fmt.Errorf("compaction stream closed without a done event")
}
