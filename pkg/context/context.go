// Package context implements the Context Builder (spec.md §4.3): a pure
// function from a root-to-leaf path of log entries to the ordered,
// LLM-visible message list plus the resolved model and thinking level.
//
// Build touches nothing outside the given path — no log access, no I/O —
// so it is trivially reproducible (spec.md §8 "context reproducibility").
package context

import (
	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Built is the Context Builder's output for one path.
type Built struct {
	Messages      []provider.Message
	Model         string
	Provider      string
	ThinkingLevel string
}

// metaTracker accumulates rule 1's "most recent" selections across the
// whole path: a ModelChange anywhere on the path always wins over an
// Assistant message's reported model, which is only a fallback for paths
// with no explicit ModelChange at all.
type metaTracker struct {
	sawModelChange bool
	model          string
	provider       string
	lastAssistant  string
	lastAssistantP string
	thinkingLevel  string
}

func (m *metaTracker) observe(e store.Entry) {
	switch e.Type {
	case store.TypeModelChange:
		if e.ModelChange != nil {
			m.sawModelChange = true
			m.model = e.ModelChange.ModelID
			m.provider = e.ModelChange.Provider
		}
	case store.TypeThinkingLevelChange:
		if e.ThinkingLevelChange != nil {
			m.thinkingLevel = e.ThinkingLevelChange.Level
		}
	case store.TypeMessage:
		if e.Message != nil && e.Message.Role == store.RoleAssistant && e.Message.Model != "" &&
			e.Message.StopReason != store.StopReasonError {
			m.lastAssistant = e.Message.Model
			m.lastAssistantP = e.Message.Provider
		}
	}
}

func (m *metaTracker) resolve() (model, providerName, thinkingLevel string) {
	if m.sawModelChange {
		return m.model, m.provider, m.thinkingLevel
	}
	return m.lastAssistant, m.lastAssistantP, m.thinkingLevel
}

// Build applies spec.md §4.3's single left-to-right pass: it tracks the
// most recent ModelChange/ThinkingLevelChange/Assistant model, collapses
// everything before the last Compaction's FirstKeptEntryID into one
// synthetic summary message, and emits User/Assistant/ToolResult/
// CustomMessage content plus synthetic Compaction/BranchSummary messages
// at their entries' positions. Label entries never surface.
func Build(path []store.Entry) (Built, error) {
	cutIndex := -1 // index (in path) of the last Compaction's first-kept entry
	var lastCompaction *store.CompactionEntry

	for _, e := range path {
		if e.Type == store.TypeCompaction && e.Compaction != nil {
			lastCompaction = e.Compaction
		}
	}
	if lastCompaction != nil {
		for i, e := range path {
			if e.ID == lastCompaction.FirstKeptEntryID {
				cutIndex = i
				break
			}
		}
	}

	var b Built
	var messages []provider.Message
	var meta metaTracker
	summaryEmitted := false

	for i, e := range path {
		meta.observe(e)

		if lastCompaction != nil && cutIndex >= 0 && i < cutIndex {
			// Collapsed into the synthetic summary below; rule 1 still scans
			// the whole path for model/thinking-level resolution.
			continue
		}
		if lastCompaction != nil && cutIndex >= 0 && i == cutIndex && !summaryEmitted {
			messages = append(messages, provider.Message{
				Role: store.RoleAssistant,
				Content: []store.Content{{
					Type: store.ContentText,
					Text: &store.TextContent{Text: lastCompaction.Summary},
				}},
			})
			summaryEmitted = true
		}

		switch e.Type {
		case store.TypeMessage:
			if e.Message == nil {
				continue
			}
			if e.Message.Role == store.RoleToolEvent {
				continue
			}
			if e.Message.Role == store.RoleAssistant && e.Message.StopReason == store.StopReasonError {
				// The retry controller re-enters the stream loop without a new
				// User message (spec.md §4.7); the failed attempt stays in the
				// log but contributes nothing to the rebuilt context.
				continue
			}
			messages = append(messages, provider.Message{
				Role:    e.Message.Role,
				Content: e.Message.Content,
			})
		case store.TypeCustomMessage:
			if e.CustomMessage == nil {
				continue
			}
			messages = append(messages, provider.Message{
				Role:    store.RoleAssistant,
				Content: e.CustomMessage.Content,
			})
		case store.TypeBranchSummary:
			if e.BranchSummary == nil {
				continue
			}
			messages = append(messages, provider.Message{
				Role: store.RoleAssistant,
				Content: []store.Content{{
					Type: store.ContentText,
					Text: &store.TextContent{Text: e.BranchSummary.Summary},
				}},
			})
		}
		// TypeLabel, TypeSession, TypeModelChange, TypeThinkingLevelChange,
		// TypeCompaction (past the cut), TypeSessionInfo, TypeCustom never
		// surface as messages (spec.md §4.3 rule 3).
	}

	b.Messages = messages
	b.Model, b.Provider, b.ThinkingLevel = meta.resolve()
	return b, nil
}
