// Package store defines the conversation log's data model: the tagged
// Entry union, the session Header, and the Log/Tree contracts built on top
// of them. Concrete persistence lives in the jsonl sub-package.
package store

import "time"

// EntryType tags the kind of a log Entry.
type EntryType string

const (
	TypeSession             EntryType = "session" // header only, never a log entry
	TypeMessage             EntryType = "message"
	TypeModelChange         EntryType = "model_change"
	TypeThinkingLevelChange EntryType = "thinking_level_change"
	TypeCompaction          EntryType = "compaction"
	TypeBranchSummary       EntryType = "branch_summary"
	TypeCustom              EntryType = "custom"
	TypeCustomMessage       EntryType = "custom_message"
	TypeLabel               EntryType = "label"
	TypeSessionInfo         EntryType = "session_info"
)

// MessageRole is the sender of a MessageEntry.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"

	// RoleToolEvent is the v3 name for what v2 logs called RoleBashExecution.
	// Kept so migrate() has a legacy name to rename even though a fresh
	// install never produces it (spec open question 9b).
	RoleToolEvent MessageRole = "tool_event"
	// RoleBashExecution is the v2 role name migrate() looks for.
	RoleBashExecution MessageRole = "bashExecution"
)

// StopReason is why an Assistant message's generation ended.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonAborted StopReason = "aborted"
	StopReasonError   StopReason = "error"
)

// Header is the first line of a persisted session file.
type Header struct {
	Type          EntryType `json:"type"` // always TypeSession
	Version       int       `json:"version"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Cwd           string    `json:"cwd"`
	ParentSession string    `json:"parentSession,omitempty"`
}

// Entry is a tagged union representing one immutable record in the log.
// Exactly one payload field is non-nil, selected by Type.
type Entry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp time.Time `json:"timestamp"`

	Message             *MessageEntry       `json:"message,omitempty"`
	ModelChange         *ModelChangeEntry   `json:"modelChange,omitempty"`
	ThinkingLevelChange *ThinkingLevelEntry `json:"thinkingLevelChange,omitempty"`
	Compaction          *CompactionEntry    `json:"compaction,omitempty"`
	BranchSummary       *BranchSummaryEntry `json:"branchSummary,omitempty"`
	Custom              *CustomEntry        `json:"custom,omitempty"`
	CustomMessage       *CustomMessageEntry `json:"customMessage,omitempty"`
	Label               *LabelEntry         `json:"label,omitempty"`
	SessionInfo         *SessionInfoEntry   `json:"sessionInfo,omitempty"`
}

// TokenUsage mirrors the usage block a provider reports with a turn.
type TokenUsage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
}

// Total is the figure the Compaction Engine's threshold rule compares
// against context_window - reserve_tokens (spec.md §4.6).
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// MessageEntry is the conversational payload: User, Assistant, or ToolResult.
type MessageEntry struct {
	Role    MessageRole `json:"role"`
	Content []Content   `json:"content"`

	// Assistant-only fields.
	Model      string      `json:"model,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	StopReason StopReason  `json:"stopReason,omitempty"`
	Error      string      `json:"error,omitempty"`

	// ToolResult-only field: the tool_use id this result answers.
	ToolUseID string `json:"toolUseId,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

type ModelChangeEntry struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

type ThinkingLevelEntry struct {
	Level string `json:"level"`
}

type CompactionEntry struct {
	Summary          string `json:"summary"`
	FirstKeptEntryID string `json:"firstKeptEntryId"`
	TokensBefore     int    `json:"tokensBefore"`
	FromHook         bool   `json:"fromHook,omitempty"`
	IsSplitTurn      bool   `json:"isSplitTurn,omitempty"`
}

type BranchSummaryEntry struct {
	Summary string `json:"summary"`
	FromID  string `json:"fromId"`
}

// CustomEntry is an opaque hook-defined payload that does NOT participate
// in the LLM context (spec.md §3).
type CustomEntry struct {
	CustomType string         `json:"customType"`
	Data       map[string]any `json:"data"`
}

// CustomMessageEntry is a hook-defined payload that DOES participate in the
// LLM context, surfaced by the Context Builder as a pass-through message.
type CustomMessageEntry struct {
	CustomType string    `json:"customType"`
	Content    []Content `json:"content"`
}

type LabelEntry struct {
	TargetID string `json:"targetId"`
	Label    string `json:"label"` // empty clears
}

type SessionInfoEntry struct {
	Name string `json:"name"`
}

// ContentType tags a Content block.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentThinking   ContentType = "thinking"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// Content is one block of a message's ordered content list.
type Content struct {
	Type ContentType `json:"type"`

	Text       *TextContent       `json:"text,omitempty"`
	Image      *ImageContent      `json:"image,omitempty"`
	Thinking   *ThinkingContent   `json:"thinking,omitempty"`
	ToolUse    *ToolUseContent    `json:"toolUse,omitempty"`
	ToolResult *ToolResultContent `json:"toolResult,omitempty"`
}

type TextContent struct {
	Text string `json:"text"`
}

type ThinkingContent struct {
	Text string `json:"text"`
}

type ImageContent struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

type ToolUseContent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Index int            `json:"index"` // position among tool_use blocks in the message, for deterministic event ordering
	Input map[string]any `json:"input"`
}

type ToolResultContent struct {
	ToolUseID string    `json:"toolUseId"`
	IsError   bool      `json:"isError"`
	Content   []Content `json:"content"`
}

// SessionInfo is lightweight listing metadata for a persisted session file.
type SessionInfo struct {
	ID       string
	Path     string
	Name     string
	Created  time.Time
	Modified time.Time
}

// TreeNode is a hierarchical view of the log for tree()/inspection UIs.
type TreeNode struct {
	Entry    Entry
	Label    string
	Children []TreeNode
}
