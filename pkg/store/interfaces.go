package store

import "context"

// Manager manages session files within a single per-cwd directory
// (spec.md §3 Lifecycle, §6 file naming).
type Manager interface {
	// New creates a persistent session file; the header line is written
	// together with the first appended entry.
	// cwd is recorded in the header; parentSessionID is empty for a fresh
	// session and non-empty for one produced by Branched.
	New(cwd, parentSessionID string) (Session, error)

	// Open parses an existing session file by id, migrating it forward to
	// the current schema version if needed and rebuilding its Branch Index.
	Open(id string) (Session, error)

	// ContinueRecent opens the most recently modified valid session file in
	// the managed directory.
	ContinueRecent() (Session, error)

	// Branched copies the ancestral path to leafID out of src into a new
	// session file, recording src's id as parentSession (spec.md §3).
	Branched(src Session, leafID string) (Session, error)

	// List returns metadata for every session file in the managed directory.
	List() ([]SessionInfo, error)

	// Subscribe returns a channel emitting the id of any managed session
	// that changes. Delivery order matches append order; the channel is
	// buffered and drops events under backpressure rather than blocking.
	Subscribe() <-chan string
}

// Log is the append-only persistence contract of §4.1. Session embeds Log
// and adds the in-memory Branch Index (§4.2) kept live over it.
type Log interface {
	// Append commits an entry to durable storage. Fails only on I/O error;
	// a partial write is never left for a concurrent reader to observe
	// (spec.md §3 invariant 6, §4.1).
	Append(ctx context.Context, e Entry) error

	// Close releases the underlying file handle.
	Close() error
}

// Session is a single conversation: the Log Store plus the live Branch
// Index built over it (spec.md §2 components Log Store + Branch Index).
type Session interface {
	Log

	// ID returns the session's unique identifier.
	ID() string
	// Path returns the absolute path to the session's storage file, or ""
	// for an in-memory session.
	Path() string
	// Header returns the session's header metadata.
	Header() Header

	// LeafID returns the id of the current branch tip, or "" for an empty
	// branch.
	LeafID() string

	// Entry looks up a single entry by id.
	Entry(id string) (Entry, bool)
	// Children returns id's direct children, sorted by timestamp ascending
	// with entry-id as a stable tiebreaker (spec.md §4.2).
	Children(id string) []Entry
	// Tree returns the full log as a hierarchical structure, roots sorted
	// the same way as Children.
	Tree() []TreeNode
	// Label returns the current label on id, or "" if none.
	Label(id string) string

	// AppendMessage appends a standard conversation message as a child of
	// the current leaf and advances the leaf.
	AppendMessage(role MessageRole, content []Content) (Entry, error)
	// AppendToolResult appends a ToolResult message bound to toolUseID.
	AppendToolResult(toolUseID string, content []Content, isError bool) (Entry, error)
	// AppendAssistant appends a completed Assistant message.
	AppendAssistant(content []Content, model, provider string, usage *TokenUsage, stopReason StopReason, errText string) (Entry, error)
	// AppendThinkingLevelChange records a change in thinking depth.
	AppendThinkingLevelChange(level string) (Entry, error)
	// AppendModelChange records a shift in the active model.
	AppendModelChange(provider, modelID string) (Entry, error)
	// AppendCompaction records a completed compaction.
	AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, fromHook, isSplitTurn bool) (Entry, error)
	// AppendSessionInfo updates the session's display name.
	AppendSessionInfo(name string) (Entry, error)
	// AppendCustomEntry persists an opaque, context-invisible hook payload.
	AppendCustomEntry(customType string, data map[string]any) (Entry, error)
	// AppendCustomMessage persists an opaque hook payload that participates
	// in the LLM context.
	AppendCustomMessage(customType string, content []Content) (Entry, error)

	// SetLabel sets (or, with an empty label, clears) a bookmark on an
	// entry. Label entries are on-path-only filters (spec.md §4.3); they
	// never themselves surface in the built context.
	SetLabel(targetID, label string) (Entry, error)

	// Branch moves the leaf pointer to entryID without appending anything.
	Branch(entryID string) error
	// BranchWithSummary moves the leaf as Branch does, then appends a
	// BranchSummary entry recording the abandoned path's summary.
	BranchWithSummary(entryID, summary string) (Entry, error)

	// PathTo walks parent pointers from leafID to the root and returns them
	// oldest-first (spec.md §4.2).
	PathTo(leafID string) ([]Entry, error)
}
