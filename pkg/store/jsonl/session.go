package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Session implements store.Session over a single JSONL file (or, when
// filePath is empty, purely in memory — spec.md §3 Lifecycle).
//
// The file handle, entry map, append-order slice, leaf pointer, and label
// map are guarded by one mutex: the Log Store's shared-resource policy of
// spec.md §5 requires every mutation to serialize through a single region.
type Session struct {
	mu sync.RWMutex

	filePath string
	file     *os.File

	header        store.Header
	headerWritten bool

	entries map[string]store.Entry
	order   []string // append order, used for v1 migration and tie-breaking
	leafID  string
	labels  map[string]string // targetID -> label, "" entries are pruned

	notify func(sessionID string)
}

func newSession(filePath string, header store.Header, notify func(string)) *Session {
	return &Session{
		filePath: filePath,
		header:   header,
		entries:  make(map[string]store.Entry),
		labels:   make(map[string]string),
		notify:   notify,
	}
}

func (s *Session) ID() string           { return s.header.ID }
func (s *Session) Path() string         { return s.filePath }
func (s *Session) Header() store.Header { return s.header }

func (s *Session) LeafID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafID
}

func (s *Session) Entry(id string) (store.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Session) Children(id string) []store.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenLocked(id)
}

func (s *Session) childrenLocked(id string) []store.Entry {
	var out []store.Entry
	for _, eid := range s.order {
		e := s.entries[eid]
		if e.ParentID != nil && *e.ParentID == id {
			out = append(out, e)
		} else if e.ParentID == nil && id == "" {
			out = append(out, e)
		}
	}
	sortSiblings(out)
	return out
}

func sortSiblings(entries []store.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
}

func (s *Session) Tree() []store.TreeNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var build func(id string) store.TreeNode
	build = func(id string) store.TreeNode {
		e := s.entries[id]
		node := store.TreeNode{Entry: e, Label: s.labels[id]}
		for _, child := range s.childrenLocked(id) {
			node.Children = append(node.Children, build(child.ID))
		}
		return node
	}

	var roots []store.TreeNode
	for _, child := range s.childrenLocked("") {
		roots = append(roots, build(child.ID))
	}
	return roots
}

func (s *Session) Label(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels[id]
}

// Append commits e as-is (after filling in id/timestamp/parent if absent)
// to the log and advances the leaf. Append, every AppendX helper and
// Manager.Branched all funnel through appendLocked.
func (s *Session) Append(ctx context.Context, e store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Session) appendLocked(e store.Entry) error {
	if e.ID == "" {
		e.ID = newEntryID(func(id string) bool { _, ok := s.entries[id]; return ok })
	}
	if e.ParentID == nil && s.leafID != "" {
		pid := s.leafID
		e.ParentID = &pid
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if s.filePath != "" {
		if !s.headerWritten {
			if err := s.writeLine(s.header); err != nil {
				return fmt.Errorf("write header: %w", err)
			}
			s.headerWritten = true
		}
		if err := s.writeLine(e); err != nil {
			return fmt.Errorf("append entry: %w", err)
		}
	}

	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	s.leafID = e.ID

	if e.Type == store.TypeLabel && e.Label != nil {
		s.applyLabelLocked(*e.Label)
	}

	if s.notify != nil {
		s.notify(s.header.ID)
	}
	return nil
}

func (s *Session) applyLabelLocked(l store.LabelEntry) {
	if l.Label == "" {
		delete(s.labels, l.TargetID)
		return
	}
	s.labels[l.TargetID] = l.Label
}

func (s *Session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// --- typed append helpers ---

func (s *Session) AppendMessage(role store.MessageRole, content []store.Content) (store.Entry, error) {
	e := store.Entry{Type: store.TypeMessage, Message: &store.MessageEntry{Role: role, Content: content}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendAssistant(content []store.Content, model, provider string, usage *store.TokenUsage, stopReason store.StopReason, errText string) (store.Entry, error) {
	e := store.Entry{Type: store.TypeMessage, Message: &store.MessageEntry{
		Role:       store.RoleAssistant,
		Content:    content,
		Model:      model,
		Provider:   provider,
		Usage:      usage,
		StopReason: stopReason,
		Error:      errText,
	}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendToolResult(toolUseID string, content []store.Content, isError bool) (store.Entry, error) {
	e := store.Entry{Type: store.TypeMessage, Message: &store.MessageEntry{
		Role:      store.RoleToolResult,
		Content:   content,
		ToolUseID: toolUseID,
		IsError:   isError,
	}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendThinkingLevelChange(level string) (store.Entry, error) {
	e := store.Entry{Type: store.TypeThinkingLevelChange, ThinkingLevelChange: &store.ThinkingLevelEntry{Level: level}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendModelChange(provider, modelID string) (store.Entry, error) {
	e := store.Entry{Type: store.TypeModelChange, ModelChange: &store.ModelChangeEntry{Provider: provider, ModelID: modelID}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, fromHook, isSplitTurn bool) (store.Entry, error) {
	e := store.Entry{Type: store.TypeCompaction, Compaction: &store.CompactionEntry{
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		FromHook:         fromHook,
		IsSplitTurn:      isSplitTurn,
	}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendSessionInfo(name string) (store.Entry, error) {
	e := store.Entry{Type: store.TypeSessionInfo, SessionInfo: &store.SessionInfoEntry{Name: name}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendCustomEntry(customType string, data map[string]any) (store.Entry, error) {
	e := store.Entry{Type: store.TypeCustom, Custom: &store.CustomEntry{CustomType: customType, Data: data}}
	return s.appendAndReturn(e)
}

func (s *Session) AppendCustomMessage(customType string, content []store.Content) (store.Entry, error) {
	e := store.Entry{Type: store.TypeCustomMessage, CustomMessage: &store.CustomMessageEntry{CustomType: customType, Content: content}}
	return s.appendAndReturn(e)
}

func (s *Session) SetLabel(targetID, label string) (store.Entry, error) {
	e := store.Entry{Type: store.TypeLabel, Label: &store.LabelEntry{TargetID: targetID, Label: label}}
	return s.appendAndReturn(e)
}

func (s *Session) appendAndReturn(e store.Entry) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return store.Entry{}, err
	}
	return s.entries[s.leafID], nil
}

// --- branching ---

func (s *Session) Branch(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID != "" {
		if _, ok := s.entries[entryID]; !ok {
			return fmt.Errorf("branch: entry %q not found", entryID)
		}
	}
	s.leafID = entryID
	if s.notify != nil {
		s.notify(s.header.ID)
	}
	return nil
}

func (s *Session) BranchWithSummary(entryID, summary string) (store.Entry, error) {
	if err := s.Branch(entryID); err != nil {
		return store.Entry{}, err
	}
	e := store.Entry{Type: store.TypeBranchSummary, BranchSummary: &store.BranchSummaryEntry{Summary: summary, FromID: entryID}}
	return s.appendAndReturn(e)
}

// PathTo walks parent pointers from leafID to the root, oldest first
// (spec.md §3 invariant 3, §4.2).
func (s *Session) PathTo(leafID string) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if leafID == "" {
		return nil, nil
	}

	var reversed []store.Entry
	cur := leafID
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("path_to: cycle detected at %s", cur)
		}
		seen[cur] = true

		e, ok := s.entries[cur]
		if !ok {
			return nil, fmt.Errorf("path_to: broken parent link at %s", cur)
		}
		reversed = append(reversed, e)
		if e.ParentID == nil {
			break
		}
		cur = *e.ParentID
	}

	path := make([]store.Entry, len(reversed))
	for i, e := range reversed {
		path[len(reversed)-1-i] = e
	}
	return path, nil
}
