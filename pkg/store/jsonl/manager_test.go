package jsonl_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrel-sh/agentcore/pkg/store"
	"github.com/kestrel-sh/agentcore/pkg/store/jsonl"
)

func textContent(s string) []store.Content {
	return []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: s}}}
}

func TestSession_AppendAndBranchIndex(t *testing.T) {
	m, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.New("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	msg1, err := s.AppendMessage(store.RoleUser, textContent("hello"))
	if err != nil {
		t.Fatal(err)
	}
	msg2, err := s.AppendMessage(store.RoleAssistant, textContent("hi"))
	if err != nil {
		t.Fatal(err)
	}

	path, err := s.PathTo(s.LeafID())
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 2 || path[0].ID != msg1.ID || path[1].ID != msg2.ID {
		t.Fatalf("unexpected path: %+v", path)
	}

	if err := s.Branch(msg1.ID); err != nil {
		t.Fatal(err)
	}
	msg3, err := s.AppendMessage(store.RoleUser, textContent("new branch"))
	if err != nil {
		t.Fatal(err)
	}

	path, err = s.PathTo(s.LeafID())
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 2 || path[0].ID != msg1.ID || path[1].ID != msg3.ID {
		t.Fatalf("branch path mismatch: %+v", path)
	}

	children := s.Children(msg1.ID)
	if len(children) != 2 {
		t.Fatalf("expected 2 children of msg1, got %d", len(children))
	}
}

func TestSession_Persistence(t *testing.T) {
	dir := t.TempDir()
	m, err := jsonl.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.New("/work", "")
	if err != nil {
		t.Fatal(err)
	}
	msg1, err := s.AppendMessage(store.RoleUser, textContent("store me"))
	if err != nil {
		t.Fatal(err)
	}
	id := s.ID()
	s.Close()

	s2, err := m.Open(id)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if s2.LeafID() != msg1.ID {
		t.Errorf("leaf not restored: got %s want %s", s2.LeafID(), msg1.ID)
	}
	if s2.Header().Cwd != "/work" {
		t.Errorf("cwd not restored: got %q", s2.Header().Cwd)
	}
}

func TestSession_LabelsAndTree(t *testing.T) {
	m, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.New("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id1, err := s.AppendMessage(store.RoleUser, textContent("one"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetLabel(id1.ID, "start"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(store.RoleAssistant, textContent("two")); err != nil {
		t.Fatal(err)
	}

	if s.Label(id1.ID) != "start" {
		t.Errorf("label not set, got %q", s.Label(id1.ID))
	}

	tree := s.Tree()
	if len(tree) != 1 || tree[0].Label != "start" {
		t.Fatalf("tree/label mismatch: %+v", tree)
	}
}

func TestManager_BranchedAndList(t *testing.T) {
	m, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s1, err := m.New("", "")
	if err != nil {
		t.Fatal(err)
	}
	root, err := s1.AppendMessage(store.RoleUser, textContent("source"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.AppendMessage(store.RoleAssistant, textContent("reply")); err != nil {
		t.Fatal(err)
	}
	id1 := s1.ID()
	leaf := s1.LeafID()
	s1.Close()

	reopened, err := m.Open(id1)
	if err != nil {
		t.Fatal(err)
	}

	s2, err := m.Branched(reopened, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if s2.ID() == id1 {
		t.Error("branched session should have a new id")
	}
	if s2.Header().ParentSession != id1 {
		t.Errorf("parentSession not recorded: got %q", s2.Header().ParentSession)
	}
	path, err := s2.PathTo(s2.LeafID())
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 1 || path[0].ID != root.ID {
		t.Fatalf("branched session should contain only the root entry, got %+v", path)
	}
	_ = leaf

	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) < 2 {
		t.Fatalf("expected at least 2 sessions, got %d", len(list))
	}

	recent, err := m.ContinueRecent()
	if err != nil {
		t.Fatal(err)
	}
	defer recent.Close()
	if recent.ID() != s2.ID() {
		t.Errorf("ContinueRecent should return the most recently modified session, got %s", recent.ID())
	}
}

func TestSession_CustomEntries(t *testing.T) {
	m, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.New("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	data := map[string]any{"key": "value", "count": 42.0}
	if _, err := s.AppendCustomEntry("my-ext", data); err != nil {
		t.Fatal(err)
	}

	tree := s.Tree()
	custom := tree[0].Entry.Custom
	if custom == nil || custom.CustomType != "my-ext" || custom.Data["key"] != "value" {
		t.Errorf("custom entry mismatch: %+v", custom)
	}
}

func TestSession_DirectAppendAndPath(t *testing.T) {
	m, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.New("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !filepath.IsAbs(s.Path()) {
		t.Errorf("Path() should be absolute, got %s", s.Path())
	}

	if err := s.Append(context.Background(), store.Entry{
		ID:   "direct01",
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:    store.RoleUser,
			Content: textContent("direct append"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	if s.LeafID() != "direct01" {
		t.Errorf("leaf should be direct01, got %s", s.LeafID())
	}
}

func TestManager_CorruptHeaderRecovered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-01-01T00-00-00Z_deadbeef.jsonl")
	if err := os.WriteFile(path, []byte("not json at all\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := jsonl.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.Open("deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Header().Type != store.TypeSession {
		t.Errorf("recovered header should carry TypeSession, got %q", s.Header().Type)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 {
		t.Error("corrupt file should have been rewritten with a fresh header")
	}
}
