package context_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	ctxbuild "github.com/kestrel-sh/agentcore/pkg/context"
	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

func textMessage(role store.MessageRole, text string) provider.Message {
	return provider.Message{
		Role:    role,
		Content: []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: text}}},
	}
}

func textEntry(id string, role store.MessageRole, text string) store.Entry {
	return store.Entry{
		ID:   id,
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:    role,
			Content: []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: text}}},
		},
	}
}

func TestBuild_SimpleTurn(t *testing.T) {
	path := []store.Entry{
		textEntry("1", store.RoleUser, "2+2?"),
		textEntry("2", store.RoleAssistant, "4"),
	}
	built, err := ctxbuild.Build(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []provider.Message{
		textMessage(store.RoleUser, "2+2?"),
		textMessage(store.RoleAssistant, "4"),
	}
	if diff := cmp.Diff(want, built.Messages); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_CompactionCollapsesPrefix(t *testing.T) {
	u1 := textEntry("u1", store.RoleUser, "one")
	a1 := textEntry("a1", store.RoleAssistant, "reply one")
	u2 := textEntry("u2", store.RoleUser, "two")
	compaction := store.Entry{
		ID:   "c1",
		Type: store.TypeCompaction,
		Compaction: &store.CompactionEntry{
			Summary:          "summary of one/reply one",
			FirstKeptEntryID: "u2",
			TokensBefore:     100,
		},
	}
	a2 := textEntry("a2", store.RoleAssistant, "reply two")

	built, err := ctxbuild.Build([]store.Entry{u1, a1, u2, compaction, a2})
	if err != nil {
		t.Fatal(err)
	}
	if len(built.Messages) != 3 {
		t.Fatalf("expected 3 messages (summary, u2, a2), got %d: %+v", len(built.Messages), built.Messages)
	}
	if built.Messages[0].Content[0].Text.Text != "summary of one/reply one" {
		t.Errorf("expected synthetic summary first, got %+v", built.Messages[0])
	}
}

func TestBuild_ModelResolution(t *testing.T) {
	a1 := textEntry("a1", store.RoleAssistant, "hi")
	a1.Message.Model = "gpt-a"
	a1.Message.Provider = "openai"

	modelChange := store.Entry{
		ID:          "mc1",
		Type:        store.TypeModelChange,
		ModelChange: &store.ModelChangeEntry{Provider: "google", ModelID: "gemini-pro"},
	}

	built, err := ctxbuild.Build([]store.Entry{a1, modelChange})
	if err != nil {
		t.Fatal(err)
	}
	if built.Model != "gemini-pro" || built.Provider != "google" {
		t.Errorf("ModelChange should win, got %s/%s", built.Provider, built.Model)
	}
}

func TestBuild_ErrorAssistantSkipped(t *testing.T) {
	u := textEntry("u1", store.RoleUser, "hello")
	errAssistant := store.Entry{
		ID:   "a1",
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:       store.RoleAssistant,
			StopReason: store.StopReasonError,
			Content:    []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: "partial"}}},
		},
	}

	built, err := ctxbuild.Build([]store.Entry{u, errAssistant})
	if err != nil {
		t.Fatal(err)
	}
	want := []provider.Message{textMessage(store.RoleUser, "hello")}
	if diff := cmp.Diff(want, built.Messages); diff != "" {
		t.Errorf("error assistant entry should not surface (-want +got):\n%s", diff)
	}
}

func TestBuild_LabelsNeverSurface(t *testing.T) {
	u := textEntry("u1", store.RoleUser, "hello")
	label := store.Entry{ID: "l1", Type: store.TypeLabel, Label: &store.LabelEntry{TargetID: "u1", Label: "start"}}

	built, err := ctxbuild.Build([]store.Entry{u, label})
	if err != nil {
		t.Fatal(err)
	}
	want := []provider.Message{textMessage(store.RoleUser, "hello")}
	if diff := cmp.Diff(want, built.Messages); diff != "" {
		t.Errorf("label entry should not surface (-want +got):\n%s", diff)
	}
}
