// Package gemini adapts Google's Gemini API to the provider.Provider
// contract, streaming events incrementally instead of aggregating the
// full response before returning (spec.md §4.4 step 3 requires partial
// deltas as they arrive).
//
// Grounded on the teacher's pkg/models/gemini/gemini.go: same genai.Client
// construction, the same loggingTransport/LevelTrace HTTP trace idiom, the
// same Content<->genai.Part conversion. Unlike the teacher's geminiStream,
// which buffers the whole genai.GenerateContentResponseIterator into one
// FullMessage before returning, Stream here emits a provider.Event per
// iterator chunk as it arrives.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/kestrel-sh/agentcore/pkg/agenterr"
	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

// LevelTrace is a custom log level for detailed HTTP traffic, below Debug.
const LevelTrace = slog.Level(-8)

// Provider implements provider.Provider against the Gemini API.
type Provider struct {
	client *genai.Client
}

func New(ctx context.Context, apiKey string) (*Provider, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{base: http.DefaultTransport, apiKey: apiKey},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Close() error { return p.client.Close() }

type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	if reqDump, err := httputil.DumpRequestOut(req, true); err != nil {
		slog.Debug("failed to dump gemini request", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "gemini request", "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")
	if respDump, err := httputil.DumpResponse(resp, !isStream); err != nil {
		slog.Debug("failed to dump gemini response", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "gemini response", "isStream", isStream, "dump", string(respDump))
	}
	return resp, nil
}

func toGenaiParts(content []store.Content) []genai.Part {
	var parts []genai.Part
	for _, c := range content {
		switch c.Type {
		case store.ContentText:
			if c.Text != nil {
				parts = append(parts, genai.Text(c.Text.Text))
			}
		case store.ContentToolUse:
			if c.ToolUse != nil {
				parts = append(parts, genai.FunctionCall{Name: c.ToolUse.Name, Args: c.ToolUse.Input})
			}
		case store.ContentToolResult:
			if c.ToolResult != nil {
				parts = append(parts, genai.FunctionResponse{
					Response: map[string]any{"result": c.ToolResult.Content},
				})
			}
		}
	}
	return parts
}

func toGenaiRole(role store.MessageRole) string {
	switch role {
	case store.RoleAssistant:
		return "model"
	default:
		return "user"
	}
}

func toolsToGenai(specs []provider.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  schemaToGenai(s.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// schemaToGenai handles the subset of JSON Schema the core's tools emit
// (object/string/required), matching the teacher's hand-built schema.
func schemaToGenai(schema map[string]any) *genai.Schema {
	props, _ := schema["properties"].(map[string]any)
	out := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	for name, raw := range props {
		p, _ := raw.(map[string]any)
		typ := genai.TypeString
		if t, _ := p["type"].(string); t == "object" {
			typ = genai.TypeObject
		}
		desc, _ := p["description"].(string)
		out.Properties[name] = &genai.Schema{Type: typ, Description: desc}
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, name := range req {
			if s, ok := name.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// Stream implements provider.Provider. It converts req into a genai chat
// session, starts SendMessageStream, and relays each chunk as text/tool_use
// deltas, closing with one Done or Error event.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	gm := p.client.GenerativeModel(req.Model)
	gm.Tools = toolsToGenai(req.Tools)
	if req.SystemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	var history []*genai.Content
	for _, m := range req.Messages {
		if parts := toGenaiParts(m.Content); len(parts) > 0 {
			history = append(history, &genai.Content{Role: toGenaiRole(m.Role), Parts: parts})
		}
	}
	if len(history) == 0 {
		return nil, agenterr.New(agenterr.Permanent, "gemini.Stream", fmt.Errorf("no messages to send"))
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	lastParts := toGenaiParts(req.Messages[len(req.Messages)-1].Content)

	iter := cs.SendMessageStream(ctx, lastParts...)

	events := make(chan provider.Event, 16)
	go p.relay(ctx, iter, events)
	return events, nil
}

func (p *Provider) relay(ctx context.Context, iter *genai.GenerateContentResponseIterator, events chan<- provider.Event) {
	defer close(events)
	events <- provider.Event{Type: provider.EventStart}

	var textBuilder strings.Builder
	var toolUses []store.Content
	toolIndex := 0

	for {
		select {
		case <-ctx.Done():
			events <- provider.Event{Type: provider.EventError, ErrKind: agenterr.Cancelled, Err: ctx.Err()}
			return
		default:
		}

		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			events <- provider.Event{Type: provider.EventError, ErrKind: classify(err), Err: err}
			return
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					textBuilder.WriteString(string(v))
					events <- provider.Event{Type: provider.EventTextDelta, Text: string(v)}
				case genai.FunctionCall:
					id := "call-" + uuid.NewString()
					toolUses = append(toolUses, store.Content{
						Type: store.ContentToolUse,
						ToolUse: &store.ToolUseContent{
							ID: id, Name: v.Name, Index: toolIndex, Input: v.Args,
						},
					})
					events <- provider.Event{Type: provider.EventToolUseDelta, ToolUseID: id, ToolUseName: v.Name, ToolUseIndex: toolIndex, ToolUseInput: v.Args}
					toolIndex++
				}
			}
		}
	}

	var content []store.Content
	if textBuilder.Len() > 0 {
		content = append(content, store.Content{Type: store.ContentText, Text: &store.TextContent{Text: textBuilder.String()}})
	}
	content = append(content, toolUses...)

	stopReason := store.StopReasonStop
	if len(toolUses) > 0 {
		stopReason = store.StopReasonToolUse
	}

	events <- provider.Event{
		Type:       provider.EventDone,
		StopReason: stopReason,
		Message:    provider.Message{Role: store.RoleAssistant, Content: content},
	}
}

// classify maps a genai/transport error to an agenterr.Kind. Rate-limit,
// 5xx (500, 502, 503, 504) and network-ish failures are transient;
// everything else (bad request, auth, unsupported feature) is permanent,
// matching spec.md §7's classification list.
func classify(err error) agenterr.Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "500"), strings.Contains(msg, "504"),
		strings.Contains(msg, "503"), strings.Contains(msg, "502"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"):
		return agenterr.Transient
	default:
		return agenterr.Permanent
	}
}
