// Package tool defines the Tool contract the Tool Dispatcher invokes,
// generalized from the teacher's pkg/tools.Tool into spec.md §6's shape:
// a cancellation token and optional context alongside the call's input.
package tool

import (
	"context"

	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Result is what a tool call produces: content blocks the LLM sees, an
// optional structured detail payload for UIs, and an error flag. A tool
// failure is encoded here (IsError=true) rather than as a Go error — the
// LLM sees and handles it (spec.md §7, Tool failure).
type Result struct {
	Content []store.Content
	Details any
	IsError bool
}

// Context is the optional callback surface a tool's Execute receives: the
// session it is running inside of, so a tool may itself append custom
// entries or prompt the model (mirrors the teacher's runnerDelegate).
type Context interface {
	SessionID() string
}

// Tool is one callable function-calling target. Name, Description, and
// InputSchema are registered once at construction time and never vary per
// call (spec.md §6 Tool interface).
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any

	// Execute runs the tool. ctx carries the call's cancellation token
	// (spec.md §5): Execute must observe ctx.Done() at its next suspension
	// point and return promptly. tc is nil when the caller has no session
	// context to offer (e.g. a bare unit test).
	Execute(ctx context.Context, input map[string]any, tc Context) (Result, error)
}

// Registry looks tools up by name for the Tool Dispatcher and for building
// a provider.Request's ToolSpec list.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tools in registration order, for deterministic
// provider.Request.Tools construction.
func (r *Registry) List() []Tool {
	list := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, r.tools[name])
	}
	return list
}
