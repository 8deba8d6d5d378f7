// Package toolexec implements the Tool Dispatcher (spec.md §4.5): concurrent
// execution of the tool_use blocks in one completed Assistant message, with
// per-call cancellation, hook veto, and completion-order log append.
//
// Grounded on the teacher's pkg/runner/step.go stepExecuteTools, which
// spawns one goroutine per tool_use block and joins them with a
// sync.WaitGroup; generalized here to forward a per-call cancellation
// token and to consult the Hook Runtime's tool_call veto before running.
package toolexec

import (
	"context"
	"sync"

	"github.com/kestrel-sh/agentcore/pkg/hook"
	"github.com/kestrel-sh/agentcore/pkg/store"
	"github.com/kestrel-sh/agentcore/pkg/tool"
)

// CallResult is one tool_use block's outcome, paired with its originating
// block so the caller can append ToolResult entries and emit events keyed
// by the block's Index (spec.md §4.5: log order is completion order, but
// subscription events are sorted by Index for deterministic display).
type CallResult struct {
	Block  store.ToolUseContent
	Result tool.Result
	Err    error
}

// Dispatcher runs tool_use blocks against a Registry, consulting a Hook
// Runtime for per-call veto.
type Dispatcher struct {
	registry *tool.Registry
	hooks    *hook.Runtime
}

func New(registry *tool.Registry, hooks *hook.Runtime) *Dispatcher {
	return &Dispatcher{registry: registry, hooks: hooks}
}

// Run executes every block in blocks concurrently, one goroutine each,
// forwarding ctx so an aborted turn cancels every in-flight call at once.
// Results are returned in completion order — the caller appends ToolResult
// log entries in that same order (spec.md §4.5 "ordering... is by
// completion time") and is responsible for re-sorting by Block.Index
// before publishing subscription events.
func (d *Dispatcher) Run(ctx context.Context, sessionID string, blocks []store.ToolUseContent) []CallResult {
	results := make(chan CallResult, len(blocks))
	var wg sync.WaitGroup

	for _, block := range blocks {
		wg.Add(1)
		go func(b store.ToolUseContent) {
			defer wg.Done()
			results <- d.runOne(ctx, sessionID, b)
		}(block)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]CallResult, 0, len(blocks))
	for r := range results {
		ordered = append(ordered, r)
	}
	return ordered
}

func (d *Dispatcher) runOne(ctx context.Context, sessionID string, block store.ToolUseContent) CallResult {
	payload := &hook.Payload{
		Event:     hook.ToolCall,
		SessionID: sessionID,
		ToolName:  block.Name,
		ToolInput: block.Input,
	}
	if d.hooks != nil {
		d.hooks.Dispatch(ctx, payload)
	}
	if payload.Veto != "" {
		return CallResult{
			Block: block,
			Result: tool.Result{
				Content: []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: payload.Veto}}},
				IsError: true,
			},
		}
	}

	t, ok := d.registry.Get(block.Name)
	if !ok {
		return CallResult{
			Block: block,
			Result: tool.Result{
				Content: []store.Content{{
					Type: store.ContentText,
					Text: &store.TextContent{Text: "unknown tool: " + block.Name},
				}},
				IsError: true,
			},
		}
	}

	result, err := t.Execute(ctx, block.Input, sessionContext(sessionID))
	cr := CallResult{Block: block, Result: result, Err: err}

	if d.hooks != nil {
		resultPayload := &hook.Payload{
			Event:     hook.ToolResult,
			SessionID: sessionID,
			ToolName:  block.Name,
		}
		if len(result.Content) > 0 {
			resultPayload.ToolResult = &result.Content[0]
		}
		d.hooks.Dispatch(ctx, resultPayload)
	}
	return cr
}

// sessionContext is the minimal tool.Context a Dispatcher offers: a tool
// only ever learns which session it is running inside of.
type sessionContext string

func (s sessionContext) SessionID() string { return string(s) }
