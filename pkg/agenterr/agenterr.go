// Package agenterr classifies the error kinds the session core acts on.
//
// These are classifications, not a type hierarchy: callers use errors.As to
// recover a *Error and switch on its Kind rather than comparing sentinel
// values directly, since the same Kind can wrap many different underlying
// causes (a network dial failure and a 503 are both Transient).
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed, driving retry and surfacing
// decisions in the Turn Engine and Compaction Engine.
type Kind string

const (
	// Cancelled means the turn was explicitly aborted. Terminal, never retried.
	Cancelled Kind = "cancelled"
	// Transient means the error is eligible for retry (rate-limit, network, 5xx).
	Transient Kind = "transient"
	// Permanent means the error is not retried and is surfaced to the caller.
	Permanent Kind = "permanent"
	// ToolFailure is non-fatal: it is encoded as a ToolResult with IsError=true.
	ToolFailure Kind = "tool_failure"
	// HookError is reported to an on_error sink; it never aborts the turn.
	HookError Kind = "hook_error"
	// Corruption marks unparseable log state recovered at load time.
	Corruption Kind = "corruption"
)

// Error wraps an underlying cause with a Kind the engine can act on.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Permanent when err does
// not carry a classification (an unclassified error must not be silently
// retried forever).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if err == nil {
		return ""
	}
	return Permanent
}
