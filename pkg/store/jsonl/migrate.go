package jsonl

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

type migrationResult struct {
	header        store.Header
	entries       []store.Entry
	rewriteHeader bool
}

// migrate brings header+entries forward to currentVersion (spec.md §4.1,
// §9 open question b). It never mutates its inputs.
func migrate(header store.Header, entries []store.Entry) (migrationResult, []string) {
	var warnings []string
	version := header.Version
	if version == 0 {
		version = 1
	}

	out := make([]store.Entry, len(entries))
	copy(out, entries)

	if version < 2 {
		out = migrateV1ToV2(out)
		warnings = append(warnings, fmt.Sprintf("migrated %d entries from v1 (synthesized ids/parents)", len(out)))
		version = 2
	}

	if version < 3 {
		out = migrateV2ToV3(out)
		version = 3
	}

	rewrite := version != header.Version
	header.Version = version
	return migrationResult{header: header, entries: out, rewriteHeader: rewrite}, warnings
}

// migrateV1ToV2 synthesizes ids and parent pointers from file order: each
// entry's parent becomes the previous entry's id (spec.md §4.1).
func migrateV1ToV2(entries []store.Entry) []store.Entry {
	var prevID *string
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()[:8]
		}
		if entries[i].ParentID == nil {
			entries[i].ParentID = prevID
		}
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = time.Now()
		}
		id := entries[i].ID
		prevID = &id
	}
	return entries
}

// migrateV2ToV3 renames the legacy "bashExecution" role to RoleToolEvent
// (spec.md §9 open question b) — kept even though a fresh install never
// produces the old name.
func migrateV2ToV3(entries []store.Entry) []store.Entry {
	for i := range entries {
		if entries[i].Message != nil && entries[i].Message.Role == store.RoleBashExecution {
			// Copy the message so the caller's Entry values are left untouched.
			m := *entries[i].Message
			m.Role = store.RoleToolEvent
			entries[i].Message = &m
		}
	}
	return entries
}
