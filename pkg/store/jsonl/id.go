package jsonl

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// maxIDAttempts bounds retries against a colliding 8-hex id before falling
// back to a longer random id (spec.md §3 invariant 4).
const maxIDAttempts = 100

// newEntryID returns an 8-hex-character id unique within exists, retrying a
// fresh uuid4 prefix up to maxIDAttempts times before falling back to a
// 26-character ULID (monotonic, collision probability negligible).
func newEntryID(exists func(id string) bool) string {
	for i := 0; i < maxIDAttempts; i++ {
		candidate := shortID()
		if !exists(candidate) {
			return candidate
		}
	}
	return ulid.Make().String()
}

func shortID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:8]
}
