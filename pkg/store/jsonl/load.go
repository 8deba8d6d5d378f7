package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kestrel-sh/agentcore/pkg/store"
)

// Load parses a session file: the first non-blank line must be a valid
// header, everything after it is parsed one Entry per line. Malformed
// entry lines are skipped silently; a missing/unparseable header, or a
// first non-blank line that isn't a session header, makes the whole file
// corrupt (spec.md §3 invariant 6, §4.1).
//
// truncated is true whenever any line was skipped, signalling the caller
// should rewrite the file to drop the unreadable tail.
func Load(f *os.File) (header store.Header, entries []store.Entry, truncated bool, err error) {
	if _, err = f.Seek(0, 0); err != nil {
		return store.Header{}, nil, false, fmt.Errorf("seek: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var headerLine []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytesTrimSpace(line)) == 0 {
			continue
		}
		headerLine = append([]byte(nil), line...)
		break
	}

	if headerLine == nil {
		// Empty file: corrupt per invariant 6, caller writes a fresh header.
		return store.Header{}, nil, true, nil
	}

	if jsonErr := json.Unmarshal(headerLine, &header); jsonErr != nil || header.Type != store.TypeSession {
		return store.Header{}, nil, true, nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytesTrimSpace(line)) == 0 {
			continue
		}
		var e store.Entry
		if jsonErr := json.Unmarshal(line, &e); jsonErr != nil {
			truncated = true
			continue
		}
		entries = append(entries, e)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// A scan error (e.g. a line exceeding the buffer, or a crash that
		// left a partial trailing line) is recovered the same way: keep
		// what parsed, mark the tail for a clean rewrite.
		truncated = true
	}

	return header, entries, truncated, nil
}

func bytesTrimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// rewriteFile replaces f's contents with header followed by entries, one
// JSON object per line. It never truncates beyond what migrate/Load
// already decided to drop — the on-disk order of surviving lines is
// preserved (spec.md §3 invariant 6).
func rewriteFile(f *os.File, header store.Header, entries []store.Entry) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(header); err != nil {
		return err
	}
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
