package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-sh/agentcore/pkg/store"
)

// currentVersion is the schema version new headers are stamped with and
// the target of migrate() (spec.md §4.1, §9 open question b).
const currentVersion = 3

// Manager implements store.Manager over a directory of "<ts>_<uuid>.jsonl"
// files, one per session, grounded on the teacher's jsonl.Manager.
type Manager struct {
	dir string

	mu   sync.Mutex
	subs []chan string
}

// NewManager opens (creating if absent) the given per-cwd sessions
// directory. Path layout (cwd encoding, filename shape) is resolved by the
// caller — see pkg/config — and handed to NewManager as a plain directory.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) Subscribe() <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 32)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Manager) publish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- id:
		default:
		}
	}
}

// fileName implements the §6 naming rule: the session's creation timestamp
// with colons replaced by dashes, an underscore, then a uuid.
func fileName(id string, created time.Time) string {
	ts := strings.ReplaceAll(created.UTC().Format(time.RFC3339Nano), ":", "-")
	return ts + "_" + id + ".jsonl"
}

func (m *Manager) New(cwd, parentSessionID string) (store.Session, error) {
	id := uuid.NewString()
	now := time.Now()
	header := store.Header{
		Type:          store.TypeSession,
		Version:       currentVersion,
		ID:            id,
		Timestamp:     now,
		Cwd:           cwd,
		ParentSession: parentSessionID,
	}

	path := filepath.Join(m.dir, fileName(id, now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create session file: %w", err)
	}

	s := newSession(path, header, m.publish)
	s.file = f
	return s, nil
}

// Open parses path's session file (locating it by id within m.dir),
// migrating it forward and rebuilding its Branch Index.
func (m *Manager) Open(id string) (store.Session, error) {
	path, err := m.pathForID(id)
	if err != nil {
		return nil, err
	}
	return m.openPath(path)
}

func (m *Manager) pathForID(id string) (string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return "", fmt.Errorf("read sessions dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".jsonl" {
			continue
		}
		if strings.Contains(de.Name(), id) {
			return filepath.Join(m.dir, de.Name()), nil
		}
	}
	return "", fmt.Errorf("session %q not found in %s", id, m.dir)
}

func (m *Manager) openPath(path string) (store.Session, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}

	header, entries, truncated, err := Load(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("load session: %w", err)
	}

	if header.Type != store.TypeSession {
		// No header, an unparseable header, or a non-session first line:
		// corrupt per spec.md §3 invariant 6. Write a fresh header; any
		// entries found past it are discarded since their parent chain
		// cannot be trusted without one.
		slog.Warn("session file corrupt, rewriting fresh header", "path", path)
		header = store.Header{
			Type:      store.TypeSession,
			Version:   currentVersion,
			ID:        idFromPath(path),
			Timestamp: time.Now(),
		}
		entries = nil
		truncated = true
	}

	migrated, warnings := migrate(header, entries)
	for _, w := range warnings {
		slog.Warn("session migration warning", "path", path, "warning", w)
	}

	s := newSession(path, migrated.header, m.publish)
	s.file = f
	s.headerWritten = true

	if migrated.rewriteHeader || truncated {
		if err := rewriteFile(f, migrated.header, migrated.entries); err != nil {
			f.Close()
			return nil, fmt.Errorf("rewrite migrated session: %w", err)
		}
	}

	for _, e := range migrated.entries {
		s.entries[e.ID] = e
		s.order = append(s.order, e.ID)
		if e.Type == store.TypeLabel && e.Label != nil {
			s.applyLabelLocked(*e.Label)
		}
	}
	if len(migrated.entries) > 0 {
		s.leafID = migrated.entries[len(migrated.entries)-1].ID
	}

	return s, nil
}

func (m *Manager) ContinueRecent() (store.Session, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no sessions found in %s", m.dir)
	}
	return m.Open(infos[0].ID)
}

// Branched copies src's ancestral path to leafID into a new session file,
// minus label entries, plus on-path labels reappended (spec.md §3).
func (m *Manager) Branched(src store.Session, leafID string) (store.Session, error) {
	path, err := src.PathTo(leafID)
	if err != nil {
		return nil, fmt.Errorf("branched session: %w", err)
	}

	dst, err := m.New(src.Header().Cwd, src.ID())
	if err != nil {
		return nil, err
	}
	ds := dst.(*Session)

	for _, e := range path {
		if e.Type == store.TypeLabel {
			continue
		}
		cp := e
		cp.ParentID = nil // appendLocked re-chains from the new session's own leaf
		if err := ds.appendLocked(cp); err != nil {
			dst.Close()
			return nil, fmt.Errorf("branched session: copy entry %s: %w", e.ID, err)
		}
		if label := src.Label(e.ID); label != "" {
			if _, err := ds.SetLabel(e.ID, label); err != nil {
				dst.Close()
				return nil, fmt.Errorf("branched session: relabel %s: %w", e.ID, err)
			}
		}
	}

	return dst, nil
}

func (m *Manager) List() ([]store.SessionInfo, error) {
	des, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var infos []store.SessionInfo
	for _, de := range des {
		if de.IsDir() || filepath.Ext(de.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(m.dir, de.Name())
		info, err := de.Info()
		if err != nil {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			continue
		}
		header, ok := peekHeader(f)
		f.Close()
		if !ok {
			continue
		}

		infos = append(infos, store.SessionInfo{
			ID:       header.ID,
			Path:     path,
			Created:  header.Timestamp,
			Modified: info.ModTime(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})
	return infos, nil
}

// idFromPath recovers a session id from its filename's "<ts>_<uuid>.jsonl"
// shape (see fileName). Used only when a file's own header is corrupt and
// its original id cannot be trusted from content. If the name doesn't
// contain an underscore-delimited suffix, a fresh uuid is generated instead
// — the original id is unrecoverable either way.
func idFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if i := strings.LastIndex(name, "_"); i >= 0 && i+1 < len(name) {
		return name[i+1:]
	}
	return uuid.NewString()
}

func peekHeader(f *os.File) (store.Header, bool) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return store.Header{}, false
	}
	var h store.Header
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil || h.Type != store.TypeSession {
		return store.Header{}, false
	}
	return h, true
}
