// Package server exposes the Session Façade over HTTP and websocket: a
// thin transport, not a second core — it holds no session state of its
// own beyond a registry of live *session.Session handles, and every
// handler calls the same façade methods a CLI would.
//
// Grounded on the teacher's pkg/server/server.go (mux routing, jsonResponse/
// errorResponse, corsMiddleware) and websocket.go (upgrade + writer/reader
// loop split), generalized from Agent-CRUD routes to the REST surface and
// typed session-event envelope of SPEC_FULL.md §6. The teacher's embedded
// SPA (embed.FS, handleStatic) is dropped — this core has no UI contract
// to serve (spec.md §1 Non-goals).
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kestrel-sh/agentcore/pkg/provider"
	"github.com/kestrel-sh/agentcore/pkg/session"
	"github.com/kestrel-sh/agentcore/pkg/store"
	"github.com/kestrel-sh/agentcore/pkg/tool"
)

// Server serves the session REST+websocket API described in SPEC_FULL.md §6.
type Server struct {
	manager  store.Manager
	provider provider.Provider
	tools    *tool.Registry
	opts     session.Options
	srv      *http.Server

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(manager store.Manager, prov provider.Provider, tools *tool.Registry, opts session.Options) *Server {
	return &Server{
		manager:  manager,
		provider: prov,
		tools:    tools,
		opts:     opts,
		sessions: make(map[string]*session.Session),
	}
}

// Handler builds the routed, CORS-wrapped mux, split out from Start so
// tests can drive it with httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/prompt", s.handlePrompt)
	mux.HandleFunc("POST /sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)

	return s.corsMiddleware(mux)
}

// Start serves the API on addr until the process exits or Start's
// underlying ListenAndServe returns an error.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	slog.Info("starting session server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Close shuts down the HTTP server and every live session handle.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.Close()
	}
	s.sessions = map[string]*session.Session{}
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// open returns the live Session for id, loading and wrapping it from the
// Manager on first access.
func (s *Server) open(id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	storeSess, err := s.manager.Open(id)
	if err != nil {
		return nil, err
	}
	return s.register(storeSess), nil
}

// register wraps a freshly created or opened store.Session in a façade
// Session and adds it to the live registry. Caller must hold s.mu.
func (s *Server) register(storeSess store.Session) *session.Session {
	sess := session.New(storeSess, s.provider, s.tools, s.opts)
	s.sessions[storeSess.ID()] = sess
	return sess
}

// Register is the locking counterpart of register, used by handlers that
// already have a freshly created store.Session (e.g. handleCreateSession).
func (s *Server) Register(storeSess store.Session) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(storeSess)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("session API error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
