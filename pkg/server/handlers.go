package server

import (
	"context"
	"encoding/json"
	"net/http"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, infos)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cwd string `json:"cwd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	storeSess, err := s.manager.New(req.Cwd, "")
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	sess := s.Register(storeSess)
	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.open(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}

	st := sess.Store()
	path, err := st.PathTo(st.LeafID())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"header":  st.Header(),
		"entries": path,
		"state":   sess.State(),
	})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.open(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	// The turn runs as a detached goroutine past this handler's return, so it
	// must not inherit r.Context(): net/http cancels that the instant
	// ServeHTTP returns, which would abort the stream before it starts.
	if err := sess.Prompt(context.Background(), req.Text); err != nil {
		s.errorResponse(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.open(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	sess.Abort()
	w.WriteHeader(http.StatusAccepted)
}
