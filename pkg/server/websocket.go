package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kestrel-sh/agentcore/pkg/turn"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams one session's turn.Event fan-out over a websocket,
// in the same emission order pkg/turn.Engine.Subscribe delivers them
// (spec.md §6 "Subscription interface"), and accepts a {"text": "..."}
// reader message as a Prompt.
//
// Grounded on the teacher's websocket.go writer/reader loop split; unlike
// the teacher's syncSession (which diffs sent entry IDs on a polling
// ticker against GetContext), this relays the Turn Engine's own typed
// event channel directly — no polling, no dedup bookkeeping needed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.open(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := sess.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := ws.WriteJSON(toWireEvent(ev)); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		var msg struct {
			Text string `json:"text"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("websocket read error", "error", err)
			}
			break
		}
		if msg.Text != "" {
			if err := sess.Prompt(ctx, msg.Text); err != nil {
				_ = ws.WriteJSON(map[string]string{"error": err.Error()})
			}
		}
	}

	cancel()
	<-done
}

// wireEvent is the JSON envelope a frontend sees for one turn.Event.
type wireEvent struct {
	Kind      turn.EventKind `json:"kind"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Success   bool           `json:"success,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func toWireEvent(ev turn.Event) wireEvent {
	w := wireEvent{Kind: ev.Kind, Text: ev.Text, ToolName: ev.ToolName, ToolUseID: ev.ToolUseID, Attempt: ev.Attempt, Success: ev.Success}
	if ev.Err != nil {
		w.Error = ev.Err.Error()
	}
	return w
}
