package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/confirm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // auth is handled in front of the server
	},
}

// Inbound message types.
const (
	msgConfirmationResponse = "confirmation_response"
)

// wsIncoming is a message from an approver.
type wsIncoming struct {
	Type         string `json:"type"`
	RequestID    string `json:"requestId"`
	Approved     bool   `json:"approved"`
	Reason       string `json:"reason,omitempty"`
	ModifiedCode string `json:"modifiedCode,omitempty"`
}

// wsOutgoing is a status message to an approver. Confirmation requests are
// sent as confirm.Message.
type wsOutgoing struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Content   string `json:"content,omitempty"`
}

// handleWebSocket registers the connection as an approver for the session,
// replays confirmations already waiting on it, and resolves the responses
// it sends back.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.confirmations == nil {
		writeError(w, http.StatusNotFound, "interactive confirmation is disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	a := &approver{conn: conn}
	s.sessions.add(id, a)
	defer func() {
		s.sessions.remove(id, a)
		conn.Close()
	}()

	log := s.logger.With(zap.String("session_id", id))
	log.Info("approver connected")

	for _, m := range s.confirmations.Pending() {
		if m.SessionID == id {
			a.writeJSON(m)
		}
	}

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("approver disconnected")
				return
			}
			log.Debug("websocket read ended", zap.Error(err))
			return
		}

		if msg.Type != msgConfirmationResponse || msg.RequestID == "" {
			a.writeJSON(wsOutgoing{Type: "error", Content: "invalid message"})
			continue
		}

		err := s.confirmations.ResolveForSession(id, confirm.Response{
			RequestID:    msg.RequestID,
			Approved:     msg.Approved,
			Reason:       msg.Reason,
			ModifiedCode: msg.ModifiedCode,
		})
		if err != nil {
			a.writeJSON(wsOutgoing{Type: "error", RequestID: msg.RequestID, Content: err.Error()})
			continue
		}
		a.writeJSON(wsOutgoing{Type: "resolved", RequestID: msg.RequestID})
	}
}
