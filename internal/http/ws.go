package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ems-dispatch/internal/dispatch"
	"github.com/example/ems-dispatch/internal/models"
	"github.com/example/ems-dispatch/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// authDeadline bounds how long a fresh connection may stay
// unauthenticated before we hang up.
const authDeadline = 10 * time.Second

// handleWS upgrades the connection and runs its read loop. The first
// event must be authenticate; everything after that is handed to the
// orchestrator. Any read error converges on the same unregister path as
// a heartbeat timeout.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	session := realtime.NewSession(conn)
	client, ok := s.awaitAuth(conn, session)
	if !ok {
		_ = conn.Close()
		return
	}

	s.Orch.Registry.Register(client.ConnID, client.Actor.UserID, client.Actor.Role, session)
	_ = session.WriteJSON(map[string]interface{}{
		"type": models.EvAuthenticated,
		"data": map[string]interface{}{"success": true, "connection_id": client.ConnID},
	})
	s.Orch.Connected(client)

	defer s.Orch.Disconnected(client)
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws read error", "conn_id", client.ConnID, "error", err)
			}
			return
		}
		// Any inbound traffic proves the connection is alive.
		s.Orch.Registry.Heartbeat(client.ConnID)

		if ev.Type == models.EvAuthenticate {
			// Re-auth on an established connection is a no-op success;
			// the identity is fixed for the connection's lifetime.
			_ = session.WriteJSON(map[string]interface{}{
				"type": models.EvAuthenticated,
				"data": map[string]interface{}{"success": true, "connection_id": client.ConnID},
			})
			continue
		}
		s.Orch.HandleEvent(r.Context(), client, ev)
	}
}

// awaitAuth reads events until a valid authenticate arrives or the
// deadline passes. Failed attempts get auth_error and may retry within
// the deadline.
func (s *Server) awaitAuth(conn *websocket.Conn, session *realtime.Session) (dispatch.Client, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return dispatch.Client{}, false
		}
		if ev.Type != models.EvAuthenticate {
			_ = session.WriteJSON(map[string]interface{}{
				"type": models.EvAuthError,
				"data": map[string]string{"message": "authenticate first"},
			})
			continue
		}
		var req struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			_ = session.WriteJSON(map[string]interface{}{
				"type": models.EvAuthError,
				"data": map[string]string{"message": "malformed authenticate payload"},
			})
			continue
		}
		actor, err := s.Orch.Authenticate(req.Token)
		if err != nil {
			_ = session.WriteJSON(map[string]interface{}{
				"type": models.EvAuthError,
				"data": map[string]string{"message": err.Error()},
			})
			continue
		}
		return dispatch.Client{ConnID: uuid.NewString(), Actor: actor}, true
	}
}
