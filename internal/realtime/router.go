package realtime

import (
	"errors"
	"log/slog"

	"github.com/example/ems-dispatch/internal/models"
	"github.com/example/ems-dispatch/internal/observability"
)

var ErrConnectionNotFound = errors.New("connection not found")

// outbound is the wire envelope for server-to-client events.
type outbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Router addresses events to connections, users, roles, rooms, or
// everyone. Delivery is best-effort at-most-once: a connection that is
// not live at send time simply misses the event. Durable notification
// history belongs to the external collaborator.
type Router struct {
	reg *Registry
	log *slog.Logger
}

func NewRouter(reg *Registry, log *slog.Logger) *Router {
	return &Router{reg: reg, log: log}
}

func (r *Router) SendToConnection(connID, event string, payload interface{}) error {
	c, ok := r.reg.connByID(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	r.write(c, event, payload)
	return nil
}

// SendToUser fans out to every live connection of the user and returns
// the number of deliveries attempted.
func (r *Router) SendToUser(userID, event string, payload interface{}) int {
	return r.fan(r.reg.connsOfUser(userID), event, payload)
}

func (r *Router) SendToRole(role models.Role, event string, payload interface{}) int {
	return r.fan(r.reg.connsOfRole(role), event, payload)
}

func (r *Router) SendToRoom(roomID, event string, payload interface{}) int {
	return r.fan(r.reg.connsOfRoom(roomID), event, payload)
}

func (r *Router) Broadcast(event string, payload interface{}) int {
	return r.fan(r.reg.allConns(), event, payload)
}

// JoinRoom subscribes a connection to an ad hoc fan-out group, one room
// per ride. The router knows nothing about ride semantics beyond the id.
func (r *Router) JoinRoom(connID, roomID string) error {
	if !r.reg.joinRoom(connID, roomID) {
		return ErrConnectionNotFound
	}
	return nil
}

func (r *Router) LeaveRoom(connID, roomID string) {
	r.reg.leaveRoom(connID, roomID)
}

func (r *Router) fan(conns []*connection, event string, payload interface{}) int {
	for _, c := range conns {
		r.write(c, event, payload)
	}
	return len(conns)
}

func (r *Router) write(c *connection, event string, payload interface{}) {
	if err := c.conn.WriteJSON(outbound{Type: event, Data: payload}); err != nil {
		// A failed write means the transport is gone; drop the
		// connection and let the client reconnect.
		observability.SendErrors.Inc()
		r.log.Debug("send failed, dropping connection", "conn_id", c.id, "event", event, "error", err)
		r.reg.Unregister(c.id)
		return
	}
	observability.EventsFannedOut.WithLabelValues(event).Inc()
}
