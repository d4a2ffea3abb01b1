package realtime

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ems-dispatch/internal/models"
	"github.com/example/ems-dispatch/internal/observability"
)

// PresenceFunc observes a user flipping online or offline. It is called
// outside the registry lock.
type PresenceFunc func(userID string, role models.Role, online bool)

type connection struct {
	id       string
	userID   string
	role     models.Role
	conn     Conn
	lastBeat time.Time
	rooms    map[string]struct{}
}

// Registry owns every live realtime connection. Presence is derived:
// a user is online iff they hold at least one live connection. Nothing
// outside this package touches the connection table directly.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[string]map[string]*connection
	rooms  map[string]map[string]*connection

	timeout    time.Duration
	log        *slog.Logger
	onPresence PresenceFunc
	now        func() time.Time
}

func NewRegistry(timeout time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]*connection),
		byUser:  make(map[string]map[string]*connection),
		rooms:   make(map[string]map[string]*connection),
		timeout: timeout,
		log:     log,
		now:     time.Now,
	}
}

// OnPresence installs the presence observer. Set once at wiring time.
func (r *Registry) OnPresence(fn PresenceFunc) { r.onPresence = fn }

// Register adds a live connection. Idempotent per connection id: a
// re-register refreshes the transport and heartbeat instead of
// duplicating presence.
func (r *Registry) Register(connID, userID string, role models.Role, conn Conn) {
	r.mu.Lock()
	existing, dup := r.conns[connID]
	if dup {
		existing.conn = conn
		existing.lastBeat = r.now()
		r.mu.Unlock()
		return
	}
	c := &connection{
		id:       connID,
		userID:   userID,
		role:     role,
		conn:     conn,
		lastBeat: r.now(),
		rooms:    make(map[string]struct{}),
	}
	r.conns[connID] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*connection)
	}
	r.byUser[userID][connID] = c
	first := len(r.byUser[userID]) == 1
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.log.Info("connection registered", "conn_id", connID, "user_id", userID, "role", role)
	if first && r.onPresence != nil {
		r.onPresence(userID, role, true)
	}
}

// Heartbeat refreshes liveness. Unknown ids are ignored; the client will
// be told to reconnect when its next send fails.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.lastBeat = r.now()
	}
	r.mu.Unlock()
}

// Unregister removes a connection. Safe to call for ids that were
// already swept; both paths converge on the same cleanup.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	var lastOfUser bool
	if ok {
		lastOfUser = r.removeLocked(c)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.log.Info("connection unregistered", "conn_id", connID, "user_id", c.userID)
	if lastOfUser && r.onPresence != nil {
		r.onPresence(c.userID, c.role, false)
	}
}

// removeLocked deletes the connection from every index and reports
// whether it was the user's last one.
func (r *Registry) removeLocked(c *connection) bool {
	delete(r.conns, c.id)
	for room := range c.rooms {
		delete(r.rooms[room], c.id)
		if len(r.rooms[room]) == 0 {
			delete(r.rooms, room)
		}
	}
	userConns := r.byUser[c.userID]
	delete(userConns, c.id)
	last := len(userConns) == 0
	if last {
		delete(r.byUser, c.userID)
	}
	_ = c.conn.Close()
	r.updateGaugesLocked()
	return last
}

// Sweep purges connections whose heartbeat is older than the timeout and
// returns the affected users that went offline as a result.
func (r *Registry) Sweep() []string {
	deadline := r.now().Add(-r.timeout)
	var dead []*connection
	r.mu.Lock()
	for _, c := range r.conns {
		if c.lastBeat.Before(deadline) {
			dead = append(dead, c)
		}
	}
	offline := make([]string, 0)
	type presence struct {
		userID string
		role   models.Role
	}
	var flipped []presence
	for _, c := range dead {
		if r.removeLocked(c) {
			offline = append(offline, c.userID)
			flipped = append(flipped, presence{c.userID, c.role})
		}
	}
	r.mu.Unlock()

	for _, c := range dead {
		r.log.Info("connection swept", "conn_id", c.id, "user_id", c.userID)
	}
	if r.onPresence != nil {
		for _, p := range flipped {
			r.onPresence(p.userID, p.role, false)
		}
	}
	return offline
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ListOnline returns online user ids, optionally filtered by role.
// Sorted for deterministic assignment tie-breaking.
func (r *Registry) ListOnline(role models.Role) []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, c := range r.conns {
		if role != "" && c.role != role {
			continue
		}
		seen[c.userID] = struct{}{}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) joinRoom(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*connection)
	}
	r.rooms[roomID][connID] = c
	return true
}

func (r *Registry) leaveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		delete(c.rooms, roomID)
	}
	delete(r.rooms[roomID], connID)
	if len(r.rooms[roomID]) == 0 {
		delete(r.rooms, roomID)
	}
}

// snapshot helpers used by the router. They copy under the read lock so
// sends happen without holding it.

func (r *Registry) connByID(connID string) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

func (r *Registry) connsOfUser(userID string) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) connsOfRole(role models.Role) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0)
	for _, c := range r.conns {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) connsOfRoom(roomID string) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0, len(r.rooms[roomID]))
	for _, c := range r.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) allConns() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) updateGaugesLocked() {
	observability.ConnectionsLive.Set(float64(len(r.conns)))
	observability.UsersOnline.Set(float64(len(r.byUser)))
}
