package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the transport half of a connection: anything the router can
// write an event to and close. Tests swap in fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session wraps a websocket connection with a write mutex so concurrent
// fan-outs never interleave frames on the same socket.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) Close() error {
	return s.conn.Close()
}
