package realtime

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ems-dispatch/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []interface{}
	fail   bool
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errWriteFailed
	}
	f.msgs = append(f.msgs, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

var errWriteFailed = &writeError{}

type writeError struct{}

func (*writeError) Error() string { return "write failed" }

func newTestRegistry() *Registry {
	return NewRegistry(90*time.Second, slog.Default())
}

func TestRegisterIsIdempotentPerConnectionID(t *testing.T) {
	reg := newTestRegistry()
	reg.Register("c1", "u1", models.RoleDriver, &fakeConn{})
	reg.Register("c1", "u1", models.RoleDriver, &fakeConn{})

	if got := len(reg.ListOnline("")); got != 1 {
		t.Fatalf("online users = %d, want 1", got)
	}
	if got := len(reg.connsOfUser("u1")); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}
}

func TestPresenceTracksMultiDevice(t *testing.T) {
	reg := newTestRegistry()
	var events []bool
	reg.OnPresence(func(userID string, role models.Role, online bool) { events = append(events, online) })

	reg.Register("c1", "u1", models.RoleDriver, &fakeConn{})
	reg.Register("c2", "u1", models.RoleDriver, &fakeConn{})
	if !reg.IsOnline("u1") {
		t.Fatal("expected online")
	}

	reg.Unregister("c1")
	if !reg.IsOnline("u1") {
		t.Fatal("still one live connection, must stay online")
	}
	reg.Unregister("c2")
	if reg.IsOnline("u1") {
		t.Fatal("expected offline after last connection")
	}

	// exactly one online flip and one offline flip
	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Fatalf("presence events = %v", events)
	}
}

func TestUnregisterUnknownConnectionIsSafe(t *testing.T) {
	reg := newTestRegistry()
	reg.Unregister("ghost")
	reg.Heartbeat("ghost")
}

func TestSweepPurgesSilentConnections(t *testing.T) {
	reg := newTestRegistry()
	now := time.Now()
	reg.now = func() time.Time { return now }

	reg.Register("c1", "u1", models.RoleDriver, &fakeConn{})
	reg.Register("c2", "u2", models.RoleOperator, &fakeConn{})

	// u2 keeps heartbeating, u1 goes silent past the timeout.
	now = now.Add(91 * time.Second)
	reg.Heartbeat("c2")
	offline := reg.Sweep()

	if len(offline) != 1 || offline[0] != "u1" {
		t.Fatalf("swept = %v, want [u1]", offline)
	}
	if reg.IsOnline("u1") || !reg.IsOnline("u2") {
		t.Fatal("presence did not converge after sweep")
	}
}

func TestSweepAndUnregisterConverge(t *testing.T) {
	reg := newTestRegistry()
	now := time.Now()
	reg.now = func() time.Time { return now }

	conn := &fakeConn{}
	reg.Register("c1", "u1", models.RoleDriver, conn)
	now = now.Add(2 * time.Hour)
	reg.Sweep()

	// The transport close arriving after the sweep must be a no-op.
	reg.Unregister("c1")
	if reg.IsOnline("u1") {
		t.Fatal("user reported online with zero live connections")
	}
	if !conn.closed {
		t.Fatal("swept connection not closed")
	}
}

func TestListOnlineFiltersByRole(t *testing.T) {
	reg := newTestRegistry()
	reg.Register("c1", "driver1", models.RoleDriver, &fakeConn{})
	reg.Register("c2", "op1", models.RoleOperator, &fakeConn{})
	reg.Register("c3", "driver2", models.RoleDriver, &fakeConn{})

	got := reg.ListOnline(models.RoleDriver)
	if len(got) != 2 || got[0] != "driver1" || got[1] != "driver2" {
		t.Fatalf("drivers online = %v", got)
	}
	if all := reg.ListOnline(""); len(all) != 3 {
		t.Fatalf("all online = %v", all)
	}
}
