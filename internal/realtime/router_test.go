package realtime

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ems-dispatch/internal/models"
)

func newTestRouter() (*Router, *Registry) {
	reg := NewRegistry(90*time.Second, slog.Default())
	return NewRouter(reg, slog.Default()), reg
}

func TestSendToUserFansOutToAllDevices(t *testing.T) {
	r, reg := newTestRouter()
	phone := &fakeConn{}
	tablet := &fakeConn{}
	other := &fakeConn{}
	reg.Register("c1", "u1", models.RoleDriver, phone)
	reg.Register("c2", "u1", models.RoleDriver, tablet)
	reg.Register("c3", "u2", models.RoleDriver, other)

	if n := r.SendToUser("u1", models.EvRideAssigned, "payload"); n != 2 {
		t.Fatalf("deliveries = %d, want 2", n)
	}
	if phone.count() != 1 || tablet.count() != 1 || other.count() != 0 {
		t.Fatalf("fan-out wrong: phone=%d tablet=%d other=%d", phone.count(), tablet.count(), other.count())
	}
}

func TestSendToRole(t *testing.T) {
	r, reg := newTestRouter()
	op := &fakeConn{}
	drv := &fakeConn{}
	reg.Register("c1", "op1", models.RoleOperator, op)
	reg.Register("c2", "d1", models.RoleDriver, drv)

	r.SendToRole(models.RoleOperator, models.EvRideStatusUpdate, nil)
	if op.count() != 1 || drv.count() != 0 {
		t.Fatalf("role fan-out wrong: op=%d drv=%d", op.count(), drv.count())
	}
}

func TestRoomMembership(t *testing.T) {
	r, reg := newTestRouter()
	in := &fakeConn{}
	out := &fakeConn{}
	reg.Register("c1", "u1", models.RoleOperator, in)
	reg.Register("c2", "u2", models.RoleDriver, out)

	if err := r.JoinRoom("c1", "ride:r1"); err != nil {
		t.Fatal(err)
	}
	r.SendToRoom("ride:r1", models.EvChatMessage, "hi")
	if in.count() != 1 || out.count() != 0 {
		t.Fatalf("room fan-out wrong: in=%d out=%d", in.count(), out.count())
	}

	r.LeaveRoom("c1", "ride:r1")
	r.SendToRoom("ride:r1", models.EvChatMessage, "hi again")
	if in.count() != 1 {
		t.Fatal("message delivered after leaving room")
	}
}

func TestJoinRoomUnknownConnection(t *testing.T) {
	r, _ := newTestRouter()
	if err := r.JoinRoom("ghost", "ride:r1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestSendToMissingConnectionIsDropped(t *testing.T) {
	r, _ := newTestRouter()
	if err := r.SendToConnection("ghost", models.EvPong, nil); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestFailedWriteDropsConnection(t *testing.T) {
	r, reg := newTestRouter()
	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	reg.Register("c1", "u1", models.RoleDriver, bad)
	reg.Register("c2", "u2", models.RoleDriver, good)

	r.Broadcast(models.EvPing, nil)
	if reg.IsOnline("u1") {
		t.Fatal("dead connection still registered after failed write")
	}
	if !reg.IsOnline("u2") {
		t.Fatal("healthy connection dropped")
	}
	if good.count() != 1 {
		t.Fatal("healthy connection missed broadcast")
	}
}

func TestRoomMembershipCleanedOnUnregister(t *testing.T) {
	r, reg := newTestRouter()
	c := &fakeConn{}
	reg.Register("c1", "u1", models.RoleOperator, c)
	if err := r.JoinRoom("c1", "ride:r1"); err != nil {
		t.Fatal(err)
	}
	reg.Unregister("c1")
	if n := r.SendToRoom("ride:r1", models.EvChatMessage, "x"); n != 0 {
		t.Fatalf("deliveries to empty room = %d", n)
	}
}
