package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ems-dispatch/internal/models"
)

func save(t *testing.T, m *MemoryStore, r models.Ride) {
	t.Helper()
	if err := m.SaveRide(context.Background(), &r); err != nil {
		t.Fatal(err)
	}
}

func TestPendingUnassignedOrdering(t *testing.T) {
	m := NewMemoryStore()
	base := time.Now()

	save(t, m, models.Ride{ID: "late-normal", Status: models.StatusPending, Priority: models.PriorityNormal, RequestedAt: base.Add(2 * time.Minute)})
	save(t, m, models.Ride{ID: "early-normal", Status: models.StatusPending, Priority: models.PriorityNormal, RequestedAt: base})
	save(t, m, models.Ride{ID: "emergency", Status: models.StatusPending, Priority: models.PriorityEmergency, RequestedAt: base.Add(5 * time.Minute)})
	save(t, m, models.Ride{ID: "taken", Status: models.StatusAssigned, DriverID: "d1", Priority: models.PriorityEmergency, RequestedAt: base})

	got, err := m.PendingUnassigned(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"emergency", "early-normal", "late-normal"}
	if len(got) != len(want) {
		t.Fatalf("pending = %d rides, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestGetRideReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	save(t, m, models.Ride{ID: "r1", Status: models.StatusPending})

	r, err := m.GetRide(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	r.Status = models.StatusCancelled

	again, _ := m.GetRide(context.Background(), "r1")
	if again.Status != models.StatusPending {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestUpdateUnknownRide(t *testing.T) {
	m := NewMemoryStore()
	err := m.UpdateRide(context.Background(), &models.Ride{ID: "ghost"})
	if !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
}

func TestUpdatedSinceIsExclusiveCursor(t *testing.T) {
	m := NewMemoryStore()
	cursor := time.Now()
	save(t, m, models.Ride{ID: "old", UpdatedAt: cursor})
	save(t, m, models.Ride{ID: "new", UpdatedAt: cursor.Add(time.Second)})

	got, err := m.UpdatedSince(context.Background(), cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("deltas = %+v", got)
	}
}

func TestVehicleBusyIgnoresTerminalRides(t *testing.T) {
	m := NewMemoryStore()
	save(t, m, models.Ride{ID: "r1", VehicleID: "v1", Status: models.StatusCompleted})
	save(t, m, models.Ride{ID: "r2", VehicleID: "v2", Status: models.StatusPatientOnboard})

	ctx := context.Background()
	if busy, _ := m.VehicleBusy(ctx, "v1"); busy {
		t.Fatal("vehicle on a completed ride reported busy")
	}
	if busy, _ := m.VehicleBusy(ctx, "v2"); !busy {
		t.Fatal("vehicle on an in-progress ride reported free")
	}
}

func TestNextNumberIsDateScoped(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	day1 := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	n1, _ := m.NextNumber(ctx, day1)
	n2, _ := m.NextNumber(ctx, day1)
	n3, _ := m.NextNumber(ctx, day2)

	if n1 != "EMS-20260827-0001" || n2 != "EMS-20260827-0002" {
		t.Fatalf("same-day sequence: %s, %s", n1, n2)
	}
	if n3 != "EMS-20260828-0001" {
		t.Fatalf("sequence did not reset on new day: %s", n3)
	}
}
