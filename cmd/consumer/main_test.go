package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/ems-dispatch/internal/ingest"
	"github.com/example/ems-dispatch/internal/models"
)

type fakeUpdater struct {
	fail int

	calls  int
	key    string
	fields map[string]interface{}
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.calls++
	f.key = key
	f.fields = values
	if f.fail > 0 {
		f.fail--
		return errors.New("hset failed")
	}
	return nil
}

func testLocation() *models.DriverLocation {
	return &models.DriverLocation{
		DriverID: "d1",
		Lat:      48.2082,
		Lon:      16.3738,
		Online:   true,
		Updated:  time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
	}
}

func TestDecodeAcceptsLocationMessages(t *testing.T) {
	b, err := json.Marshal(testLocation())
	if err != nil {
		t.Fatal(err)
	}
	loc, ok := decodeLocation(b)
	if !ok {
		t.Fatal("valid location rejected")
	}
	if loc.DriverID != "d1" || !loc.Online {
		t.Fatalf("decoded = %+v", loc)
	}
}

func TestDecodeRejectsRideLifecycleEvents(t *testing.T) {
	// A lifecycle event on the wrong topic must never be read as a
	// location: it carries a driver id and a zero Online field, so
	// mirroring it would mark an assigned driver unavailable.
	b, err := json.Marshal(ingest.RideEvent{
		RideID:   "r1",
		Number:   "EMS-20260827-0001",
		Status:   models.StatusAssigned,
		DriverID: "driver-7",
		At:       time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := decodeLocation(b); ok {
		t.Fatal("ride event passed the location filter")
	}
}

func TestDecodeRejectsMissingDriverID(t *testing.T) {
	if _, ok := decodeLocation([]byte(`{"lat":48.2,"lon":16.4,"online":true}`)); ok {
		t.Fatal("location without driver id accepted")
	}
	if _, ok := decodeLocation([]byte(`not json`)); ok {
		t.Fatal("garbage accepted")
	}
}

func TestMirrorWritesAvailabilityAndPosition(t *testing.T) {
	f := &fakeUpdater{}
	if err := mirrorWithRetry(context.Background(), f, testLocation(), 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if f.calls != 1 {
		t.Fatalf("calls = %d, want 1", f.calls)
	}
	if f.key != "driver:load:d1" {
		t.Fatalf("key = %q", f.key)
	}
	if f.fields["active"] != "1" {
		t.Fatalf("active field = %v", f.fields["active"])
	}
	if f.fields["lat"] != 48.2082 || f.fields["lon"] != 16.3738 {
		t.Fatalf("position fields = %v", f.fields)
	}
}

func TestMirrorMarksOfflineDrivers(t *testing.T) {
	f := &fakeUpdater{}
	loc := testLocation()
	loc.Online = false
	if err := mirrorWithRetry(context.Background(), f, loc, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if f.fields["active"] != "0" {
		t.Fatalf("active field = %v", f.fields["active"])
	}
}

func TestMirrorRetriesTransientFailure(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	if err := mirrorWithRetry(context.Background(), f, testLocation(), 3, time.Millisecond); err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want 3", f.calls)
	}
}

func TestMirrorGivesUpAfterAttempts(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	if err := mirrorWithRetry(context.Background(), f, testLocation(), 3, time.Millisecond); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want 3", f.calls)
	}
}
