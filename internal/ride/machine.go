package ride

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ems-dispatch/internal/models"
	"github.com/example/ems-dispatch/internal/observability"
	"github.com/example/ems-dispatch/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMissingAssignment = errors.New("ride has no assigned driver")
)

// TransitionError carries the ride's current status so callers can tell
// a driver exactly why their action was rejected (e.g. a double-accept
// sees the already-advanced status).
type TransitionError struct {
	RideID string
	From   models.RideStatus
	To     models.RideStatus
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ride %s: %s -> %s: %v", e.RideID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// forward is the single legal path through the lifecycle. cancelled is
// reachable from every non-terminal state and handled separately.
var forward = []models.RideStatus{
	models.StatusPending,
	models.StatusAssigned,
	models.StatusAccepted,
	models.StatusEnRouteToOrigin,
	models.StatusArrivedAtOrigin,
	models.StatusPatientOnboard,
	models.StatusEnRouteToDestination,
	models.StatusArrivedAtDestination,
	models.StatusCompleted,
}

var forwardIdx = func() map[models.RideStatus]int {
	m := make(map[models.RideStatus]int, len(forward))
	for i, s := range forward {
		m[s] = i
	}
	return m
}()

// VehicleReleaser flips a vehicle back to available in the external
// fleet system once a ride reaches a terminal state.
type VehicleReleaser interface {
	Release(ctx context.Context, vehicleID string) error
}

// Request describes one attempted transition.
type Request struct {
	RideID string
	Target models.RideStatus
	Actor  models.Actor

	// DriverID and VehicleID are consumed only by pending -> assigned.
	DriverID  string
	VehicleID string

	// Reason is recorded on cancellation, Notes on any transition.
	Reason string
	Notes  string
}

// Machine is the single authority over ride status. All mutation goes
// through Transition; concurrent attempts on the same ride serialize on
// a striped lock so two drivers racing to accept cannot both win.
type Machine struct {
	store   storage.RideStore
	release VehicleReleaser
	log     *slog.Logger
	now     func() time.Time

	locks [64]sync.Mutex
}

func NewMachine(store storage.RideStore, release VehicleReleaser, log *slog.Logger) *Machine {
	return &Machine{store: store, release: release, log: log, now: time.Now}
}

func (m *Machine) lockFor(rideID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rideID))
	return &m.locks[h.Sum32()%uint32(len(m.locks))]
}

// Transition validates and applies one lifecycle step. On success the
// updated ride has been persisted; the caller owns any fan-out.
func (m *Machine) Transition(ctx context.Context, req Request) (*models.Ride, error) {
	mu := m.lockFor(req.RideID)
	mu.Lock()
	defer mu.Unlock()

	r, err := m.store.GetRide(ctx, req.RideID)
	if err != nil {
		return nil, err
	}

	if err := validate(r, req); err != nil {
		return nil, &TransitionError{RideID: r.ID, From: r.Status, To: req.Target, Err: err}
	}

	apply(r, req, m.now())

	if err := m.store.UpdateRide(ctx, r); err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(req.Target)).Inc()

	if r.Status.Terminal() && r.VehicleID != "" && m.release != nil {
		// Best effort: vehicle availability is owned by the fleet
		// collaborator, the ride record is already authoritative.
		if err := m.release.Release(ctx, r.VehicleID); err != nil {
			m.log.Warn("vehicle release failed", "ride_id", r.ID, "vehicle_id", r.VehicleID, "error", err)
		}
	}
	return r, nil
}

// Reject returns an assigned ride to the pending pool. Only the assigned
// driver or a dispatcher may do this, and only before acceptance; after
// that the ride must be cancelled instead.
func (m *Machine) Reject(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.Ride, error) {
	mu := m.lockFor(rideID)
	mu.Lock()
	defer mu.Unlock()

	r, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusAssigned {
		return nil, &TransitionError{RideID: r.ID, From: r.Status, To: models.StatusPending, Err: ErrInvalidTransition}
	}
	if !actor.Role.Dispatcher() && actor.UserID != r.DriverID {
		return nil, &TransitionError{RideID: r.ID, From: r.Status, To: models.StatusPending, Err: ErrUnauthorized}
	}

	r.Status = models.StatusPending
	r.DriverID = ""
	r.VehicleID = ""
	r.AssignedAt = nil
	r.UpdatedAt = m.now()
	if reason != "" {
		r.Notes = reason
	}
	if err := m.store.UpdateRide(ctx, r); err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusPending)).Inc()
	return r, nil
}

func validate(r *models.Ride, req Request) error {
	if r.Status.Terminal() {
		return ErrInvalidTransition
	}

	if req.Target == models.StatusCancelled {
		if !req.Actor.Role.Dispatcher() && req.Actor.UserID != r.DriverID {
			return ErrUnauthorized
		}
		return nil
	}

	cur, ok := forwardIdx[r.Status]
	next, ok2 := forwardIdx[req.Target]
	if !ok || !ok2 || next != cur+1 {
		return ErrInvalidTransition
	}

	if req.Target == models.StatusAssigned {
		if req.DriverID == "" {
			return ErrMissingAssignment
		}
		if !req.Actor.Role.Dispatcher() {
			return ErrUnauthorized
		}
		return nil
	}

	// Past assigned: only the assigned driver or a dispatcher may move
	// the ride forward, and a driver must already be attached.
	if r.DriverID == "" {
		return ErrMissingAssignment
	}
	if !req.Actor.Role.Dispatcher() && req.Actor.UserID != r.DriverID {
		return ErrUnauthorized
	}
	return nil
}

func apply(r *models.Ride, req Request, now time.Time) {
	r.Status = req.Target
	r.UpdatedAt = now
	if req.Notes != "" {
		r.Notes = req.Notes
	}

	switch req.Target {
	case models.StatusAssigned:
		r.DriverID = req.DriverID
		r.VehicleID = req.VehicleID
		r.AssignedAt = &now
	case models.StatusAccepted:
		r.AcceptedAt = &now
	case models.StatusEnRouteToOrigin:
		r.StartedAt = &now
	case models.StatusArrivedAtOrigin:
		r.ArrivedOriginAt = &now
	case models.StatusPatientOnboard:
		r.OnboardAt = &now
	case models.StatusArrivedAtDestination:
		r.ArrivedDestAt = &now
	case models.StatusCompleted:
		r.CompletedAt = &now
		if r.StartedAt != nil {
			r.ActualDuration = now.Sub(*r.StartedAt).Round(time.Second)
		}
	case models.StatusCancelled:
		r.CancelledAt = &now
		r.CancelReason = req.Reason
		r.CancelledBy = req.Actor.UserID
	}
}
