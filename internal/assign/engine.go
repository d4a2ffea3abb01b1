package assign

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ems-dispatch/internal/models"
	"github.com/example/ems-dispatch/internal/observability"
	"github.com/example/ems-dispatch/internal/ride"
	"github.com/example/ems-dispatch/internal/storage"
)

var ErrUnauthorized = errors.New("unauthorized")

// StatsSource supplies the driver read projection. Eventually consistent:
// the engine re-reads the chosen driver right before committing, and
// records each committed assignment itself so the next pass sees it.
type StatsSource interface {
	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
	AllDriverStats(ctx context.Context) ([]models.DriverStats, error)
	RideAssigned(ctx context.Context, driverID string) error
}

// Presence answers who is online right now.
type Presence interface {
	IsOnline(userID string) bool
	ListOnline(role models.Role) []string
}

// Transitioner is the single entry point for status mutation.
type Transitioner interface {
	Transition(ctx context.Context, req ride.Request) (*models.Ride, error)
}

// VehicleSource resolves the vehicle currently attached to a driver in
// the external fleet system.
type VehicleSource interface {
	VehicleFor(ctx context.Context, driverID string) (string, error)
}

// Assignment records one ride handed to one driver during a pass.
type Assignment struct {
	Ride     *models.Ride
	DriverID string
	Load     int // driver load at decision time, before this ride
}

// Engine matches pending rides to the least-loaded online driver. Greedy
// and priority-ordered rather than globally optimal: stable, explainable,
// and cheap enough to rerun every pass.
type Engine struct {
	Stats    StatsSource
	Presence Presence
	Machine  Transitioner
	Store    storage.RideStore
	Vehicles VehicleSource
	Cap      int
	Log      *slog.Logger

	// mu serializes passes: a scheduled rebalance racing an event-driven
	// match must observe the earlier pass's commits and counter bumps,
	// or both read the same stale load and overfill a driver.
	mu sync.Mutex
}

// system is the actor recorded on matcher-applied transitions.
var system = models.Actor{UserID: "dispatch", Role: models.RoleAdmin}

// MatchPending runs one matching pass over all pending unassigned rides.
// A ride with no eligible driver is left pending for the next pass; that
// is backlog, not an error.
func (e *Engine) MatchPending(ctx context.Context) ([]Assignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { observability.RebalanceLatency.Observe(time.Since(start).Seconds()) }()

	rides, err := e.Store.PendingUnassigned(ctx)
	if err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, nil
	}

	// ListOnline returns sorted ids, which gives deterministic
	// tie-breaking by driver id ascending.
	online := e.Presence.ListOnline(models.RoleDriver)
	load := make(map[string]int, len(online))
	eligible := make([]string, 0, len(online))
	for _, id := range online {
		s, err := e.Stats.DriverStats(ctx, id)
		if err != nil {
			e.Log.Warn("driver stats unavailable, skipping", "driver_id", id, "error", err)
			continue
		}
		if !s.Active {
			continue
		}
		load[id] = s.Load()
		eligible = append(eligible, id)
	}

	var out []Assignment
	for _, r := range rides {
		a, ok := e.assignOne(ctx, r, eligible, load)
		if !ok {
			observability.RebalanceSkipped.Inc()
			continue
		}
		load[a.DriverID]++
		out = append(out, a)
	}
	return out, nil
}

// assignOne walks candidates from least to most loaded, re-validating at
// commit time and falling through to the next candidate on conflict.
func (e *Engine) assignOne(ctx context.Context, r *models.Ride, eligible []string, load map[string]int) (Assignment, bool) {
	tried := make(map[string]bool, len(eligible))
	for {
		driverID, curLoad, ok := pickMinLoad(eligible, load, tried, e.Cap)
		if !ok {
			return Assignment{}, false
		}
		tried[driverID] = true

		// Snapshot reads go stale fast; confirm the driver is still
		// under the cap and online before committing.
		if fresh, err := e.Stats.DriverStats(ctx, driverID); err == nil {
			load[driverID] = maxInt(load[driverID], fresh.Load())
			if fresh.Load() >= e.Cap {
				continue
			}
		}
		if !e.Presence.IsOnline(driverID) {
			continue
		}

		vehicleID, err := e.Vehicles.VehicleFor(ctx, driverID)
		if err != nil {
			e.Log.Warn("vehicle lookup failed", "driver_id", driverID, "error", err)
			continue
		}
		if vehicleID != "" {
			busy, err := e.Store.VehicleBusy(ctx, vehicleID)
			if err != nil || busy {
				continue
			}
		}

		updated, err := e.Machine.Transition(ctx, ride.Request{
			RideID:    r.ID,
			Target:    models.StatusAssigned,
			Actor:     system,
			DriverID:  driverID,
			VehicleID: vehicleID,
		})
		if err != nil {
			// The ride may have been assigned or cancelled between the
			// batch read and this commit; drop it from this pass.
			e.Log.Info("assignment commit lost", "ride_id", r.ID, "driver_id", driverID, "error", err)
			return Assignment{}, false
		}
		observability.AssignmentsTotal.Inc()
		// Record the new pending ride right away so any pass that starts
		// after this commit reads the bumped load.
		if err := e.Stats.RideAssigned(ctx, driverID); err != nil {
			e.Log.Warn("driver counters update failed", "driver_id", driverID, "error", err)
		}
		return Assignment{Ride: updated, DriverID: driverID, Load: curLoad}, true
	}
}

// Rebalance is the manual trigger. Only admins and supervisors may force
// a pass outside the schedule.
func (e *Engine) Rebalance(ctx context.Context, actor models.Actor) ([]Assignment, error) {
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleSupervisor {
		return nil, ErrUnauthorized
	}
	return e.MatchPending(ctx)
}

func pickMinLoad(eligible []string, load map[string]int, tried map[string]bool, cap int) (string, int, bool) {
	best := ""
	bestLoad := 0
	for _, id := range eligible {
		if tried[id] {
			continue
		}
		l := load[id]
		if l >= cap {
			continue
		}
		if best == "" || l < bestLoad {
			best = id
			bestLoad = l
		}
	}
	return best, bestLoad, best != ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
