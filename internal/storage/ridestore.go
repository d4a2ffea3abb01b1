package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ems-dispatch/internal/models"
)

var ErrRideNotFound = errors.New("ride not found")

// RideStore defines persistence operations for rides. The ride table
// itself lives in the external CRUD system; this interface is the slice
// of it the dispatch engine needs.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// PendingUnassigned returns pending rides with no driver, ordered
	// by priority descending then request time ascending.
	PendingUnassigned(ctx context.Context) ([]*models.Ride, error)
	// UpdatedSince feeds the pull-based updates endpoint.
	UpdatedSince(ctx context.Context, t time.Time) ([]*models.Ride, error)
	// VehicleBusy reports whether any non-terminal ride holds the vehicle.
	VehicleBusy(ctx context.Context, vehicleID string) (bool, error)
	// NextNumber allocates the date-scoped monotonic sequence number.
	NextNumber(ctx context.Context, day time.Time) (string, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	seq   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), seq: make(map[string]int)}
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrRideNotFound
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PendingUnassigned(ctx context.Context) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == models.StatusPending && r.DriverID == "" {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdatedSince(ctx context.Context, t time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.UpdatedAt.After(t) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) VehicleBusy(ctx context.Context, vehicleID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.VehicleID == vehicleID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) NextNumber(ctx context.Context, day time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := day.Format("20060102")
	m.seq[key]++
	return fmt.Sprintf("EMS-%s-%04d", key, m.seq[key]), nil
}
