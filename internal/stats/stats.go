package stats

import (
	"context"
	"sync"
	"time"

	"github.com/example/ems-dispatch/internal/models"
)

// Store keeps the per-driver rolling counters the assignment engine and
// workload dashboard read. Counters are bumped by the orchestrator as
// rides move through their lifecycle; day buckets roll at midnight and
// only the trailing seven days count.
type Store interface {
	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
	AllDriverStats(ctx context.Context) ([]models.DriverStats, error)

	SetActive(ctx context.Context, driverID string, active bool) error
	RideAssigned(ctx context.Context, driverID string) error
	RideAccepted(ctx context.Context, driverID string) error
	RideCompleted(ctx context.Context, driverID string) error
	// RideCancelled decrements the pending or active bucket depending on
	// whether the driver had accepted before the cancellation.
	RideCancelled(ctx context.Context, driverID string, accepted bool) error
}

type dayCounts struct {
	completed int
	cancelled int
}

type driverCounters struct {
	active  bool
	pending int
	inRide  int
	days    map[string]*dayCounts
}

// MemoryStore is the process-local Store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]*driverCounters
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]*driverCounters), now: time.Now}
}

func (m *MemoryStore) get(driverID string) *driverCounters {
	d, ok := m.drivers[driverID]
	if !ok {
		d = &driverCounters{days: make(map[string]*dayCounts)}
		m.drivers[driverID] = d
	}
	return d
}

func (m *MemoryStore) day(d *driverCounters, t time.Time) *dayCounts {
	key := t.Format("20060102")
	dc, ok := d.days[key]
	if !ok {
		dc = &dayCounts{}
		d.days[key] = dc
	}
	return dc
}

func (m *MemoryStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.DriverStats{DriverID: driverID}, nil
	}
	return m.statsLocked(driverID, d), nil
}

func (m *MemoryStore) AllDriverStats(ctx context.Context) ([]models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverStats, 0, len(m.drivers))
	for id, d := range m.drivers {
		out = append(out, m.statsLocked(id, d))
	}
	return out, nil
}

func (m *MemoryStore) statsLocked(driverID string, d *driverCounters) models.DriverStats {
	s := models.DriverStats{
		DriverID:     driverID,
		Active:       d.active,
		PendingRides: d.pending,
		ActiveRides:  d.inRide,
	}
	now := m.now()
	today := now.Format("20060102")
	for i := 0; i < 7; i++ {
		key := now.AddDate(0, 0, -i).Format("20060102")
		dc, ok := d.days[key]
		if !ok {
			continue
		}
		s.Completed7d += dc.completed
		s.Cancelled7d += dc.cancelled
		if key == today {
			s.CompletedToday = dc.completed
		}
	}
	return s
}

func (m *MemoryStore) SetActive(ctx context.Context, driverID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(driverID).active = active
	return nil
}

func (m *MemoryStore) RideAssigned(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(driverID).pending++
	return nil
}

func (m *MemoryStore) RideAccepted(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.get(driverID)
	if d.pending > 0 {
		d.pending--
	}
	d.inRide++
	return nil
}

func (m *MemoryStore) RideCompleted(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.get(driverID)
	if d.inRide > 0 {
		d.inRide--
	}
	m.day(d, m.now()).completed++
	return nil
}

func (m *MemoryStore) RideCancelled(ctx context.Context, driverID string, accepted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.get(driverID)
	if accepted {
		if d.inRide > 0 {
			d.inRide--
		}
	} else if d.pending > 0 {
		d.pending--
	}
	m.day(d, m.now()).cancelled++
	return nil
}
