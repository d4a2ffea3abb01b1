package models

import "time"

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Rank orders priorities for dispatch: higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

type RideStatus string

const (
	StatusPending              RideStatus = "pending"
	StatusAssigned             RideStatus = "assigned"
	StatusAccepted             RideStatus = "accepted"
	StatusEnRouteToOrigin      RideStatus = "en_route_to_origin"
	StatusArrivedAtOrigin      RideStatus = "arrived_at_origin"
	StatusPatientOnboard       RideStatus = "patient_onboard"
	StatusEnRouteToDestination RideStatus = "en_route_to_destination"
	StatusArrivedAtDestination RideStatus = "arrived_at_destination"
	StatusCompleted            RideStatus = "completed"
	StatusCancelled            RideStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Role string

const (
	RoleDriver     Role = "driver"
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Dispatcher reports whether the role may manage rides it does not own.
func (r Role) Dispatcher() bool {
	return r == RoleOperator || r == RoleSupervisor || r == RoleAdmin
}

type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Ride is one transport request tracked through its lifecycle.
// Status only ever changes through the ride state machine.
type Ride struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"` // EMS-YYYYMMDD-NNNN, per-day monotonic
	Priority    Priority   `json:"priority"`
	Status      RideStatus `json:"status"`
	Origin      Location   `json:"origin"`
	Destination Location   `json:"destination"`
	DriverID    string     `json:"driver_id,omitempty"`
	VehicleID   string     `json:"vehicle_id,omitempty"`

	RequestedAt     time.Time  `json:"requested_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	ArrivedOriginAt *time.Time `json:"arrived_origin_at,omitempty"`
	OnboardAt       *time.Time `json:"onboard_at,omitempty"`
	ArrivedDestAt   *time.Time `json:"arrived_dest_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`

	CancelReason   string        `json:"cancel_reason,omitempty"`
	CancelledBy    string        `json:"cancelled_by,omitempty"`
	ActualDuration time.Duration `json:"actual_duration,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	CreatedBy      string        `json:"created_by"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Actor identifies who is attempting an operation.
type Actor struct {
	UserID string
	Role   Role
}

// DriverStats is the read projection the assignment engine consumes.
// This service never writes driver identity attributes.
type DriverStats struct {
	DriverID       string `json:"driver_id"`
	Active         bool   `json:"active"`
	PendingRides   int    `json:"pending_rides"`
	ActiveRides    int    `json:"active_rides"`
	CompletedToday int    `json:"completed_today"`
	Completed7d    int    `json:"completed_7d"`
	Cancelled7d    int    `json:"cancelled_7d"`
}

// Load is the count of rides in non-terminal working states.
func (d DriverStats) Load() int { return d.PendingRides + d.ActiveRides }

// DriverLocation is the shape published to and consumed from Kafka.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}
