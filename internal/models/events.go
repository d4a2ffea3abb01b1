package models

import (
	"encoding/json"
	"time"
)

// Event is the envelope exchanged over realtime connections and the
// pull-based updates endpoint. Data is left raw on the inbound path so
// each handler can decode its own shape.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Update is one entry in the pull-based fallback feed.
type Update struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Inbound event types.
const (
	EvAuthenticate   = "authenticate"
	EvLocationUpdate = "location_update"
	EvCreateRide     = "create_ride"
	EvAcceptRide     = "accept_ride"
	EvRejectRide     = "reject_ride"
	EvRideUpdate     = "ride_update"
	EvSendMessage    = "send_message"
	EvJoinRide       = "join_ride"
	EvLeaveRide      = "leave_ride"
	EvPing           = "ping"
)

// Outbound event types.
const (
	EvAuthenticated    = "authenticated"
	EvAuthError        = "auth_error"
	EvUsersOnline      = "users_online"
	EvUserJoined       = "user_joined"
	EvUserLeft         = "user_left"
	EvDriverLocation   = "driver_location"
	EvRideAssigned     = "ride_assigned"
	EvRideAccepted     = "ride_accepted"
	EvRideRejected     = "ride_rejected"
	EvRideStatusUpdate = "ride_status_update"
	EvChatMessage      = "chat_message"
	EvEmergencyAlert   = "emergency_alert"
	EvPong             = "pong"
	EvError            = "error"
)
