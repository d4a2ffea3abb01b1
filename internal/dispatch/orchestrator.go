package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ems-dispatch/internal/assign"
	"github.com/example/ems-dispatch/internal/auth"
	"github.com/example/ems-dispatch/internal/ingest"
	"github.com/example/ems-dispatch/internal/models"
	"github.com/example/ems-dispatch/internal/realtime"
	"github.com/example/ems-dispatch/internal/ride"
	"github.com/example/ems-dispatch/internal/stats"
	"github.com/example/ems-dispatch/internal/storage"
)

// Client identifies the connection an inbound event arrived on.
type Client struct {
	ConnID string
	Actor  models.Actor
}

// Orchestrator sequences the dispatch flow: it validates actions through
// the ride state machine, invokes matching, bumps driver counters, and
// fans events out to the audiences that care. It owns no ride state of
// its own.
type Orchestrator struct {
	Machine  *ride.Machine
	Engine   *assign.Engine
	Router   *realtime.Router
	Registry *realtime.Registry
	Store    storage.RideStore
	Stats    stats.Store
	Auth     *auth.Verifier
	Producer *ingest.KafkaProducer // optional
	Log      *slog.Logger

	mu        sync.RWMutex
	locations map[string]models.DriverLocation
}

func New(machine *ride.Machine, engine *assign.Engine, router *realtime.Router, registry *realtime.Registry,
	store storage.RideStore, st stats.Store, verifier *auth.Verifier, producer *ingest.KafkaProducer, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		Machine:   machine,
		Engine:    engine,
		Router:    router,
		Registry:  registry,
		Store:     store,
		Stats:     st,
		Auth:      verifier,
		Producer:  producer,
		Log:       log,
		locations: make(map[string]models.DriverLocation),
	}
	registry.OnPresence(o.onPresence)
	return o
}

// Authenticate resolves the actor behind a realtime connection.
func (o *Orchestrator) Authenticate(token string) (models.Actor, error) {
	return o.Auth.Verify(token)
}

// onPresence mirrors presence flips into driver availability and tells
// everyone who came and went.
func (o *Orchestrator) onPresence(userID string, role models.Role, online bool) {
	if role == models.RoleDriver {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.Stats.SetActive(ctx, userID, online); err != nil {
			o.Log.Warn("driver availability update failed", "driver_id", userID, "error", err)
		}
	}
	ev := models.EvUserJoined
	if !online {
		ev = models.EvUserLeft
	}
	o.Router.Broadcast(ev, map[string]interface{}{"user_id": userID, "role": role})
}

// Connected finishes connection setup after authentication: the new
// client learns who else is online.
func (o *Orchestrator) Connected(c Client) {
	_ = o.Router.SendToConnection(c.ConnID, models.EvUsersOnline, o.Registry.ListOnline(""))
}

// Disconnected is the eager cleanup path for a closed transport.
func (o *Orchestrator) Disconnected(c Client) {
	o.Registry.Unregister(c.ConnID)
}

// HandleEvent routes one inbound realtime event. Handler errors are
// reported back to the sending connection, never propagated as fatal.
func (o *Orchestrator) HandleEvent(ctx context.Context, c Client, ev models.Event) {
	var err error
	switch ev.Type {
	case models.EvPing:
		o.Registry.Heartbeat(c.ConnID)
		_ = o.Router.SendToConnection(c.ConnID, models.EvPong, nil)
	case models.EvLocationUpdate:
		err = o.handleLocation(ctx, c, ev.Data)
	case models.EvCreateRide:
		err = o.handleCreateRide(ctx, c, ev.Data)
	case models.EvAcceptRide:
		err = o.handleAcceptRide(ctx, c, ev.Data)
	case models.EvRejectRide:
		err = o.handleRejectRide(ctx, c, ev.Data)
	case models.EvRideUpdate:
		err = o.handleRideUpdate(ctx, c, ev.Data)
	case models.EvSendMessage:
		err = o.handleSendMessage(ctx, c, ev.Data)
	case models.EvJoinRide:
		err = o.handleJoinRide(c, ev.Data)
	case models.EvLeaveRide:
		err = o.handleLeaveRide(c, ev.Data)
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		o.Log.Info("event rejected", "event", ev.Type, "user_id", c.Actor.UserID, "error", err)
		_ = o.Router.SendToConnection(c.ConnID, models.EvError, map[string]string{
			"event":   ev.Type,
			"message": userMessage(err),
		})
	}
}

func (o *Orchestrator) handleLocation(ctx context.Context, c Client, data json.RawMessage) error {
	if c.Actor.Role != models.RoleDriver {
		return assign.ErrUnauthorized
	}
	var loc models.DriverLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return err
	}
	loc.DriverID = c.Actor.UserID
	loc.Online = true
	loc.Updated = time.Now()

	o.mu.Lock()
	o.locations[loc.DriverID] = loc
	o.mu.Unlock()

	if o.Producer != nil {
		if err := o.Producer.PublishLocation(loc); err != nil {
			o.Log.Warn("location publish failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	o.notifyDispatchers(models.EvDriverLocation, loc)
	return nil
}

type createRideReq struct {
	Priority    models.Priority `json:"priority"`
	Origin      models.Location `json:"origin"`
	Destination models.Location `json:"destination"`
	Notes       string          `json:"notes"`
}

func (o *Orchestrator) handleCreateRide(ctx context.Context, c Client, data json.RawMessage) error {
	if !c.Actor.Role.Dispatcher() {
		return assign.ErrUnauthorized
	}
	var req createRideReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}

	now := time.Now()
	number, err := o.Store.NextNumber(ctx, now)
	if err != nil {
		return err
	}
	r := &models.Ride{
		ID:          uuid.NewString(),
		Number:      number,
		Priority:    req.Priority,
		Status:      models.StatusPending,
		Origin:      req.Origin,
		Destination: req.Destination,
		Notes:       req.Notes,
		RequestedAt: now,
		CreatedBy:   c.Actor.UserID,
		UpdatedAt:   now,
	}
	if err := o.Store.SaveRide(ctx, r); err != nil {
		return err
	}
	o.publish(r)
	o.notifyDispatchers(models.EvRideStatusUpdate, r)
	if r.Priority == models.PriorityEmergency {
		o.Router.SendToRole(models.RoleDriver, models.EvEmergencyAlert, r)
	}

	// A fresh ride triggers an immediate matching pass; anything left
	// unassigned is picked up by the scheduled rebalance.
	o.runMatch(ctx)
	return nil
}

type rideActionReq struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

func (o *Orchestrator) handleAcceptRide(ctx context.Context, c Client, data json.RawMessage) error {
	var req rideActionReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	r, err := o.Machine.Transition(ctx, ride.Request{
		RideID: req.RideID,
		Target: models.StatusAccepted,
		Actor:  c.Actor,
	})
	if err != nil {
		return err
	}
	if err := o.Stats.RideAccepted(ctx, r.DriverID); err != nil {
		o.Log.Warn("driver counters update failed", "driver_id", r.DriverID, "error", err)
	}
	o.publish(r)
	o.notifyDispatchers(models.EvRideAccepted, r)
	o.Router.SendToUser(r.DriverID, models.EvRideAccepted, r)
	o.Router.SendToRoom(roomFor(r.ID), models.EvRideStatusUpdate, r)
	return nil
}

func (o *Orchestrator) handleRejectRide(ctx context.Context, c Client, data json.RawMessage) error {
	var req rideActionReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	// Reject clears the assignment, so capture the driver being released
	// first: a dispatcher may reject on a driver's behalf, and the
	// cancellation belongs to that driver's counters, not the sender's.
	prev, err := o.Store.GetRide(ctx, req.RideID)
	if err != nil {
		return err
	}
	r, err := o.Machine.Reject(ctx, req.RideID, c.Actor, req.Reason)
	if err != nil {
		return err
	}
	if prev.DriverID != "" {
		if err := o.Stats.RideCancelled(ctx, prev.DriverID, false); err != nil {
			o.Log.Warn("driver counters update failed", "driver_id", prev.DriverID, "error", err)
		}
	}
	o.publish(r)
	o.notifyDispatchers(models.EvRideRejected, map[string]interface{}{"ride": r, "driver_id": prev.DriverID, "reason": req.Reason})

	// Back in the pending pool; try the remaining drivers right away.
	o.runMatch(ctx)
	return nil
}

type rideUpdateReq struct {
	RideID string            `json:"ride_id"`
	Status models.RideStatus `json:"status"`
	Notes  string            `json:"notes,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

func (o *Orchestrator) handleRideUpdate(ctx context.Context, c Client, data json.RawMessage) error {
	var req rideUpdateReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	wasAccepted := false
	if prev, err := o.Store.GetRide(ctx, req.RideID); err == nil {
		wasAccepted = prev.AcceptedAt != nil
	}
	r, err := o.Machine.Transition(ctx, ride.Request{
		RideID: req.RideID,
		Target: req.Status,
		Actor:  c.Actor,
		Notes:  req.Notes,
		Reason: req.Reason,
	})
	if err != nil {
		return err
	}

	switch r.Status {
	case models.StatusAccepted:
		// Acceptance through the generic update event (a dispatcher
		// confirming on the driver's behalf) moves the same counters as
		// the dedicated accept event.
		if err := o.Stats.RideAccepted(ctx, r.DriverID); err != nil {
			o.Log.Warn("driver counters update failed", "driver_id", r.DriverID, "error", err)
		}
	case models.StatusCompleted:
		if err := o.Stats.RideCompleted(ctx, r.DriverID); err != nil {
			o.Log.Warn("driver counters update failed", "driver_id", r.DriverID, "error", err)
		}
	case models.StatusCancelled:
		if r.DriverID != "" {
			if err := o.Stats.RideCancelled(ctx, r.DriverID, wasAccepted); err != nil {
				o.Log.Warn("driver counters update failed", "driver_id", r.DriverID, "error", err)
			}
		}
	}

	o.publish(r)
	o.notifyDispatchers(models.EvRideStatusUpdate, r)
	if r.DriverID != "" {
		o.Router.SendToUser(r.DriverID, models.EvRideStatusUpdate, r)
	}
	o.Router.SendToRoom(roomFor(r.ID), models.EvRideStatusUpdate, r)
	return nil
}

type chatReq struct {
	RecipientID string `json:"recipient_id,omitempty"`
	RideID      string `json:"ride_id,omitempty"`
	Message     string `json:"message"`
}

func (o *Orchestrator) handleSendMessage(ctx context.Context, c Client, data json.RawMessage) error {
	var req chatReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	msg := map[string]interface{}{
		"from":    c.Actor.UserID,
		"role":    c.Actor.Role,
		"message": req.Message,
		"at":      time.Now(),
	}
	switch {
	case req.RideID != "":
		msg["ride_id"] = req.RideID
		o.Router.SendToRoom(roomFor(req.RideID), models.EvChatMessage, msg)
	case req.RecipientID != "":
		o.Router.SendToUser(req.RecipientID, models.EvChatMessage, msg)
	default:
		return errors.New("message needs a recipient or a ride")
	}
	return nil
}

type roomReq struct {
	RideID string `json:"ride_id"`
}

func (o *Orchestrator) handleJoinRide(c Client, data json.RawMessage) error {
	var req roomReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if err := o.Router.JoinRoom(c.ConnID, roomFor(req.RideID)); err != nil {
		return err
	}
	o.Router.SendToRoom(roomFor(req.RideID), models.EvUserJoined,
		map[string]interface{}{"user_id": c.Actor.UserID, "ride_id": req.RideID})
	return nil
}

func (o *Orchestrator) handleLeaveRide(c Client, data json.RawMessage) error {
	var req roomReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	o.Router.LeaveRoom(c.ConnID, roomFor(req.RideID))
	o.Router.SendToRoom(roomFor(req.RideID), models.EvUserLeft,
		map[string]interface{}{"user_id": c.Actor.UserID, "ride_id": req.RideID})
	return nil
}

// runMatch executes a matching pass and announces the results. Fan-out
// failures never undo an assignment: persistence is authoritative,
// notification is best-effort.
func (o *Orchestrator) runMatch(ctx context.Context) {
	assignments, err := o.Engine.MatchPending(ctx)
	if err != nil {
		o.Log.Error("matching pass failed", "error", err)
		return
	}
	for _, a := range assignments {
		o.publish(a.Ride)
		o.Router.SendToUser(a.DriverID, models.EvRideAssigned, a.Ride)
		o.notifyDispatchers(models.EvRideAssigned, a.Ride)
	}
}

// Rebalance is the manual, role-gated trigger behind the HTTP endpoint.
func (o *Orchestrator) Rebalance(ctx context.Context, actor models.Actor) ([]assign.Assignment, error) {
	assignments, err := o.Engine.Rebalance(ctx, actor)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		o.publish(a.Ride)
		o.Router.SendToUser(a.DriverID, models.EvRideAssigned, a.Ride)
		o.notifyDispatchers(models.EvRideAssigned, a.Ride)
	}
	return assignments, nil
}

// Run drives the background timers: the heartbeat broadcast that doubles
// as the dead-connection sweep, and the scheduled rebalance pass.
func (o *Orchestrator) Run(ctx context.Context, sweepEvery, rebalanceEvery time.Duration) {
	sweep := time.NewTicker(sweepEvery)
	rebalance := time.NewTicker(rebalanceEvery)
	defer sweep.Stop()
	defer rebalance.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			o.Router.Broadcast(models.EvPing, nil)
			o.Registry.Sweep()
		case <-rebalance.C:
			o.runMatch(ctx)
		}
	}
}

// Updates serves the pull-based fallback: everything newer than the
// cursor, with location deltas gated to dispatcher roles.
func (o *Orchestrator) Updates(ctx context.Context, actor models.Actor, since time.Time) ([]models.Update, error) {
	rides, err := o.Store.UpdatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make([]models.Update, 0, len(rides))
	for _, r := range rides {
		out = append(out, models.Update{Type: models.EvRideStatusUpdate, Payload: r, At: r.UpdatedAt})
	}
	if actor.Role.Dispatcher() {
		o.mu.RLock()
		for _, loc := range o.locations {
			if loc.Updated.After(since) {
				out = append(out, models.Update{Type: models.EvDriverLocation, Payload: loc, At: loc.Updated})
			}
		}
		o.mu.RUnlock()
	}
	return out, nil
}

func (o *Orchestrator) notifyDispatchers(event string, payload interface{}) {
	o.Router.SendToRole(models.RoleOperator, event, payload)
	o.Router.SendToRole(models.RoleSupervisor, event, payload)
	o.Router.SendToRole(models.RoleAdmin, event, payload)
}

func (o *Orchestrator) publish(r *models.Ride) {
	if o.Producer == nil {
		return
	}
	if err := o.Producer.PublishRideEvent(r); err != nil {
		o.Log.Warn("ride event publish failed", "ride_id", r.ID, "error", err)
	}
}

func roomFor(rideID string) string { return "ride:" + rideID }

// userMessage translates internal errors into what the client sees. A
// driver racing another to accept should learn the ride is gone, not get
// a generic failure.
func userMessage(err error) string {
	var te *ride.TransitionError
	if errors.As(err, &te) && errors.Is(err, ride.ErrInvalidTransition) && te.To == models.StatusAccepted {
		return fmt.Sprintf("ride no longer available (status %s)", te.From)
	}
	return err.Error()
}
