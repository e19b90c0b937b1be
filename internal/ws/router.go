package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/observability"
	"github.com/CoreVine/Tride-backend-sub000/internal/presence"
	"github.com/CoreVine/Tride-backend-sub000/internal/relay"
	"github.com/CoreVine/Tride-backend-sub000/internal/ride"
	"github.com/CoreVine/Tride-backend-sub000/internal/rooms"
)

// Wire-level acknowledgement strings. A rejected join looks identical to
// the client whether the room never existed or the user lacks permission.
const (
	ackOK               = "OK"
	ackUnauthorized     = "Unauthorized!"
	ackNoDriverInstance = "NO ACTIVE INSTANCES, CREATE ONE FIRST!"
	ackNoParentInstance = "NO ACTIVE INSTANCES, WAIT FOR DRIVER TO START!"
)

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage)

// Router is the single event-routing table keyed by event name. Every
// handler follows one error-propagation contract: outcomes become
// acknowledgement payloads, never panics or connection teardowns.
type Router struct {
	hub         *Hub
	resolver    *rooms.Resolver
	coordinator *ride.Coordinator
	relay       *relay.Relay
	registry    presence.Registry
	logger      *slog.Logger
	handlers    map[string]handlerFunc
}

func NewRouter(hub *Hub, resolver *rooms.Resolver, coordinator *ride.Coordinator, rel *relay.Relay, registry presence.Registry, logger *slog.Logger) *Router {
	r := &Router{
		hub:         hub,
		resolver:    resolver,
		coordinator: coordinator,
		relay:       rel,
		registry:    registry,
		logger:      logger,
	}
	r.handlers = map[string]handlerFunc{
		"join_room":                 r.handleJoinRoom,
		"leave_room":                r.handleLeaveRoom,
		"driver_join_ride":          r.handleDriverJoinRide,
		"parent_watch_ride":         r.handleParentWatchRide,
		"driver_location_update":    r.handleLocationUpdate,
		"driver_cancel_ride":        r.handleCancelRide,
		"driver_confirm_checkpoint": r.handleConfirmCheckpoint,
		"send_message":              r.handleSendMessage,
		"delete_message":            r.handleDeleteMessage,
		"heartbeat":                 r.handleHeartbeat,
	}
	return r
}

func (r *Router) Dispatch(ctx context.Context, c *Client, env Envelope) {
	h, ok := r.handlers[env.Event]
	if !ok {
		r.logger.Warn("unknown event", "event", env.Event, "conn_id", c.sess.ConnID)
		return
	}
	h(ctx, c, env.Data)
}

type roomPayload struct {
	RoomID string `json:"room_id"`
}

func (r *Router) handleJoinRoom(ctx context.Context, c *Client, data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		c.ack("join_room", ackUnauthorized)
		return
	}

	category, err := r.resolver.Authorize(ctx, c.sess.Identity, p.RoomID)
	if err != nil {
		outcome := "denied"
		if errors.Is(err, models.ErrNotFound) {
			outcome = "not_found"
		}
		observability.RoomJoinsTotal.WithLabelValues("unknown", outcome).Inc()
		r.logger.Info("room join denied",
			"user_id", c.sess.Identity.UserID, "conn_id", c.sess.ConnID, "room_id", p.RoomID, "error", err)
		c.ack("join_room", ackUnauthorized)
		return
	}

	r.hub.JoinRoom(c.sess.ConnID, p.RoomID)
	observability.RoomJoinsTotal.WithLabelValues(string(category), "allowed").Inc()

	// Room joins refresh presence; best-effort.
	if err := r.registry.Touch(ctx, c.sess.Identity.UserID, c.sess.ConnID); err != nil {
		r.logger.Warn("presence touch failed", "conn_id", c.sess.ConnID, "error", err)
	}
	c.ack("join_room", ackOK)
}

func (r *Router) handleLeaveRoom(_ context.Context, c *Client, data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return
	}
	r.hub.LeaveRoom(c.sess.ConnID, p.RoomID)
}

func (r *Router) handleDriverJoinRide(ctx context.Context, c *Client, _ json.RawMessage) {
	roomID, err := r.coordinator.DriverJoin(ctx, c.sess)
	if err != nil {
		if errors.Is(err, ride.ErrNoActiveInstance) {
			c.ack("driver_join_ride", ackNoDriverInstance)
			return
		}
		r.logger.Info("driver ride join denied",
			"user_id", c.sess.Identity.UserID, "conn_id", c.sess.ConnID, "error", err)
		c.ack("driver_join_ride", ackUnauthorized)
		return
	}
	c.ack("driver_join_ride", ackOK+":"+roomID)
}

func (r *Router) handleParentWatchRide(ctx context.Context, c *Client, _ json.RawMessage) {
	roomID, last, err := r.coordinator.ParentJoin(ctx, c.sess)
	if err != nil {
		if errors.Is(err, ride.ErrNoActiveInstance) {
			c.ack("parent_watch_ride", ackNoParentInstance)
			return
		}
		r.logger.Info("parent ride watch denied",
			"user_id", c.sess.Identity.UserID, "conn_id", c.sess.ConnID, "error", err)
		c.ack("parent_watch_ride", ackUnauthorized)
		return
	}
	c.ack("parent_watch_ride", ackOK+":"+roomID)
	if last != nil {
		c.sendEvent("location_update", last)
	}
}

type locationPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (r *Router) handleLocationUpdate(ctx context.Context, c *Client, data json.RawMessage) {
	var p locationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.ack("driver_location_update", ackUnauthorized)
		return
	}
	if err := r.relay.Publish(ctx, c.sess, p.Lat, p.Lng); err != nil {
		r.logger.Info("location update rejected",
			"user_id", c.sess.Identity.UserID, "conn_id", c.sess.ConnID, "error", err)
		c.ack("driver_location_update", ackUnauthorized)
	}
	// Accepted updates carry no acknowledgement.
}

func (r *Router) handleCancelRide(ctx context.Context, c *Client, _ json.RawMessage) {
	if err := r.coordinator.CancelRide(ctx, c.sess); err != nil {
		r.logger.Info("ride cancel rejected",
			"user_id", c.sess.Identity.UserID, "conn_id", c.sess.ConnID, "error", err)
		c.ack("driver_cancel_ride", ackUnauthorized)
		return
	}
	c.ack("driver_cancel_ride", ackOK)
}

func (r *Router) handleConfirmCheckpoint(ctx context.Context, c *Client, data json.RawMessage) {
	if err := r.coordinator.ConfirmCheckpoint(ctx, c.sess, data); err != nil {
		r.logger.Info("checkpoint rejected",
			"user_id", c.sess.Identity.UserID, "conn_id", c.sess.ConnID, "error", err)
		c.ack("driver_confirm_checkpoint", ackUnauthorized)
		return
	}
	c.ack("driver_confirm_checkpoint", ackOK)
}

type chatPayload struct {
	RoomID    string          `json:"room_id"`
	MessageID string          `json:"message_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Chat events ride on the room membership granted at join time; the
// message payload itself is opaque to this core.
func (r *Router) handleSendMessage(_ context.Context, c *Client, data json.RawMessage) {
	var p chatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		c.ack("send_message", ackUnauthorized)
		return
	}
	if !r.hub.InRoom(c.sess.ConnID, p.RoomID) {
		c.ack("send_message", ackUnauthorized)
		return
	}
	r.hub.BroadcastRoom(p.RoomID, "new_message", map[string]any{
		"room_id": p.RoomID,
		"from":    c.sess.Identity.UserID,
		"body":    p.Body,
	}, c.sess.ConnID)
	c.ack("send_message", ackOK)
}

func (r *Router) handleDeleteMessage(_ context.Context, c *Client, data json.RawMessage) {
	var p chatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.MessageID == "" {
		c.ack("delete_message", ackUnauthorized)
		return
	}
	if !r.hub.InRoom(c.sess.ConnID, p.RoomID) {
		c.ack("delete_message", ackUnauthorized)
		return
	}
	r.hub.BroadcastRoom(p.RoomID, "message_deleted", map[string]string{
		"room_id":    p.RoomID,
		"message_id": p.MessageID,
	}, c.sess.ConnID)
	c.ack("delete_message", ackOK)
}

func (r *Router) handleHeartbeat(ctx context.Context, c *Client, _ json.RawMessage) {
	if err := r.registry.Touch(ctx, c.sess.Identity.UserID, c.sess.ConnID); err != nil {
		r.logger.Warn("presence touch failed", "conn_id", c.sess.ConnID, "error", err)
	}
}
