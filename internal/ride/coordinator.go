package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/relay"
	"github.com/CoreVine/Tride-backend-sub000/internal/session"
)

// ErrNoActiveInstance means the caller has no non-terminal ride instance;
// the client must create one through the REST path first.
var ErrNoActiveInstance = errors.New("no active ride instance")

// Store is the relational collaborator for ride instances. The status
// transition is the sole write this core performs against it.
type Store interface {
	FindActiveRideInstanceByDriverID(ctx context.Context, driverID string) (*models.RideInstance, error)
	FindActiveRideInstanceByParentID(ctx context.Context, parentID string) (*models.RideInstance, error)
	TransitionRideInstanceStatus(ctx context.Context, instanceID, from, to string) (bool, error)
	EndRideInstance(ctx context.Context, instanceID string) (bool, error)
	RecordCheckpoint(ctx context.Context, instanceID string, payload []byte) error
}

// Rooms is the transport-level group membership surface.
type Rooms interface {
	JoinRoom(connID, roomID string)
	LeaveRoom(connID, roomID string)
	BroadcastRoom(roomID, event string, payload any, excludeConn string)
}

// Coordinator computes the room a driver or parent joins for live tracking
// and owns the started→active transition implied by the first driver join.
type Coordinator struct {
	store  Store
	rooms  Rooms
	relay  *relay.Relay
	logger *slog.Logger
}

func NewCoordinator(store Store, rooms Rooms, rel *relay.Relay, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, rooms: rooms, relay: rel, logger: logger}
}

// DriverJoin resolves the driver's unique non-terminal instance, moves a
// started instance to active exactly once, and attaches the connection to
// the ride room. Reconnects are idempotent: the conditional transition
// simply matches zero rows.
func (c *Coordinator) DriverJoin(ctx context.Context, sess *session.Session) (string, error) {
	if sess.Identity.AccountType != models.AccountDriver {
		return "", fmt.Errorf("%w: driver account required", models.ErrUnauthorized)
	}

	inst, err := c.store.FindActiveRideInstanceByDriverID(ctx, sess.Identity.DriverID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", ErrNoActiveInstance
		}
		return "", err
	}

	if inst.Status == models.RideStarted {
		moved, err := c.store.TransitionRideInstanceStatus(ctx, inst.ID, models.RideStarted, models.RideActive)
		if err != nil {
			return "", err
		}
		if moved {
			c.logger.Info("ride instance activated",
				"instance_id", inst.ID, "driver_id", inst.DriverID, "user_id", sess.Identity.UserID)
		}
	}

	roomID := models.RideRoomIdentity{DriverID: inst.DriverID, GroupID: inst.GroupID, InstanceID: inst.ID}.RoomID()
	c.attach(sess, roomID, inst.ID)
	return roomID, nil
}

// ParentJoin resolves the non-terminal instance for a ride group the parent
// belongs to and hydrates the last known location so a reconnecting parent
// is not left blank.
func (c *Coordinator) ParentJoin(ctx context.Context, sess *session.Session) (string, *models.LocationSample, error) {
	if sess.Identity.AccountType != models.AccountParent {
		return "", nil, fmt.Errorf("%w: parent account required", models.ErrUnauthorized)
	}

	inst, err := c.store.FindActiveRideInstanceByParentID(ctx, sess.Identity.ParentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil, ErrNoActiveInstance
		}
		return "", nil, err
	}

	roomID := models.RideRoomIdentity{DriverID: inst.DriverID, GroupID: inst.GroupID, InstanceID: inst.ID}.RoomID()
	c.attach(sess, roomID, inst.ID)

	last, err := c.relay.Last(ctx, roomID)
	if err != nil {
		// Hydration is advisory; the join itself succeeded.
		c.logger.Warn("last location hydration failed",
			"conn_id", sess.ConnID, "room_id", roomID, "error", err)
		last = nil
	}
	return roomID, last, nil
}

// attach applies the one-ride-room-per-connection policy: the newest join
// replaces the tracked room (last-writer-wins) and detaches the connection
// from the previous transport room.
func (c *Coordinator) attach(sess *session.Session, roomID, instanceID string) {
	prev := sess.AttachRideRoom(roomID, instanceID)
	if prev != "" && prev != roomID {
		c.rooms.LeaveRoom(sess.ConnID, prev)
	}
	c.rooms.JoinRoom(sess.ConnID, roomID)
}

// CancelRide marks the tracked instance terminal and tells the remaining
// room members before detaching the driver.
func (c *Coordinator) CancelRide(ctx context.Context, sess *session.Session) error {
	if sess.Identity.AccountType != models.AccountDriver {
		return fmt.Errorf("%w: driver account required", models.ErrUnauthorized)
	}
	roomID, instanceID, ok := sess.RideRoom()
	if !ok {
		return fmt.Errorf("%w: connection is not attached to a ride room", models.ErrUnauthorized)
	}

	ended, err := c.store.EndRideInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ended {
		c.logger.Info("cancel on already-terminal instance",
			"instance_id", instanceID, "user_id", sess.Identity.UserID)
	}

	c.rooms.BroadcastRoom(roomID, "ride_cancelled", map[string]string{"room_id": roomID}, sess.ConnID)
	c.rooms.LeaveRoom(sess.ConnID, roomID)
	sess.DetachRideRoom()
	return nil
}

// ConfirmCheckpoint records a checkpoint payload against the tracked
// instance and relays it to the room.
func (c *Coordinator) ConfirmCheckpoint(ctx context.Context, sess *session.Session, payload json.RawMessage) error {
	if sess.Identity.AccountType != models.AccountDriver {
		return fmt.Errorf("%w: driver account required", models.ErrUnauthorized)
	}
	roomID, instanceID, ok := sess.RideRoom()
	if !ok {
		return fmt.Errorf("%w: connection is not attached to a ride room", models.ErrUnauthorized)
	}

	if err := c.store.RecordCheckpoint(ctx, instanceID, payload); err != nil {
		return err
	}
	c.rooms.BroadcastRoom(roomID, "checkpoint_confirmed", payload, sess.ConnID)
	return nil
}

// HandleDisconnect broadcasts a departure notice to the remaining members
// of the connection's ride room, if it was attached to one. Runs before
// presence cleanup completes.
func (c *Coordinator) HandleDisconnect(sess *session.Session) {
	roomID, _, ok := sess.RideRoom()
	if !ok {
		return
	}
	event := "watcher_left"
	if sess.Identity.AccountType == models.AccountDriver {
		event = "driver_left"
	}
	c.rooms.BroadcastRoom(roomID, event, map[string]string{"user_id": sess.Identity.UserID}, sess.ConnID)
	c.rooms.LeaveRoom(sess.ConnID, roomID)
	sess.DetachRideRoom()
}
