package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

// RoomStore is the read-only oracle for room rows and group membership
// facts. Results are re-queried on every join rather than cached because
// membership can change between connections.
type RoomStore interface {
	FindRoom(ctx context.Context, roomID string) (*models.Room, error)
	FindIfAccountInsideGroup(ctx context.Context, groupID, userID string, accountType models.AccountType) (bool, error)
}

// Resolver decides, per join request, whether an identity may enter a
// room. On allow it reports the room's effective category so the caller
// can join the transport-level group.
type Resolver struct {
	store  RoomStore
	logger *slog.Logger
}

func NewResolver(store RoomStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Authorize returns the room category on allow. A missing room and a
// permission failure produce the same wire-level rejection; they are
// distinguished only in logs so room existence is never disclosed.
func (r *Resolver) Authorize(ctx context.Context, identity models.Identity, roomID string) (models.RoomCategory, error) {
	room, err := r.store.FindRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			r.logger.Info("join denied: room does not exist", "user_id", identity.UserID, "room_id", roomID)
			return "", models.ErrNotFound
		}
		return "", err
	}

	switch room.Category {
	case models.RoomRideGroup:
		return r.authorizeRideGroup(ctx, identity, room)
	case models.RoomCustomerSupport:
		return r.authorizeCustomerSupport(identity, room)
	case models.RoomPrivate:
		return r.authorizePrivate(identity, room)
	default:
		r.logger.Warn("join denied: unknown room category",
			"user_id", identity.UserID, "room_id", roomID, "category", room.Category)
		return "", models.ErrUnknownRoomType
	}
}

// A ride-group room admits recorded participants of the underlying ride
// group: its driver, or a parent with a membership row.
func (r *Resolver) authorizeRideGroup(ctx context.Context, identity models.Identity, room *models.Room) (models.RoomCategory, error) {
	if identity.AccountType != models.AccountDriver && identity.AccountType != models.AccountParent {
		return "", fmt.Errorf("%w: account type %s cannot join ride group rooms", models.ErrUnauthorized, identity.AccountType)
	}
	member, err := r.store.FindIfAccountInsideGroup(ctx, room.RideGroupID, identity.UserID, identity.AccountType)
	if err != nil {
		return "", err
	}
	if !member {
		return "", fmt.Errorf("%w: not a participant of ride group %s", models.ErrUnauthorized, room.RideGroupID)
	}
	return models.RoomRideGroup, nil
}

// A customer-support room admits its initiating participant, or an admin
// whose permission set covers that participant's account type.
func (r *Resolver) authorizeCustomerSupport(identity models.Identity, room *models.Room) (models.RoomCategory, error) {
	var initiator *models.Participant
	for i := range room.Participants {
		if room.Participants[i].AccountType != models.AccountAdmin {
			initiator = &room.Participants[i]
			break
		}
	}
	if initiator == nil {
		return "", fmt.Errorf("%w: support room has no participant", models.ErrUnauthorized)
	}

	if identity.AccountType != models.AccountAdmin {
		if identity.UserID == initiator.UserID {
			return models.RoomCustomerSupport, nil
		}
		return "", fmt.Errorf("%w: not the support room initiator", models.ErrUnauthorized)
	}

	required := models.PermChatWithParents
	if initiator.AccountType == models.AccountDriver {
		required = models.PermChatWithDrivers
	}
	if !identity.HasPermission(required) {
		return "", fmt.Errorf("%w: admin lacks %s", models.ErrUnauthorized, required)
	}
	return models.RoomCustomerSupport, nil
}

// A private room admits exactly the (userId, accountType) pairs on its
// participant list.
func (r *Resolver) authorizePrivate(identity models.Identity, room *models.Room) (models.RoomCategory, error) {
	for _, p := range room.Participants {
		if p.UserID == identity.UserID && p.AccountType == identity.AccountType {
			return models.RoomPrivate, nil
		}
	}
	return "", fmt.Errorf("%w: not a room participant", models.ErrUnauthorized)
}
