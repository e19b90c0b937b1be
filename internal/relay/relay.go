package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/observability"
	"github.com/CoreVine/Tride-backend-sub000/internal/session"
)

// Cache keeps the latest position per ride room. It exists purely to serve
// late joiners, not as an audit trail.
type Cache interface {
	SetLocation(ctx context.Context, roomID string, s models.LocationSample) error
	GetLocation(ctx context.Context, roomID string) (*models.LocationSample, error)
}

// Broadcaster delivers an event to every connection in a transport room,
// optionally excluding one.
type Broadcaster interface {
	BroadcastRoom(roomID, event string, payload any, excludeConn string)
}

// Firehose receives accepted samples for downstream consumers. Best-effort.
type Firehose interface {
	PublishSample(ctx context.Context, roomID, driverID string, s models.LocationSample) error
}

// Relay accepts position samples from authorized driver connections and
// distributes them to the room. Broadcast is fire-and-forget: no delivery
// acknowledgement, no ordering guarantee across receivers.
type Relay struct {
	cache    Cache
	rooms    Broadcaster
	firehose Firehose // nil when no brokers configured
	logger   *slog.Logger
}

func New(cache Cache, rooms Broadcaster, firehose Firehose, logger *slog.Logger) *Relay {
	return &Relay{cache: cache, rooms: rooms, firehose: firehose, logger: logger}
}

// Publish overwrites the cached sample for the sender's ride room and
// broadcasts it to every other connection in the room.
func (r *Relay) Publish(ctx context.Context, sess *session.Session, lat, lng float64) error {
	if sess.Identity.AccountType != models.AccountDriver {
		return fmt.Errorf("%w: only drivers publish locations", models.ErrUnauthorized)
	}
	roomID, _, ok := sess.RideRoom()
	if !ok {
		return fmt.Errorf("%w: connection is not attached to a ride room", models.ErrUnauthorized)
	}

	sample := models.LocationSample{Lat: lat, Lng: lng, CapturedAt: time.Now()}

	// The cache is advisory; a store failure must not suppress the live
	// broadcast.
	if err := r.cache.SetLocation(ctx, roomID, sample); err != nil {
		r.logger.Warn("location cache write failed",
			"conn_id", sess.ConnID, "room_id", roomID, "error", err)
	}

	if r.firehose != nil {
		if err := r.firehose.PublishSample(ctx, roomID, sess.Identity.DriverID, sample); err != nil {
			r.logger.Warn("location firehose publish failed",
				"conn_id", sess.ConnID, "room_id", roomID, "error", err)
		}
	}

	r.rooms.BroadcastRoom(roomID, "location_update", sample, sess.ConnID)
	observability.LocationUpdatesTotal.Inc()
	return nil
}

// Last returns the cached sample for a room, or nil if none is present or
// it has expired.
func (r *Relay) Last(ctx context.Context, roomID string) (*models.LocationSample, error) {
	return r.cache.GetLocation(ctx, roomID)
}
