package ride

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/relay"
	"github.com/CoreVine/Tride-backend-sub000/internal/session"
)

type fakeStore struct {
	byDriver map[string]*models.RideInstance
	byParent map[string]*models.RideInstance

	transitions []string // instanceID transitioned started->active
	ended       []string
	checkpoints [][]byte
	err         error
}

func (f *fakeStore) FindActiveRideInstanceByDriverID(_ context.Context, driverID string) (*models.RideInstance, error) {
	if f.err != nil {
		return nil, f.err
	}
	inst, ok := f.byDriver[driverID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return inst, nil
}

func (f *fakeStore) FindActiveRideInstanceByParentID(_ context.Context, parentID string) (*models.RideInstance, error) {
	inst, ok := f.byParent[parentID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return inst, nil
}

func (f *fakeStore) TransitionRideInstanceStatus(_ context.Context, instanceID, from, to string) (bool, error) {
	for _, inst := range f.byDriver {
		if inst.ID == instanceID && inst.Status == from {
			inst.Status = to
			f.transitions = append(f.transitions, instanceID)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) EndRideInstance(_ context.Context, instanceID string) (bool, error) {
	f.ended = append(f.ended, instanceID)
	return true, nil
}

func (f *fakeStore) RecordCheckpoint(_ context.Context, _ string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.checkpoints = append(f.checkpoints, payload)
	return nil
}

type broadcast struct {
	roomID  string
	event   string
	exclude string
}

type fakeRooms struct {
	joined     []string // "connID room"
	left       []string
	broadcasts []broadcast
}

func (f *fakeRooms) JoinRoom(connID, roomID string)  { f.joined = append(f.joined, connID+" "+roomID) }
func (f *fakeRooms) LeaveRoom(connID, roomID string) { f.left = append(f.left, connID+" "+roomID) }
func (f *fakeRooms) BroadcastRoom(roomID, event string, _ any, excludeConn string) {
	f.broadcasts = append(f.broadcasts, broadcast{roomID: roomID, event: event, exclude: excludeConn})
}

func newCoordinator(store *fakeStore, rooms *fakeRooms, cache relay.Cache) *Coordinator {
	if cache == nil {
		cache = relay.NewMemoryCache(time.Minute)
	}
	rel := relay.New(cache, rooms, nil, slog.Default())
	return NewCoordinator(store, rooms, rel, slog.Default())
}

func driverSession(connID string) *session.Session {
	return session.New(connID, models.Identity{
		UserID: "u-" + connID, AccountType: models.AccountDriver, DriverID: "drv-1",
	})
}

func parentSession(connID string) *session.Session {
	return session.New(connID, models.Identity{
		UserID: "u-" + connID, AccountType: models.AccountParent, ParentID: "par-1",
	})
}

func TestDriverJoinActivatesStartedInstanceOnce(t *testing.T) {
	store := &fakeStore{byDriver: map[string]*models.RideInstance{
		"drv-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideStarted},
	}}
	rooms := &fakeRooms{}
	c := newCoordinator(store, rooms, nil)

	roomID, err := c.DriverJoin(context.Background(), driverSession("c1"))
	if err != nil {
		t.Fatal(err)
	}
	want := "ride:drv-1:grp-1:inst-1"
	if roomID != want {
		t.Fatalf("roomID = %s, want %s", roomID, want)
	}
	if len(store.transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(store.transitions))
	}

	// A reconnect sees the now-active instance and transitions nothing.
	if _, err := c.DriverJoin(context.Background(), driverSession("c2")); err != nil {
		t.Fatal(err)
	}
	if len(store.transitions) != 1 {
		t.Fatalf("reconnect caused a second transition")
	}
	if len(rooms.joined) != 2 {
		t.Fatalf("joins = %d, want 2", len(rooms.joined))
	}
}

func TestDriverJoinWithoutInstance(t *testing.T) {
	c := newCoordinator(&fakeStore{byDriver: map[string]*models.RideInstance{}}, &fakeRooms{}, nil)

	_, err := c.DriverJoin(context.Background(), driverSession("c1"))
	if !errors.Is(err, ErrNoActiveInstance) {
		t.Fatalf("expected ErrNoActiveInstance, got %v", err)
	}
}

func TestDriverJoinRejectsParent(t *testing.T) {
	c := newCoordinator(&fakeStore{}, &fakeRooms{}, nil)

	_, err := c.DriverJoin(context.Background(), parentSession("c1"))
	if !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestParentJoinHydratesLastLocation(t *testing.T) {
	store := &fakeStore{byParent: map[string]*models.RideInstance{
		"par-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideActive},
	}}
	cache := relay.NewMemoryCache(time.Minute)
	sample := models.LocationSample{Lat: 30.05, Lng: 31.23, CapturedAt: time.Now()}
	if err := cache.SetLocation(context.Background(), "ride:drv-1:grp-1:inst-1", sample); err != nil {
		t.Fatal(err)
	}
	c := newCoordinator(store, &fakeRooms{}, cache)

	roomID, last, err := c.ParentJoin(context.Background(), parentSession("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if roomID != "ride:drv-1:grp-1:inst-1" {
		t.Fatalf("roomID = %s", roomID)
	}
	if last == nil || last.Lat != sample.Lat || last.Lng != sample.Lng {
		t.Fatalf("last = %+v, want hydrated sample", last)
	}
}

func TestParentJoinWithoutCachedLocation(t *testing.T) {
	store := &fakeStore{byParent: map[string]*models.RideInstance{
		"par-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideActive},
	}}
	c := newCoordinator(store, &fakeRooms{}, nil)

	_, last, err := c.ParentJoin(context.Background(), parentSession("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Fatalf("last = %+v, want nil", last)
	}
}

func TestParentJoinWithoutInstance(t *testing.T) {
	c := newCoordinator(&fakeStore{byParent: map[string]*models.RideInstance{}}, &fakeRooms{}, nil)

	_, _, err := c.ParentJoin(context.Background(), parentSession("c1"))
	if !errors.Is(err, ErrNoActiveInstance) {
		t.Fatalf("expected ErrNoActiveInstance, got %v", err)
	}
}

// A second ride-room join on the same connection replaces the first and
// detaches the connection from the previous transport room.
func TestSecondJoinReplacesTrackedRoom(t *testing.T) {
	store := &fakeStore{byDriver: map[string]*models.RideInstance{
		"drv-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideActive},
	}}
	rooms := &fakeRooms{}
	c := newCoordinator(store, rooms, nil)
	sess := driverSession("c1")

	first, err := c.DriverJoin(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}

	store.byDriver["drv-1"] = &models.RideInstance{ID: "inst-2", DriverID: "drv-1", GroupID: "grp-2", Status: models.RideActive}
	second, err := c.DriverJoin(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected a different room")
	}

	if len(rooms.left) != 1 || rooms.left[0] != "c1 "+first {
		t.Fatalf("left = %v, want departure from %s", rooms.left, first)
	}
	if got, _, _ := sess.RideRoom(); got != second {
		t.Fatalf("tracked room = %s, want %s", got, second)
	}
}

func TestCancelRideEndsInstanceAndNotifiesRoom(t *testing.T) {
	store := &fakeStore{byDriver: map[string]*models.RideInstance{
		"drv-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideActive},
	}}
	rooms := &fakeRooms{}
	c := newCoordinator(store, rooms, nil)
	sess := driverSession("c1")

	roomID, err := c.DriverJoin(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CancelRide(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	if len(store.ended) != 1 || store.ended[0] != "inst-1" {
		t.Fatalf("ended = %v", store.ended)
	}
	if len(rooms.broadcasts) != 1 || rooms.broadcasts[0].event != "ride_cancelled" ||
		rooms.broadcasts[0].roomID != roomID || rooms.broadcasts[0].exclude != "c1" {
		t.Fatalf("broadcasts = %+v", rooms.broadcasts)
	}
	if _, _, ok := sess.RideRoom(); ok {
		t.Fatal("session still attached after cancel")
	}
}

func TestCancelRideRequiresAttachedDriver(t *testing.T) {
	c := newCoordinator(&fakeStore{}, &fakeRooms{}, nil)

	if err := c.CancelRide(context.Background(), driverSession("c1")); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for detached driver, got %v", err)
	}
	if err := c.CancelRide(context.Background(), parentSession("c1")); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for parent, got %v", err)
	}
}

func TestConfirmCheckpointRecordsAndBroadcasts(t *testing.T) {
	store := &fakeStore{byDriver: map[string]*models.RideInstance{
		"drv-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideActive},
	}}
	rooms := &fakeRooms{}
	c := newCoordinator(store, rooms, nil)
	sess := driverSession("c1")

	if _, err := c.DriverJoin(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	payload := json.RawMessage(`{"checkpoint_id":"cp-7"}`)
	if err := c.ConfirmCheckpoint(context.Background(), sess, payload); err != nil {
		t.Fatal(err)
	}

	if len(store.checkpoints) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(store.checkpoints))
	}
	if len(rooms.broadcasts) != 1 || rooms.broadcasts[0].event != "checkpoint_confirmed" {
		t.Fatalf("broadcasts = %+v", rooms.broadcasts)
	}
}

func TestConfirmCheckpointStoreErrorSuppressesBroadcast(t *testing.T) {
	store := &fakeStore{
		byDriver: map[string]*models.RideInstance{
			"drv-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideActive},
		},
	}
	rooms := &fakeRooms{}
	c := newCoordinator(store, rooms, nil)
	sess := driverSession("c1")

	if _, err := c.DriverJoin(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	store.err = errors.New("pg down")
	if err := c.ConfirmCheckpoint(context.Background(), sess, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error")
	}
	if len(rooms.broadcasts) != 0 {
		t.Fatalf("broadcast sent despite store failure: %+v", rooms.broadcasts)
	}
}

func TestHandleDisconnectBroadcastsDeparture(t *testing.T) {
	store := &fakeStore{byDriver: map[string]*models.RideInstance{
		"drv-1": {ID: "inst-1", DriverID: "drv-1", GroupID: "grp-1", Status: models.RideActive},
	}}
	rooms := &fakeRooms{}
	c := newCoordinator(store, rooms, nil)
	sess := driverSession("c1")

	roomID, err := c.DriverJoin(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	c.HandleDisconnect(sess)

	if len(rooms.broadcasts) != 1 || rooms.broadcasts[0].event != "driver_left" || rooms.broadcasts[0].roomID != roomID {
		t.Fatalf("broadcasts = %+v", rooms.broadcasts)
	}
	if _, _, ok := sess.RideRoom(); ok {
		t.Fatal("session still attached after disconnect")
	}
}

func TestHandleDisconnectWithoutRideRoomIsNoop(t *testing.T) {
	rooms := &fakeRooms{}
	c := newCoordinator(&fakeStore{}, rooms, nil)

	c.HandleDisconnect(parentSession("c1"))
	if len(rooms.broadcasts) != 0 || len(rooms.left) != 0 {
		t.Fatalf("unexpected room activity: %+v %+v", rooms.broadcasts, rooms.left)
	}
}
