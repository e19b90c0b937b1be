package ws

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/session"
)

func newTestClient(hub *Hub, connID, userID string, at models.AccountType) *Client {
	sess := session.New(connID, models.Identity{UserID: userID, AccountType: at, DriverID: "drv-" + userID, ParentID: "par-" + userID})
	c := newClient(hub, nil, sess, slog.Default())
	hub.addClient(c)
	return c
}

// drain decodes every frame currently buffered for the client.
func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case frame := <-c.send:
			var env Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				t.Fatalf("bad frame %s: %v", frame, err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	hub := NewHub(slog.Default())
	a := newTestClient(hub, "c1", "u1", models.AccountParent)
	b := newTestClient(hub, "c2", "u2", models.AccountParent)

	hub.JoinRoom("c1", "room-1")
	hub.JoinRoom("c1", "room-1")
	hub.JoinRoom("c2", "room-1")

	hub.BroadcastRoom("room-1", "ping", map[string]string{}, "")
	if got := len(drain(t, a)); got != 1 {
		t.Fatalf("duplicate join produced %d frames, want 1", got)
	}
	if got := len(drain(t, b)); got != 1 {
		t.Fatalf("frames = %d, want 1", got)
	}
}

func TestJoinRoomUnknownConnectionIsNoop(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.JoinRoom("ghost", "room-1")
	if hub.InRoom("ghost", "room-1") {
		t.Fatal("unregistered connection joined a room")
	}
}

func TestBroadcastRoomExcludesSender(t *testing.T) {
	hub := NewHub(slog.Default())
	sender := newTestClient(hub, "c1", "u1", models.AccountDriver)
	other := newTestClient(hub, "c2", "u2", models.AccountParent)
	hub.JoinRoom("c1", "room-1")
	hub.JoinRoom("c2", "room-1")

	hub.BroadcastRoom("room-1", "location_update", models.LocationSample{Lat: 1, Lng: 2}, "c1")

	if got := len(drain(t, sender)); got != 0 {
		t.Fatalf("sender received %d frames, want 0", got)
	}
	frames := drain(t, other)
	if len(frames) != 1 || frames[0].Event != "location_update" {
		t.Fatalf("frames = %+v", frames)
	}
}

// Every device of a user joins the personal channel, so EmitUser reaches
// them all.
func TestEmitUserReachesAllDevices(t *testing.T) {
	hub := NewHub(slog.Default())
	phone := newTestClient(hub, "c1", "u1", models.AccountParent)
	tablet := newTestClient(hub, "c2", "u1", models.AccountParent)
	stranger := newTestClient(hub, "c3", "u2", models.AccountParent)
	hub.JoinRoom("c1", PersonalRoom("u1"))
	hub.JoinRoom("c2", PersonalRoom("u1"))
	hub.JoinRoom("c3", PersonalRoom("u2"))

	hub.EmitUser("u1", "new_notification", models.Notification{RecipientID: "u1"})

	for _, c := range []*Client{phone, tablet} {
		frames := drain(t, c)
		if len(frames) != 1 || frames[0].Event != "new_notification" {
			t.Fatalf("frames for %s = %+v", c.sess.ConnID, frames)
		}
	}
	if got := len(drain(t, stranger)); got != 0 {
		t.Fatalf("stranger received %d frames, want 0", got)
	}
}

func TestRemoveClientClearsAllMemberships(t *testing.T) {
	hub := NewHub(slog.Default())
	newTestClient(hub, "c1", "u1", models.AccountParent)
	hub.JoinRoom("c1", "room-1")
	hub.JoinRoom("c1", PersonalRoom("u1"))

	hub.removeClient("c1")

	if hub.InRoom("c1", "room-1") || hub.InRoom("c1", PersonalRoom("u1")) {
		t.Fatal("membership survived removal")
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.rooms) != 0 {
		t.Fatalf("empty rooms not pruned: %d left", len(hub.rooms))
	}
}

func TestEnqueueDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(slog.Default())
	c := newTestClient(hub, "c1", "u1", models.AccountParent)
	hub.JoinRoom("c1", "room-1")

	for i := 0; i < cap(c.send)+10; i++ {
		hub.BroadcastRoom("room-1", "ping", i, "")
	}
	// The buffered frames are intact; the overflow was dropped, not queued.
	if got := len(drain(t, c)); got != cap(c.send) {
		t.Fatalf("frames = %d, want %d", got, cap(c.send))
	}
}
