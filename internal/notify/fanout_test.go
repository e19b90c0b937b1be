package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/presence"
)

type fakeNotifStore struct {
	saved []*models.Notification
	err   error
}

func (f *fakeNotifStore) SaveNotification(_ context.Context, n *models.Notification) error {
	if f.err != nil {
		return f.err
	}
	n.ID = "n-1"
	f.saved = append(f.saved, n)
	return nil
}

type fakeTokenStore struct {
	tokens  map[string][]string
	removed []string
	err     error
}

func (f *fakeTokenStore) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens[userID], nil
}

func (f *fakeTokenStore) RemoveDeviceToken(_ context.Context, _, token string) error {
	f.removed = append(f.removed, token)
	return nil
}

type fakePusher struct {
	pushed []string
	fail   map[string]error
}

func (f *fakePusher) Push(_ context.Context, token string, _ *models.Notification) error {
	if err, ok := f.fail[token]; ok {
		return err
	}
	f.pushed = append(f.pushed, token)
	return nil
}

type fakeEmitter struct {
	emitted []string // "userID event"
}

func (f *fakeEmitter) EmitUser(userID, event string, _ any) {
	f.emitted = append(f.emitted, userID+" "+event)
}

type erroringRegistry struct{ presence.Registry }

func (erroringRegistry) ListConnections(context.Context, string) (map[string]models.DeviceMeta, error) {
	return nil, errors.New("redis down")
}

func notif(recipient string) *models.Notification {
	return &models.Notification{
		RecipientID: recipient, Type: "ride_update",
		Title: "Ride started", Body: "Your ride is on its way",
		CreatedAt: time.Now(),
	}
}

func online(t *testing.T, reg presence.Registry, userID string, connIDs ...string) {
	t.Helper()
	for _, id := range connIDs {
		if err := reg.Register(context.Background(), userID, id, models.DeviceMeta{AccountType: models.AccountParent}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDeliverEmitsToLiveRecipient(t *testing.T) {
	store := &fakeNotifStore{}
	tokens := &fakeTokenStore{tokens: map[string][]string{"u1": {"tok-1"}}}
	pusher := &fakePusher{}
	emitter := &fakeEmitter{}
	reg := presence.NewMemory()
	online(t, reg, "u1", "c1", "c2")

	f := NewFanout(store, tokens, pusher, reg, emitter, slog.Default())
	if err := f.Deliver(context.Background(), notif("u1")); err != nil {
		t.Fatal(err)
	}

	if len(store.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(store.saved))
	}
	if len(emitter.emitted) != 1 || emitter.emitted[0] != "u1 new_notification" {
		t.Fatalf("emitted = %v", emitter.emitted)
	}
	// The push channel is a fallback, not a duplicate path.
	if len(pusher.pushed) != 0 {
		t.Fatalf("pushed = %v, want none while recipient is live", pusher.pushed)
	}
}

func TestDeliverFallsBackToPushWhenOffline(t *testing.T) {
	store := &fakeNotifStore{}
	tokens := &fakeTokenStore{tokens: map[string][]string{"u1": {"tok-1", "tok-2"}}}
	pusher := &fakePusher{}
	emitter := &fakeEmitter{}

	f := NewFanout(store, tokens, pusher, presence.NewMemory(), emitter, slog.Default())
	if err := f.Deliver(context.Background(), notif("u1")); err != nil {
		t.Fatal(err)
	}

	if len(emitter.emitted) != 0 {
		t.Fatalf("emitted = %v, want none for offline recipient", emitter.emitted)
	}
	if len(pusher.pushed) != 2 {
		t.Fatalf("pushed = %v, want both tokens", pusher.pushed)
	}
}

// Persistence is the only hard dependency: a store failure fails the
// delivery and nothing is emitted or pushed.
func TestDeliverPersistFailureIsHardError(t *testing.T) {
	store := &fakeNotifStore{err: errors.New("pg down")}
	pusher := &fakePusher{}
	emitter := &fakeEmitter{}

	f := NewFanout(store, &fakeTokenStore{}, pusher, presence.NewMemory(), emitter, slog.Default())
	if err := f.Deliver(context.Background(), notif("u1")); err == nil {
		t.Fatal("expected error")
	}
	if len(emitter.emitted) != 0 || len(pusher.pushed) != 0 {
		t.Fatalf("delivery attempted despite persist failure: %v %v", emitter.emitted, pusher.pushed)
	}
}

// A presence outage downgrades the recipient to offline rather than
// failing the delivery.
func TestDeliverPresenceOutageFallsBackToPush(t *testing.T) {
	store := &fakeNotifStore{}
	tokens := &fakeTokenStore{tokens: map[string][]string{"u1": {"tok-1"}}}
	pusher := &fakePusher{}

	f := NewFanout(store, tokens, pusher, erroringRegistry{}, &fakeEmitter{}, slog.Default())
	if err := f.Deliver(context.Background(), notif("u1")); err != nil {
		t.Fatalf("expected fail-open delivery, got %v", err)
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("pushed = %v, want push fallback", pusher.pushed)
	}
}

func TestPushRemovesDeadTokensAndContinues(t *testing.T) {
	store := &fakeNotifStore{}
	tokens := &fakeTokenStore{tokens: map[string][]string{"u1": {"tok-dead", "tok-live"}}}
	pusher := &fakePusher{fail: map[string]error{"tok-dead": ErrInvalidToken}}

	f := NewFanout(store, tokens, pusher, presence.NewMemory(), &fakeEmitter{}, slog.Default())
	if err := f.Deliver(context.Background(), notif("u1")); err != nil {
		t.Fatal(err)
	}

	if len(tokens.removed) != 1 || tokens.removed[0] != "tok-dead" {
		t.Fatalf("removed = %v, want tok-dead", tokens.removed)
	}
	if len(pusher.pushed) != 1 || pusher.pushed[0] != "tok-live" {
		t.Fatalf("pushed = %v, want tok-live", pusher.pushed)
	}
}

func TestPushTransientFailureKeepsToken(t *testing.T) {
	store := &fakeNotifStore{}
	tokens := &fakeTokenStore{tokens: map[string][]string{"u1": {"tok-1", "tok-2"}}}
	pusher := &fakePusher{fail: map[string]error{"tok-1": errors.New("provider 5xx")}}

	f := NewFanout(store, tokens, pusher, presence.NewMemory(), &fakeEmitter{}, slog.Default())
	if err := f.Deliver(context.Background(), notif("u1")); err != nil {
		t.Fatal(err)
	}

	if len(tokens.removed) != 0 {
		t.Fatalf("removed = %v, transient failures must not drop tokens", tokens.removed)
	}
	if len(pusher.pushed) != 1 || pusher.pushed[0] != "tok-2" {
		t.Fatalf("pushed = %v", pusher.pushed)
	}
}

func TestDeliverWithNoTokensIsStillPersisted(t *testing.T) {
	store := &fakeNotifStore{}
	f := NewFanout(store, &fakeTokenStore{}, &fakePusher{}, presence.NewMemory(), &fakeEmitter{}, slog.Default())

	if err := f.Deliver(context.Background(), notif("u1")); err != nil {
		t.Fatal(err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(store.saved))
	}
}
