package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/observability"
	"github.com/CoreVine/Tride-backend-sub000/internal/presence"
)

// ErrInvalidToken is returned by a Pusher when the provider reports a dead
// device token; the token is removed so it is not retried.
var ErrInvalidToken = errors.New("invalid device token")

// Store persists the durable record. Persistence never depends on delivery
// success.
type Store interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
}

// TokenStore manages the bounded per-user device token window.
type TokenStore interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
	RemoveDeviceToken(ctx context.Context, userID, token string) error
}

// Pusher attempts a push-channel delivery for a single token.
type Pusher interface {
	Push(ctx context.Context, token string, n *models.Notification) error
}

// Emitter delivers an event to every live connection on a user's personal
// channel.
type Emitter interface {
	EmitUser(userID, event string, payload any)
}

// Fanout delivers a notification to a user's live connections and, before
// any delivery attempt, persists it.
type Fanout struct {
	store    Store
	tokens   TokenStore
	pusher   Pusher
	registry presence.Registry
	emitter  Emitter
	logger   *slog.Logger
}

func NewFanout(store Store, tokens TokenStore, pusher Pusher, registry presence.Registry, emitter Emitter, logger *slog.Logger) *Fanout {
	return &Fanout{store: store, tokens: tokens, pusher: pusher, registry: registry, emitter: emitter, logger: logger}
}

// Deliver persists first, then emits to all live devices, or falls back to
// the push channel when none are live. A persistence failure is a hard
// error; everything after it is best-effort.
func (f *Fanout) Deliver(ctx context.Context, n *models.Notification) error {
	if err := f.store.SaveNotification(ctx, n); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}
	observability.NotificationsPersisted.Inc()

	conns, err := f.registry.ListConnections(ctx, n.RecipientID)
	if err != nil {
		// Presence is advisory; treat the recipient as offline.
		f.logger.Warn("presence lookup failed, falling back to push",
			"recipient_id", n.RecipientID, "error", err)
		conns = nil
	}

	if len(conns) > 0 {
		f.emitter.EmitUser(n.RecipientID, "new_notification", n)
		observability.NotificationsDelivered.WithLabelValues("live").Inc()
		return nil
	}

	f.push(ctx, n)
	return nil
}

// push attempts delivery over the registered token window. One bad token
// never aborts delivery to the others.
func (f *Fanout) push(ctx context.Context, n *models.Notification) {
	tokens, err := f.tokens.DeviceTokens(ctx, n.RecipientID)
	if err != nil {
		f.logger.Warn("device token lookup failed", "recipient_id", n.RecipientID, "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	delivered := 0
	for _, token := range tokens {
		err := f.pusher.Push(ctx, token, n)
		if err == nil {
			delivered++
			continue
		}
		if errors.Is(err, ErrInvalidToken) {
			if rmErr := f.tokens.RemoveDeviceToken(ctx, n.RecipientID, token); rmErr != nil {
				f.logger.Warn("dead token removal failed",
					"recipient_id", n.RecipientID, "error", rmErr)
			} else {
				observability.PushTokensRemoved.Inc()
			}
			f.logger.Warn("push token rejected by provider, removed",
				"recipient_id", n.RecipientID)
			continue
		}
		f.logger.Warn("push delivery failed", "recipient_id", n.RecipientID, "error", err)
	}
	if delivered > 0 {
		observability.NotificationsDelivered.WithLabelValues("push").Inc()
	}
}
