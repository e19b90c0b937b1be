package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/presence"
	"github.com/CoreVine/Tride-backend-sub000/internal/session"
)

// AccountStore is the relational oracle the gate hydrates identities from.
type AccountStore interface {
	FindAccountWithRoleDetails(ctx context.Context, userID string) (*models.AccountDetails, error)
}

// RevocationList answers fingerprint lookups against the shared state
// store. A lookup failure must reject the connection (fail-closed):
// security-relevant checks do not degrade gracefully.
type RevocationList interface {
	IsRevoked(ctx context.Context, fingerprint string) (bool, error)
}

// Gate validates an inbound connection's credential before any room logic
// runs. Every rejection is terminal for the attempt; no partial state is
// left behind.
type Gate struct {
	verifier *TokenVerifier
	revoked  RevocationList
	accounts AccountStore
	registry presence.Registry
	logger   *slog.Logger
}

func NewGate(verifier *TokenVerifier, revoked RevocationList, accounts AccountStore, registry presence.Registry, logger *slog.Logger) *Gate {
	return &Gate{verifier: verifier, revoked: revoked, accounts: accounts, registry: registry, logger: logger}
}

// Authenticate runs the three admission steps: signature/expiry, revocation
// lookup, identity hydration. It performs no side effects; Register is
// called only after the caller has accepted the connection.
func (g *Gate) Authenticate(ctx context.Context, token string) (models.Identity, error) {
	claims, err := g.verifier.Verify(token)
	if err != nil {
		return models.Identity{}, err
	}

	revoked, err := g.revoked.IsRevoked(ctx, Fingerprint(claims))
	if err != nil {
		// Fail closed: an unreachable revocation store rejects the
		// connection rather than silently admitting it.
		g.logger.Error("revocation check unavailable", "user_id", claims.Subject, "error", err)
		return models.Identity{}, fmt.Errorf("%w: revocation check failed", models.ErrUpstreamUnavailable)
	}
	if revoked {
		return models.Identity{}, models.ErrRevoked
	}

	det, err := g.accounts.FindAccountWithRoleDetails(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Identity{}, fmt.Errorf("%w: no such account", models.ErrUnauthenticated)
		}
		// A store outage keeps its own kind so the handshake answers 503,
		// not 401.
		return models.Identity{}, fmt.Errorf("account lookup: %w", err)
	}
	if !det.Verified {
		return models.Identity{}, fmt.Errorf("%w: account not verified", models.ErrUnauthenticated)
	}

	identity := models.Identity{UserID: det.UserID, AccountType: det.AccountType}
	switch det.AccountType {
	case models.AccountDriver:
		if det.DriverID == "" || !det.DriverApproved {
			return models.Identity{}, fmt.Errorf("%w: driver profile not approved", models.ErrUnauthenticated)
		}
		identity.DriverID = det.DriverID
	case models.AccountParent:
		if det.ParentID == "" || !det.ParentApproved {
			return models.Identity{}, fmt.Errorf("%w: parent profile not approved", models.ErrUnauthenticated)
		}
		identity.ParentID = det.ParentID
	case models.AccountAdmin:
		identity.AdminRole = det.AdminRole
		identity.Permissions = det.Permissions
	default:
		return models.Identity{}, fmt.Errorf("%w: unknown account type %q", models.ErrUnauthenticated, det.AccountType)
	}
	return identity, nil
}

// Register records presence for an admitted connection. Best-effort: a
// registry failure must not fail the handshake, since presence is an
// optimization for fan-out rather than a security boundary.
func (g *Gate) Register(ctx context.Context, sess *session.Session) {
	meta := models.DeviceMeta{
		AccountType: sess.Identity.AccountType,
		ConnectedAt: sess.ConnectedAt,
		LastSeenAt:  time.Now(),
	}
	if err := g.registry.Register(ctx, sess.Identity.UserID, sess.ConnID, meta); err != nil {
		g.logger.Warn("presence registration failed",
			"user_id", sess.Identity.UserID, "conn_id", sess.ConnID, "error", err)
	}
}

// RedisRevocations is the production RevocationList backed by a set in the
// shared state store.
type RedisRevocations struct {
	client *redis.Client
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

const revokedSetKey = "auth:revoked_tokens"

func (r *RedisRevocations) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, revokedSetKey, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return ok, nil
}

// Revoke adds a fingerprint to the set. Exposed for the out-of-scope
// logout path that shares this store.
func (r *RedisRevocations) Revoke(ctx context.Context, fingerprint string) error {
	if err := r.client.SAdd(ctx, revokedSetKey, fingerprint).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}
