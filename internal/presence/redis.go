package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

// now is swapped in tests.
var now = time.Now

// Redis implements Registry on top of the shared state store. Each mutation
// is a single atomic hash primitive rather than a read-modify-write, so two
// connections of the same user racing to register or deregister cannot lose
// updates. Entries expire after the configured idle window to bound storage
// even if disconnect events are missed.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func userKey(userID string) string { return "presence:user:" + userID }
func connKey(connID string) string { return "presence:conn:" + connID }

func (r *Redis) Register(ctx context.Context, userID, connID string, meta models.DeviceMeta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	refJSON, err := json.Marshal(models.ConnRef{UserID: userID, AccountType: meta.AccountType})
	if err != nil {
		return err
	}
	// HSet upserts only this connection's field; other connections of the
	// same user are untouched.
	if err := r.client.HSet(ctx, userKey(userID), connID, metaJSON).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if err := r.client.Set(ctx, connKey(connID), refJSON, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if err := r.client.Expire(ctx, userKey(userID), r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (r *Redis) ListConnections(ctx context.Context, userID string) (map[string]models.DeviceMeta, error) {
	raw, err := r.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	out := make(map[string]models.DeviceMeta, len(raw))
	for connID, val := range raw {
		var meta models.DeviceMeta
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			continue
		}
		out[connID] = meta
	}
	return out, nil
}

func (r *Redis) Remove(ctx context.Context, connID string) error {
	val, err := r.client.Get(ctx, connKey(connID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	var ref models.ConnRef
	if err := json.Unmarshal([]byte(val), &ref); err != nil {
		return err
	}
	// HDel is the only touch on the user hash: Redis reaps the key itself
	// once the last field is gone, and an explicit check-then-delete here
	// could wipe a field a racing Register just wrote.
	if err := r.client.HDel(ctx, userKey(ref.UserID), connID).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if err := r.client.Del(ctx, connKey(connID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Touch refreshes lastSeenAt and renews both TTLs. Called on heartbeats and
// room joins.
func (r *Redis) Touch(ctx context.Context, userID, connID string) error {
	val, err := r.client.HGet(ctx, userKey(userID), connID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	var meta models.DeviceMeta
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		return err
	}
	meta.LastSeenAt = now()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, userKey(userID), connID, metaJSON).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	_ = r.client.Expire(ctx, userKey(userID), r.ttl).Err()
	_ = r.client.Expire(ctx, connKey(connID), r.ttl).Err()
	return nil
}
