package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

// RedisCache stores the last sample per ride room with a short TTL, so a
// stale entry disappears on its own if the driver connection drops.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func locationKey(roomID string) string { return "location:" + roomID }

func (c *RedisCache) SetLocation(ctx context.Context, roomID string, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, locationKey(roomID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (c *RedisCache) GetLocation(ctx context.Context, roomID string) (*models.LocationSample, error) {
	val, err := c.client.Get(ctx, locationKey(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	var s models.LocationSample
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MemoryCache is the in-process Cache used in tests.
type MemoryCache struct {
	mu      sync.RWMutex
	samples map[string]entry
	ttl     time.Duration
}

type entry struct {
	sample models.LocationSample
	stored time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{samples: make(map[string]entry), ttl: ttl}
}

func (c *MemoryCache) SetLocation(_ context.Context, roomID string, s models.LocationSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[roomID] = entry{sample: s, stored: time.Now()}
	return nil
}

func (c *MemoryCache) GetLocation(_ context.Context, roomID string) (*models.LocationSample, error) {
	c.mu.RLock()
	e, ok := c.samples[roomID]
	c.mu.RUnlock()
	if !ok || time.Since(e.stored) > c.ttl {
		return nil, nil
	}
	s := e.sample
	return &s, nil
}
