package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// FleetIndex keeps driver positions in a Redis GEO set so dashboards and
// dispatch tooling can answer "which drivers are near X" without touching
// the realtime engine.
type FleetIndex struct {
	client *redis.Client
	key    string
}

func NewFleetIndex(client *redis.Client, key string) *FleetIndex {
	return &FleetIndex{client: client, key: key}
}

// FleetPosition is a driver's indexed position.
type FleetPosition struct {
	DriverID string
	Lat      float64
	Lng      float64
	DistM    float64
}

func (f *FleetIndex) Upsert(ctx context.Context, driverID string, lat, lng float64) error {
	err := f.client.GeoAdd(ctx, f.key, &redis.GeoLocation{
		Name: driverID, Latitude: lat, Longitude: lng,
	}).Err()
	if err != nil {
		return fmt.Errorf("geo upsert %s: %w", driverID, err)
	}
	return nil
}

// Remove drops a driver from the index, typically when their ride ends.
func (f *FleetIndex) Remove(ctx context.Context, driverID string) error {
	return f.client.ZRem(ctx, f.key, driverID).Err()
}

// Nearby returns up to limit drivers within radiusMeters of the given
// point, closest first.
func (f *FleetIndex) Nearby(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]FleetPosition, error) {
	res, err := f.client.GeoRadius(ctx, f.key, lng, lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m",
		WithCoord: true, WithDist: true,
		Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius query: %w", err)
	}
	out := make([]FleetPosition, 0, len(res))
	for _, g := range res {
		out = append(out, FleetPosition{
			DriverID: g.Name,
			Lat:      g.Latitude,
			Lng:      g.Longitude,
			DistM:    g.Dist,
		})
	}
	return out, nil
}
