// Package geo holds the small amount of spherical geometry the location
// pipeline needs: great-circle distance and a per-driver odometer fed by
// consecutive position samples.
package geo

import (
	"math"
	"sync"
)

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two
// coordinates.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLng := (lng2 - lng1) * math.Pi / 180.0
	rLat1 := lat1 * math.Pi / 180.0
	rLat2 := lat2 * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Odometer accumulates distance traveled per driver from the stream of
// position samples. Jumps larger than maxStepMeters are treated as GPS
// noise or a cold start and advance the position without adding distance.
type Odometer struct {
	mu   sync.Mutex
	last map[string]point

	maxStepMeters float64
}

type point struct {
	lat, lng float64
}

func NewOdometer(maxStepMeters float64) *Odometer {
	return &Odometer{last: make(map[string]point), maxStepMeters: maxStepMeters}
}

// Advance records a new sample for the driver and returns the distance in
// meters covered since the previous one. The first sample for a driver
// returns 0.
func (o *Odometer) Advance(driverID string, lat, lng float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev, ok := o.last[driverID]
	o.last[driverID] = point{lat: lat, lng: lng}
	if !ok {
		return 0
	}
	d := Haversine(prev.lat, prev.lng, lat, lng)
	if o.maxStepMeters > 0 && d > o.maxStepMeters {
		return 0
	}
	return d
}

// Forget drops the tracked position for a driver, so the next sample
// starts a fresh segment.
func (o *Odometer) Forget(driverID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.last, driverID)
}
