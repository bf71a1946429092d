// Package geo computes great-circle distances and circular geofence
// containment.
package geo

import (
	"math"

	"github.com/juju/errors"

	"shiftwatch/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6_371_000.0

type Point struct {
	Lat float64
	Lng float64
}

// Validate rejects coordinates outside [-90,90] x [-180,180] and non-finite
// values.
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return errors.Annotatef(model.ErrInvalidCoordinate, "latitude %v", lat)
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
		return errors.Annotatef(model.ErrInvalidCoordinate, "longitude %v", lng)
	}
	return nil
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b Point) (float64, error) {
	if err := Validate(a.Lat, a.Lng); err != nil {
		return 0, err
	}
	if err := Validate(b.Lat, b.Lng); err != nil {
		return 0, err
	}
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c, nil
}

// Contains reports whether p lies within the fence (distance <= radius) and
// the distance from the fence center.
func Contains(fence model.Geofence, p Point) (bool, float64, error) {
	d, err := Distance(Point{Lat: fence.Lat, Lng: fence.Lng}, p)
	if err != nil {
		return false, 0, err
	}
	return d <= fence.RadiusMeters, d, nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
