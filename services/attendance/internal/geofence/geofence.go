// Package geofence decides whether a point lies inside any of the configured
// circular work regions. Evaluation is pure; regions are read-only reference
// data loaded once at startup.
package geofence

import (
	"math"
)

const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Region is a circular work area.
type Region struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Latitude     float64 `yaml:"latitude"`
	Longitude    float64 `yaml:"longitude"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

// Center returns the region's center point.
func (r Region) Center() Point {
	return Point{Latitude: r.Latitude, Longitude: r.Longitude}
}

// Distance computes the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng

	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Evaluate reports whether pt is inside any region and which one matched.
// When several regions contain the point, the smallest radius wins; radius
// ties fall back to insertion order. Invalid coordinates are never inside.
func Evaluate(pt Point, regions []Region) (bool, *Region) {
	if !validPoint(pt) {
		return false, nil
	}

	var matched *Region
	for i := range regions {
		region := &regions[i]
		if region.RadiusMeters <= 0 || !validPoint(region.Center()) {
			continue
		}
		if Distance(pt, region.Center()) > region.RadiusMeters {
			continue
		}
		if matched == nil || region.RadiusMeters < matched.RadiusMeters {
			matched = region
		}
	}

	return matched != nil, matched
}

// Nearest returns the region whose center is closest to pt and the distance
// to it, for building "move to work area" guidance. Returns nil when no
// valid regions exist.
func Nearest(pt Point, regions []Region) (*Region, float64) {
	if !validPoint(pt) {
		return nil, 0
	}

	var (
		nearest *Region
		best    float64
	)
	for i := range regions {
		region := &regions[i]
		if !validPoint(region.Center()) {
			continue
		}
		d := Distance(pt, region.Center())
		if nearest == nil || d < best {
			nearest = region
			best = d
		}
	}
	return nearest, best
}

func validPoint(pt Point) bool {
	if math.IsNaN(pt.Latitude) || math.IsNaN(pt.Longitude) {
		return false
	}
	if math.IsInf(pt.Latitude, 0) || math.IsInf(pt.Longitude, 0) {
		return false
	}
	return pt.Latitude >= -90 && pt.Latitude <= 90 && pt.Longitude >= -180 && pt.Longitude <= 180
}
