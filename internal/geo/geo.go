// Package geo holds the shared geographic value types and the small
// amount of spherical math the coordination core needs: great-circle
// distance for cache matching and the Web-Mercator ground resolution
// used to convert camera movement into screen pixels.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for distance math.
const EarthRadiusMeters = 6371000.0

// mercatorBase is the Web-Mercator ground resolution at zoom 0 on the
// equator, in meters per pixel (256px tiles).
const mercatorBase = 156543.03392

// LatLng is a WGS 84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// String formats the coordinate for logs.
func (p LatLng) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// CameraPosition is an immutable snapshot of the map camera.
type CameraPosition struct {
	Center LatLng
	Zoom   float64
}

// LocatedRecord is a single voice-note record pinned to a location.
// Immutable once constructed. Payload is opaque to the core.
type LocatedRecord struct {
	ID             string
	Coordinates    LatLng
	HasCoordinates bool
	Payload        []byte
}

// QueryKey identifies a circular "nearby records" query.
type QueryKey struct {
	Center       LatLng
	RadiusMeters float64
}

// Matches reports whether a cached entry with receiver key can serve a
// request for other: centers within toleranceMeters and the requested
// radius inside the cached coverage.
func (k QueryKey) Matches(other QueryKey, toleranceMeters float64) bool {
	if Haversine(k.Center, other.Center) > toleranceMeters {
		return false
	}
	return other.RadiusMeters <= k.RadiusMeters
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// MetersPerPixel returns the Web-Mercator ground resolution at the given
// latitude and zoom level.
func MetersPerPixel(lat, zoom float64) float64 {
	return mercatorBase * math.Cos(lat*math.Pi/180) / math.Pow(2, zoom)
}

// PixelDistance converts the ground distance between two points into an
// approximate screen-pixel distance at the destination's latitude and
// the given zoom level.
func PixelDistance(from, to LatLng, zoom float64) float64 {
	mpp := MetersPerPixel(to.Lat, zoom)
	if mpp <= 0 {
		return 0
	}
	return Haversine(from, to) / mpp
}
