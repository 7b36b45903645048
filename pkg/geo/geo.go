// Package geo provides the geographic and projected map-space primitives used by the tile streamer.
package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	// EarthRadius is the mean earth radius in meters
	EarthRadius = 6371000.0

	// LatitudeEquator is the length of the equator in meters
	LatitudeEquator = 40075160.0

	// LongitudeEquator is the length of a meridian circle in meters
	LongitudeEquator = 40008000.0
)

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewCoordinate creates a coordinate.
func NewCoordinate(lat, lon float64) Coordinate {
	return Coordinate{Latitude: lat, Longitude: lon}
}

// Valid reports whether the coordinate lies in the WGS84 range.
func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// String formats the coordinate as "lat,lon".
func (c Coordinate) String() string {
	return fmt.Sprintf("%.7f,%.7f", c.Latitude, c.Longitude)
}

func (c Coordinate) point() orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

// HaversineDistance calculates the great-circle distance in meters between two points.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadius * c
}

// DistanceTo returns the great-circle distance to other in meters.
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	return HaversineDistance(c.Latitude, c.Longitude, other.Latitude, other.Longitude)
}

// BoundingBox is an axis-aligned geographic rectangle.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// NewBoundingBox creates a bounding box from two corners in any order.
func NewBoundingBox(a, b Coordinate) BoundingBox {
	return BoundingBox{
		MinLat: math.Min(a.Latitude, b.Latitude),
		MinLon: math.Min(a.Longitude, b.Longitude),
		MaxLat: math.Max(a.Latitude, b.Latitude),
		MaxLon: math.Max(a.Longitude, b.Longitude),
	}
}

func (b BoundingBox) bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLon, b.MinLat},
		Max: orb.Point{b.MaxLon, b.MaxLat},
	}
}

// Contains reports whether c lies inside the box, edges included.
func (b BoundingBox) Contains(c Coordinate) bool {
	return b.bound().Contains(c.point())
}

// Intersects reports whether the two boxes overlap, touching edges included.
func (b BoundingBox) Intersects(other BoundingBox) bool {
	return b.bound().Intersects(other.bound())
}

// Center returns the center coordinate of the box.
func (b BoundingBox) Center() Coordinate {
	p := b.bound().Center()
	return Coordinate{Latitude: p.Lat(), Longitude: p.Lon()}
}

// IsEmpty reports whether the box has no area.
func (b BoundingBox) IsEmpty() bool {
	return b.MaxLat <= b.MinLat || b.MaxLon <= b.MinLon
}

// String formats the box in Overpass order: south,west,north,east.
func (b BoundingBox) String() string {
	return fmt.Sprintf("%.7f,%.7f,%.7f,%.7f", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}
