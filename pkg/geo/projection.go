package geo

import "math"

// ToMapPoint projects c into map space around origin using an equirectangular
// approximation, which is accurate enough at tile scale.
func ToMapPoint(origin, c Coordinate) MapPoint {
	deltaLat := c.Latitude - origin.Latitude
	deltaLon := c.Longitude - origin.Longitude
	circumference := LatitudeEquator * math.Cos(origin.Latitude*math.Pi/180)

	return MapPoint{
		X: deltaLon * circumference / 360,
		Y: deltaLat * LongitudeEquator / 360,
	}
}

// ToCoordinate is the inverse of ToMapPoint.
func ToCoordinate(origin Coordinate, p MapPoint) Coordinate {
	circumference := LatitudeEquator * math.Cos(origin.Latitude*math.Pi/180)

	return Coordinate{
		Latitude:  origin.Latitude + p.Y*360/LongitudeEquator,
		Longitude: origin.Longitude + p.X*360/circumference,
	}
}

// BoundingBoxOf converts a map rectangle into the geographic box it covers.
func BoundingBoxOf(origin Coordinate, r MapRectangle) BoundingBox {
	return NewBoundingBox(
		ToCoordinate(origin, MapPoint{X: r.Left(), Y: r.Bottom()}),
		ToCoordinate(origin, MapPoint{X: r.Right(), Y: r.Top()}),
	)
}
