package geo

import (
	"fmt"
	"math"
)

// MapPoint is a projected position in meters relative to an origin coordinate.
type MapPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewMapPoint creates a map point.
func NewMapPoint(x, y float64) MapPoint {
	return MapPoint{X: x, Y: y}
}

// Add returns p + q.
func (p MapPoint) Add(q MapPoint) MapPoint {
	return MapPoint{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns p - q.
func (p MapPoint) Sub(q MapPoint) MapPoint {
	return MapPoint{X: p.X - q.X, Y: p.Y - q.Y}
}

// Scale multiplies both components by f.
func (p MapPoint) Scale(f float64) MapPoint {
	return MapPoint{X: p.X * f, Y: p.Y * f}
}

// Length returns the euclidean norm of p.
func (p MapPoint) Length() float64 {
	return math.Hypot(p.X, p.Y)
}

// Normalize returns the unit vector of p. The zero vector is returned unchanged.
func (p MapPoint) Normalize() MapPoint {
	l := p.Length()
	if l == 0 {
		return p
	}
	return MapPoint{X: p.X / l, Y: p.Y / l}
}

// DistanceTo returns the euclidean distance between p and q.
func (p MapPoint) DistanceTo(q MapPoint) float64 {
	return p.Sub(q).Length()
}

func (p MapPoint) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

// MapRectangle is an axis-aligned rectangle in map space. X/Y is the bottom-left corner.
type MapRectangle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewMapRectangle creates a rectangle from its bottom-left corner and size.
func NewMapRectangle(x, y, width, height float64) MapRectangle {
	return MapRectangle{X: x, Y: y, Width: width, Height: height}
}

// RectangleAround creates a rectangle of the given size centered on c.
func RectangleAround(c MapPoint, width, height float64) MapRectangle {
	return MapRectangle{X: c.X - width/2, Y: c.Y - height/2, Width: width, Height: height}
}

func (r MapRectangle) Left() float64   { return r.X }
func (r MapRectangle) Right() float64  { return r.X + r.Width }
func (r MapRectangle) Bottom() float64 { return r.Y }
func (r MapRectangle) Top() float64    { return r.Y + r.Height }

// Center returns the center point of the rectangle.
func (r MapRectangle) Center() MapPoint {
	return MapPoint{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Contains reports whether p lies in the rectangle. The left and bottom edges
// are inside, the right and top edges belong to the neighbor.
func (r MapRectangle) Contains(p MapPoint) bool {
	return p.X >= r.Left() && p.X < r.Right() && p.Y >= r.Bottom() && p.Y < r.Top()
}

// Intersects reports whether the rectangles share any area.
func (r MapRectangle) Intersects(o MapRectangle) bool {
	return r.Left() < o.Right() && o.Left() < r.Right() &&
		r.Bottom() < o.Top() && o.Bottom() < r.Top()
}
