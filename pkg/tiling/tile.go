// Package tiling keeps a grid of map tiles around a moving position and drives
// their asynchronous loading.
package tiling

import (
	"context"
	"fmt"
	"math"

	"github.com/NERVsystems/tilestream/pkg/geo"
)

// Cell is a grid index. Cell (i, j) is centred at (i*size, j*size).
type Cell struct {
	I int `json:"i"`
	J int `json:"j"`
}

func (c Cell) String() string {
	return fmt.Sprintf("%d:%d", c.I, c.J)
}

func (c Cell) add(di, dj int) Cell {
	return Cell{I: c.I + di, J: c.J + dj}
}

// chebyshev returns the number of king moves between two cells.
func (c Cell) chebyshev(o Cell) int {
	return max(abs(c.I-o.I), abs(c.J-o.J))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// cellOf returns the cell containing p in a grid of the given size. Lower
// edges belong to the cell, upper edges to the next one.
func cellOf(p geo.MapPoint, size float64) Cell {
	return Cell{
		I: int(math.Floor((p.X + size/2) / size)),
		J: int(math.Floor((p.Y + size/2) / size)),
	}
}

// cellsAlong returns the cells the segment from a to b passes through, in
// order. Steps change one axis at a time, so a segment through a grid corner
// also visits one of the cells beside it.
func cellsAlong(a, b geo.MapPoint, size float64) []Cell {
	c, end := cellOf(a, size), cellOf(b, size)
	steps := abs(end.I-c.I) + abs(end.J-c.J)
	cells := make([]Cell, 0, steps+1)
	cells = append(cells, c)

	d := b.Sub(a)
	stepI, nextX, deltaX := traverse(a.X, d.X, c.I, size)
	stepJ, nextY, deltaY := traverse(a.Y, d.Y, c.J, size)
	for range steps {
		if nextX < nextY {
			c.I += stepI
			nextX += deltaX
		} else {
			c.J += stepJ
			nextY += deltaY
		}
		cells = append(cells, c)
		if c == end {
			break
		}
	}
	return cells
}

// traverse returns the step direction along one axis, the segment parameter
// at which the first cell edge is crossed and the parameter span of one cell.
func traverse(p, d float64, i int, size float64) (step int, next, delta float64) {
	switch {
	case d > 0:
		edge := (float64(i) + 0.5) * size
		return 1, (edge - p) / d, size / d
	case d < 0:
		edge := (float64(i) - 0.5) * size
		return -1, (edge - p) / d, -size / d
	default:
		return 0, math.Inf(1), math.Inf(1)
	}
}

func centerOf(c Cell, size float64) geo.MapPoint {
	return geo.NewMapPoint(float64(c.I)*size, float64(c.J)*size)
}

// TileState is the load state of a tile.
type TileState int

const (
	TileLoading TileState = iota
	TileLoaded
	TileFailed
	TileDisposed
)

func (s TileState) String() string {
	switch s {
	case TileLoading:
		return "loading"
	case TileLoaded:
		return "loaded"
	case TileFailed:
		return "failed"
	case TileDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("TileState(%d)", int(s))
	}
}

// Tile is one grid cell of one render mode.
//
// Loaders may read the exported fields and use Registry and Content
// concurrently with the manager; everything else belongs to the manager.
type Tile struct {
	Cell      Cell
	Mode      RenderMode
	MapCenter geo.MapPoint
	Rect      geo.MapRectangle
	BBox      geo.BoundingBox
	Registry  *Registry

	// Content is the handle created by the Activator.
	Content any

	state      TileState
	generation uint64
	cancel     context.CancelFunc
	active     bool
	err        error
}

func newTile(mode RenderMode, cell Cell, size float64, origin geo.Coordinate, global *GlobalRegistry) *Tile {
	center := centerOf(cell, size)
	rect := geo.RectangleAround(center, size, size)
	return &Tile{
		Cell:      cell,
		Mode:      mode,
		MapCenter: center,
		Rect:      rect,
		BBox:      geo.BoundingBoxOf(origin, rect),
		Registry:  NewRegistry(global),
	}
}

// State returns the load state.
func (t *Tile) State() TileState { return t.state }

// Err returns the error of the last failed load.
func (t *Tile) Err() error { return t.err }

// Generation identifies the latest load attempt.
func (t *Tile) Generation() uint64 { return t.generation }

// IsActive reports whether the tile's content is shown.
func (t *Tile) IsActive() bool { return t.active }

func (t *Tile) String() string {
	return fmt.Sprintf("%s/%s", t.Mode, t.Cell)
}

// Loader fills a tile's content. Load is called once per attempt on its own
// goroutine and should return promptly once ctx is cancelled.
type Loader interface {
	Load(ctx context.Context, t *Tile) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, t *Tile) error

// Load calls f(ctx, t).
func (f LoaderFunc) Load(ctx context.Context, t *Tile) error { return f(ctx, t) }

// Activator owns tile content handles.
type Activator interface {
	// Create returns the content handle of a new tile.
	Create(t *Tile) any
	Activate(t *Tile)
	Deactivate(t *Tile)
	Destroy(t *Tile)
}

// NopActivator creates no content.
type NopActivator struct{}

func (NopActivator) Create(*Tile) any { return nil }
func (NopActivator) Activate(*Tile)   {}
func (NopActivator) Deactivate(*Tile) {}
func (NopActivator) Destroy(*Tile)    {}
