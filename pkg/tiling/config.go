package tiling

import (
	"fmt"
	"strings"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/geo"
)

// RenderMode selects which grid's content is shown.
type RenderMode int

const (
	// RenderScene shows detailed tiles around the position.
	RenderScene RenderMode = iota
	// RenderOverview additionally shows the coarse ring of overview tiles.
	RenderOverview
)

func (m RenderMode) String() string {
	switch m {
	case RenderScene:
		return "scene"
	case RenderOverview:
		return "overview"
	default:
		return fmt.Sprintf("RenderMode(%d)", int(m))
	}
}

// ParseRenderMode parses "scene" or "overview".
func ParseRenderMode(s string) (RenderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scene":
		return RenderScene, nil
	case "overview":
		return RenderOverview, nil
	default:
		return 0, core.NewError(core.ErrInvalidConfig, fmt.Sprintf("unknown render mode %q", s)).
			WithGuidance("Use 'scene' or 'overview'")
	}
}

// Config holds the tile manager settings. Distances are in map units (meters).
type Config struct {
	// Size is the edge length of a scene tile.
	Size float64 `json:"size"`
	// Offset is subtracted from the half size to get the distance from the
	// tile center at which neighbours start loading.
	Offset float64 `json:"offset"`
	// Sensitivity is the minimum movement that triggers re-evaluation.
	Sensitivity float64 `json:"sensitivity"`
	// AutoClean disposes tiles that leave the retention window.
	AutoClean bool `json:"autoclean"`

	RenderMode RenderMode `json:"render_mode"`

	// OverviewScale is the overview cell size in scene tiles.
	OverviewScale int `json:"overview_scale"`
	// Viewport sizes the overview ring; only Width and Height are used.
	Viewport geo.MapRectangle `json:"viewport"`
	// Origin is the coordinate mapped to the map point (0,0).
	Origin geo.Coordinate `json:"origin"`

	MaxConcurrentLoads int `json:"max_concurrent_loads"`
}

// DefaultConfig returns a configuration for 500m tiles around (0,0).
func DefaultConfig() Config {
	const size = 500
	return Config{
		Size:               size,
		Offset:             50,
		Sensitivity:        10,
		AutoClean:          true,
		RenderMode:         RenderScene,
		OverviewScale:      1,
		Viewport:           geo.NewMapRectangle(0, 0, 3*size, 3*size),
		MaxConcurrentLoads: 4,
	}
}

// Validate checks the configuration and returns an INVALID_CONFIG error for
// the first problem found.
func (c Config) Validate() error {
	invalid := func(msg string) error {
		return core.NewError(core.ErrInvalidConfig, msg)
	}

	switch {
	case c.Size <= 0:
		return invalid(fmt.Sprintf("tile size must be positive, got %g", c.Size))
	case c.Offset < 0:
		return invalid(fmt.Sprintf("offset must not be negative, got %g", c.Offset))
	case c.Offset >= c.Size/2:
		return invalid(fmt.Sprintf("offset %g must be smaller than half the tile size %g", c.Offset, c.Size/2))
	case c.Sensitivity < 0:
		return invalid(fmt.Sprintf("sensitivity must not be negative, got %g", c.Sensitivity))
	case c.RenderMode != RenderScene && c.RenderMode != RenderOverview:
		return invalid(fmt.Sprintf("unknown render mode %d", int(c.RenderMode)))
	case c.OverviewScale < 1:
		return invalid(fmt.Sprintf("overview scale must be at least 1, got %d", c.OverviewScale))
	case c.Viewport.Width <= 0 || c.Viewport.Height <= 0:
		return invalid(fmt.Sprintf("viewport must have a positive size, got %gx%g", c.Viewport.Width, c.Viewport.Height))
	case !c.Origin.Valid():
		return invalid(fmt.Sprintf("origin %s is not a valid coordinate", c.Origin))
	case c.MaxConcurrentLoads < 1:
		return invalid(fmt.Sprintf("max concurrent loads must be at least 1, got %d", c.MaxConcurrentLoads))
	}
	return nil
}

func (c Config) overviewSize() float64 {
	return c.Size * float64(c.OverviewScale)
}

// sameGrid reports whether tiles built under c and o cover the same areas.
func (c Config) sameGrid(o Config) bool {
	return c.Size == o.Size && c.OverviewScale == o.OverviewScale && c.Origin == o.Origin
}
