package tools

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/tilestream/pkg/coords"
	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/scene"
	"github.com/NERVsystems/tilestream/pkg/tiling"
)

// MoveToInput is either a position string or map coordinates.
type MoveToInput struct {
	Position string   `json:"position,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
}

// PositionOutput describes the tracked position after a tool call.
type PositionOutput struct {
	X           float64        `json:"x"`
	Y           float64        `json:"y"`
	Coordinate  geo.Coordinate `json:"coordinate"`
	CurrentTile string         `json:"current_tile,omitempty"`
	Mode        string         `json:"mode"`
	Tiles       map[string]int `json:"tiles"`
	Loading     int            `json:"loading"`
}

// MoveToTool returns the move_to tool definition.
func MoveToTool() mcp.Tool {
	return mcp.NewTool("move_to",
		mcp.WithDescription("Move the tracked position and load the tiles around it"),
		mcp.WithString("position",
			mcp.Description("Position in decimal degrees, DMS, UTM or MGRS (e.g. \"52.5163, 13.3777\")"),
		),
		mcp.WithNumber("x",
			mcp.Description("Map x in meters east of the origin, used when position is empty"),
		),
		mcp.WithNumber("y",
			mcp.Description("Map y in meters north of the origin, used when position is empty"),
		),
	)
}

// HandleMoveTo moves the tracked position.
func (r *Registry) HandleMoveTo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "move_to", func(ctx context.Context, input MoveToInput, logger *slog.Logger) (any, error) {
		var move func(m *tiling.Manager)
		switch {
		case input.Position != "":
			pos, err := coords.Parse(input.Position)
			if err != nil {
				return nil, err
			}
			logger.Debug("parsed position", "format", pos.Format.String(), "coordinate", pos.Coordinate.String())
			move = func(m *tiling.Manager) { m.OnCoordinate(pos.Coordinate) }
		case input.X != nil && input.Y != nil:
			p := geo.NewMapPoint(*input.X, *input.Y)
			move = func(m *tiling.Manager) { m.OnPosition(p) }
		default:
			return nil, core.NewValidationError(core.ErrMissingParameter, "either position or both x and y are required")
		}

		var out PositionOutput
		err := r.deps.Manager.Do(ctx, func(m *tiling.Manager) {
			move(m)
			out = positionOf(m)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})(ctx, req)
}

func positionOf(m *tiling.Manager) PositionOutput {
	p, _ := m.Position()
	out := PositionOutput{
		X:          p.X,
		Y:          p.Y,
		Coordinate: geo.ToCoordinate(m.Config().Origin, p),
		Mode:       m.Mode().String(),
		Tiles: map[string]int{
			tiling.RenderScene.String():    m.TileCount(tiling.RenderScene),
			tiling.RenderOverview.String(): m.TileCount(tiling.RenderOverview),
		},
		Loading: m.InFlight(),
	}
	if t := m.CurrentTile(); t != nil {
		out.CurrentTile = t.Cell.String()
	}
	return out
}

// SetRenderModeInput selects a render mode.
type SetRenderModeInput struct {
	Mode string `json:"mode"`
}

// SetRenderModeTool returns the set_render_mode tool definition.
func SetRenderModeTool() mcp.Tool {
	return mcp.NewTool("set_render_mode",
		mcp.WithDescription("Switch between the detailed scene and the coarse overview"),
		mcp.WithString("mode",
			mcp.Required(),
			mcp.Description("Render mode"),
			mcp.Enum("scene", "overview"),
		),
	)
}

// HandleSetRenderMode switches the render mode.
func (r *Registry) HandleSetRenderMode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "set_render_mode", func(ctx context.Context, input SetRenderModeInput, logger *slog.Logger) (any, error) {
		mode, err := tiling.ParseRenderMode(input.Mode)
		if err != nil {
			return nil, err
		}

		var out PositionOutput
		var setErr error
		err = r.deps.Manager.Do(ctx, func(m *tiling.Manager) {
			if setErr = m.SetMode(mode); setErr == nil {
				out = positionOf(m)
			}
		})
		if err != nil {
			return nil, err
		}
		if setErr != nil {
			return nil, setErr
		}
		logger.Info("render mode switched", "mode", mode.String())
		return out, nil
	})(ctx, req)
}

// SetViewportInput is the viewport size in meters.
type SetViewportInput struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SetViewportTool returns the set_viewport tool definition.
func SetViewportTool() mcp.Tool {
	return mcp.NewTool("set_viewport",
		mcp.WithDescription("Resize the visible area; the overview ring grows to cover it"),
		mcp.WithNumber("width",
			mcp.Required(),
			mcp.Description("Viewport width in meters"),
		),
		mcp.WithNumber("height",
			mcp.Required(),
			mcp.Description("Viewport height in meters"),
		),
	)
}

// HandleSetViewport resizes the viewport.
func (r *Registry) HandleSetViewport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "set_viewport", func(ctx context.Context, input SetViewportInput, logger *slog.Logger) (any, error) {
		var out PositionOutput
		var setErr error
		err := r.deps.Manager.Do(ctx, func(m *tiling.Manager) {
			if setErr = m.SetViewport(geo.NewMapRectangle(0, 0, input.Width, input.Height)); setErr == nil {
				out = positionOf(m)
			}
		})
		if err != nil {
			return nil, err
		}
		if setErr != nil {
			return nil, setErr
		}
		return out, nil
	})(ctx, req)
}

// TileStatusInput optionally restricts the listing to one grid.
type TileStatusInput struct {
	Mode string `json:"mode,omitempty"`
}

// TileInfo describes one tile.
type TileInfo struct {
	Mode       string         `json:"mode"`
	Cell       string         `json:"cell"`
	State      string         `json:"state"`
	Active     bool           `json:"active"`
	Generation uint64         `json:"generation"`
	BBox       string         `json:"bbox"`
	Models     map[string]int `json:"models,omitempty"`
	Owned      int            `json:"owned_global"`
	Error      string         `json:"error,omitempty"`
}

// ResolverInfo is the carried resolver state of one grid.
type ResolverInfo struct {
	PendingWays     int `json:"pending_ways"`
	UnresolvedNodes int `json:"unresolved_nodes"`
}

// TileStatusOutput lists tiles and resolver state.
type TileStatusOutput struct {
	Position PositionOutput          `json:"position"`
	Tiles    []TileInfo              `json:"tiles"`
	Resolver map[string]ResolverInfo `json:"resolver,omitempty"`
}

// TileStatusTool returns the tile_status tool definition.
func TileStatusTool() mcp.Tool {
	return mcp.NewTool("tile_status",
		mcp.WithDescription("List the tiles currently held, with load state and model counts"),
		mcp.WithString("mode",
			mcp.Description("Only list tiles of this grid"),
			mcp.Enum("scene", "overview"),
		),
	)
}

// HandleTileStatus reports the held tiles.
func (r *Registry) HandleTileStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "tile_status", func(ctx context.Context, input TileStatusInput, logger *slog.Logger) (any, error) {
		modes := []tiling.RenderMode{tiling.RenderScene, tiling.RenderOverview}
		if input.Mode != "" {
			mode, err := tiling.ParseRenderMode(input.Mode)
			if err != nil {
				return nil, err
			}
			modes = []tiling.RenderMode{mode}
		}

		out := TileStatusOutput{Tiles: []TileInfo{}}
		err := r.deps.Manager.Do(ctx, func(m *tiling.Manager) {
			out.Position = positionOf(m)
			for _, mode := range modes {
				for _, t := range m.Tiles(mode) {
					out.Tiles = append(out.Tiles, tileInfo(t))
				}
			}
		})
		if err != nil {
			return nil, err
		}

		if r.deps.Loader != nil {
			out.Resolver = make(map[string]ResolverInfo, len(modes))
			for _, mode := range modes {
				p, u := r.deps.Loader.ResolverState(mode)
				out.Resolver[mode.String()] = ResolverInfo{PendingWays: p, UnresolvedNodes: u}
			}
		}
		return out, nil
	})(ctx, req)
}

func tileInfo(t *tiling.Tile) TileInfo {
	info := TileInfo{
		Mode:       t.Mode.String(),
		Cell:       t.Cell.String(),
		State:      t.State().String(),
		Active:     t.IsActive(),
		Generation: t.Generation(),
		BBox:       t.BBox.String(),
		Owned:      t.Registry.OwnedLen(),
	}
	if c, ok := scene.ContentOf(t); ok {
		info.Models = c.Counts()
	}
	if err := t.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}
