package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
	"github.com/NERVsystems/tilestream/pkg/scene"
	"github.com/NERVsystems/tilestream/pkg/search"
	"github.com/NERVsystems/tilestream/pkg/source"
	"github.com/NERVsystems/tilestream/pkg/tiling"
)

var origin = geo.NewCoordinate(0, 0)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSource(t *testing.T, indexed bool) *source.MemorySource {
	t.Helper()
	at := func(x, y float64) geo.Coordinate {
		return geo.ToCoordinate(origin, geo.NewMapPoint(x, y))
	}
	src := source.NewMemorySource(source.WithLogger(discardLogger()))
	elems := []element.Element{
		&element.Node{ID: 1, Coordinate: at(0, 0), Tags: element.Tags{"amenity": "cafe", "name": "Kaffeehaus"}},
		&element.Node{ID: 2, Coordinate: at(10, 20), Tags: element.Tags{"amenity": "bench"}},
		&element.Node{ID: 3, Coordinate: at(20, 20), Tags: element.Tags{"amenity": "bench"}},
		&element.Node{ID: 4, Coordinate: at(30, 20), Tags: element.Tags{"amenity": "bench"}},
		&element.Way{ID: 10, NodeIDs: []int64{2, 3, 4}, Tags: element.Tags{"highway": "footway", "name": "Kaffeeweg"}},
	}
	for _, e := range elems {
		if err := src.Add(e); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if indexed {
		if err := src.BuildIndex(); err != nil {
			t.Fatalf("BuildIndex failed: %v", err)
		}
	}
	return src
}

// newTestRegistry starts a manager owned by a background Run loop.
func newTestRegistry(t *testing.T, indexed bool) (*Registry, *tiling.Manager, context.CancelFunc) {
	t.Helper()
	src := newTestSource(t, indexed)
	provider := source.Static(src)

	cfg := tiling.DefaultConfig()
	cfg.Size = 100
	cfg.Offset = 10
	cfg.Sensitivity = 0
	cfg.Viewport = geo.NewMapRectangle(0, 0, 300, 300)
	cfg.Origin = origin

	loader := scene.NewLoader(provider, origin, scene.WithLoaderLogger(discardLogger()))
	m, err := tiling.NewManager(cfg, loader, scene.NewActivator(discardLogger()), tiling.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, nil)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(func() {
		stop()
		m.Close()
	})

	r := NewRegistry(discardLogger(), Deps{
		Manager: m,
		Loader:  loader,
		Search:  search.NewEngine(provider, search.WithLogger(discardLogger())),
	})
	return r, m, stop
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h(ctx, req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if res == nil || len(res.Content) == 0 {
		t.Fatal("handler returned empty result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return res, text.Text
}

func decode[T any](t *testing.T, text string) T {
	t.Helper()
	var out T
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("decoding %q: %v", text, err)
	}
	return out
}

func TestToolNames(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)
	want := []string{"get_version", "move_to", "set_render_mode", "set_viewport", "tile_status", "search_by_tag", "search_by_text"}

	names := r.GetToolNames()
	if len(names) != len(want) {
		t.Fatalf("expected %d tools, got %v", len(want), names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("tool %d = %s, want %s", i, names[i], name)
		}
	}
	for _, def := range r.GetToolDefinitions() {
		if def.Tool.Name != def.Name {
			t.Errorf("definition %s wraps tool %s", def.Name, def.Tool.Name)
		}
	}
}

func TestMoveTo(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)

	tests := []struct {
		name string
		args map[string]any
		cell string
	}{
		{name: "map coordinates", args: map[string]any{"x": 0.0, "y": 0.0}, cell: "0:0"},
		{name: "decimal degrees", args: map[string]any{"position": "0.0009, 0"}, cell: "0:1"},
		{name: "map coordinates east", args: map[string]any{"x": 210.0, "y": 100.0}, cell: "2:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, text := call(t, r.HandleMoveTo, tt.args)
			if res.IsError {
				t.Fatalf("unexpected error result: %s", text)
			}
			out := decode[PositionOutput](t, text)
			if out.CurrentTile != tt.cell {
				t.Errorf("current tile = %s, want %s", out.CurrentTile, tt.cell)
			}
			if out.Tiles["scene"] < 1 {
				t.Errorf("expected at least one scene tile, got %v", out.Tiles)
			}
			if out.Mode != "scene" {
				t.Errorf("mode = %s, want scene", out.Mode)
			}
		})
	}
}

func TestMoveToErrors(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)

	tests := []struct {
		name string
		args map[string]any
		code string
	}{
		{name: "no position", args: map[string]any{}, code: "MISSING_PARAMETER"},
		{name: "x only", args: map[string]any{"x": 1.0}, code: "MISSING_PARAMETER"},
		{name: "unparsable position", args: map[string]any{"position": "atlantis"}, code: "INVALID_INPUT"},
		{name: "wrong type", args: map[string]any{"x": "east"}, code: "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, text := call(t, r.HandleMoveTo, tt.args)
			if !res.IsError {
				t.Fatalf("expected error result, got %s", text)
			}
			if !strings.Contains(text, tt.code) {
				t.Errorf("expected code %s in %s", tt.code, text)
			}
		})
	}
}

func TestSetRenderModeAndViewport(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)
	call(t, r.HandleMoveTo, map[string]any{"x": 0.0, "y": 0.0})

	res, text := call(t, r.HandleSetRenderMode, map[string]any{"mode": "overview"})
	if res.IsError {
		t.Fatalf("set_render_mode failed: %s", text)
	}
	if out := decode[PositionOutput](t, text); out.Mode != "overview" || out.Tiles["overview"] != 8 {
		t.Errorf("expected overview mode with 8 tiles, got %+v", out)
	}

	res, text = call(t, r.HandleSetViewport, map[string]any{"width": 600.0, "height": 600.0})
	if res.IsError {
		t.Fatalf("set_viewport failed: %s", text)
	}
	if out := decode[PositionOutput](t, text); out.Tiles["overview"] != 24 {
		t.Errorf("expected 24 overview tiles, got %v", out.Tiles)
	}

	res, text = call(t, r.HandleSetRenderMode, map[string]any{"mode": "aerial"})
	if !res.IsError || !strings.Contains(text, "INVALID_CONFIG") {
		t.Errorf("expected INVALID_CONFIG, got %s", text)
	}

	res, text = call(t, r.HandleSetViewport, map[string]any{"width": -1.0, "height": 600.0})
	if !res.IsError || !strings.Contains(text, "INVALID_CONFIG") {
		t.Errorf("expected INVALID_CONFIG, got %s", text)
	}
}

func TestTileStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)
	call(t, r.HandleMoveTo, map[string]any{"x": 0.0, "y": 0.0})

	var status TileStatusOutput
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, text := call(t, r.HandleTileStatus, map[string]any{"mode": "scene"})
		status = decode[TileStatusOutput](t, text)
		if len(status.Tiles) == 1 && status.Tiles[0].State == "loaded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scene tile did not load: %+v", status.Tiles)
		}
		time.Sleep(10 * time.Millisecond)
	}

	tile := status.Tiles[0]
	if tile.Cell != "0:0" || tile.Mode != "scene" || !tile.Active {
		t.Errorf("unexpected tile %+v", tile)
	}
	if tile.Models["point"] != 4 || tile.Models["line"] != 1 {
		t.Errorf("unexpected model counts %v", tile.Models)
	}
	if _, ok := status.Resolver["scene"]; !ok {
		t.Errorf("expected scene resolver state, got %v", status.Resolver)
	}
	if _, ok := status.Resolver["overview"]; ok {
		t.Error("mode filter should leave out the overview resolver")
	}

	_, text := call(t, r.HandleTileStatus, nil)
	all := decode[TileStatusOutput](t, text)
	if len(all.Tiles) != 9 {
		t.Errorf("expected 1 scene and 8 overview tiles, got %d", len(all.Tiles))
	}
}

func TestSearchTools(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)

	_, text := call(t, r.HandleSearchByTag, map[string]any{"key": "amenity", "value": "cafe"})
	out := decode[SearchOutput](t, text)
	if out.Count != 1 || out.Results[0].Kind != "node" || out.Results[0].ID != 1 {
		t.Fatalf("unexpected cafe results %+v", out)
	}
	if out.Results[0].Point == nil || out.Results[0].Tags["name"] != "Kaffeehaus" {
		t.Errorf("node result should carry its point and tags, got %+v", out.Results[0])
	}

	_, text = call(t, r.HandleSearchByTag, map[string]any{"key": "amenity", "value": "bench", "limit": 2})
	out = decode[SearchOutput](t, text)
	if out.Count != 2 || !out.Truncated {
		t.Errorf("expected 2 truncated results, got %+v", out)
	}

	_, text = call(t, r.HandleSearchByText, map[string]any{"key": "name", "text": "Kaffee"})
	out = decode[SearchOutput](t, text)
	if out.Count != 2 || out.Truncated {
		t.Errorf("expected both named elements, got %+v", out)
	}
	for _, res := range out.Results {
		if res.Kind == "way" && res.Nodes != 3 {
			t.Errorf("way result should count its nodes, got %+v", res)
		}
	}
}

func TestSearchToolErrors(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)
	unindexed, _, _ := newTestRegistry(t, false)

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		code    string
	}{
		{name: "missing key", handler: r.HandleSearchByTag, args: map[string]any{"value": "cafe"}, code: "MISSING_PARAMETER"},
		{name: "missing text", handler: r.HandleSearchByText, args: map[string]any{"key": "name"}, code: "MISSING_PARAMETER"},
		{name: "negative limit", handler: r.HandleSearchByTag, args: map[string]any{"key": "amenity", "value": "cafe", "limit": -1}, code: "INVALID_PARAMETER"},
		{name: "limit too large", handler: r.HandleSearchByText, args: map[string]any{"key": "name", "text": "K", "limit": 501}, code: "INVALID_PARAMETER"},
		{name: "no index", handler: unindexed.HandleSearchByTag, args: map[string]any{"key": "amenity", "value": "cafe"}, code: "SEARCH_NOT_SUPPORTED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, text := call(t, tt.handler, tt.args)
			if !res.IsError {
				t.Fatalf("expected error result, got %s", text)
			}
			if !strings.Contains(text, tt.code) {
				t.Errorf("expected code %s in %s", tt.code, text)
			}
		})
	}
}

func TestGetVersionTraced(t *testing.T) {
	r, _, _ := newTestRegistry(t, true)
	counter := monitoring.MCPRequestsTotal.WithLabelValues("get_version", "success")
	before := testutil.ToFloat64(counter)

	res, text := call(t, r.wrapWithTracing("get_version", r.HandleGetVersion), nil)
	if res.IsError {
		t.Fatalf("get_version failed: %s", text)
	}
	info := decode[map[string]string](t, text)
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("incomplete version info %v", info)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("expected one recorded request, got %v", got)
	}
}

func TestToolsAfterShutdown(t *testing.T) {
	r, m, stop := newTestRegistry(t, true)
	stop()
	m.Close()

	res, text := call(t, r.HandleMoveTo, map[string]any{"x": 0.0, "y": 0.0})
	if !res.IsError || !strings.Contains(text, "SERVICE_UNAVAILABLE") {
		t.Errorf("expected SERVICE_UNAVAILABLE after shutdown, got %s", text)
	}
}
