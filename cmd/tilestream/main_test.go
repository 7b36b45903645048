package main

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/source"
	"github.com/NERVsystems/tilestream/pkg/tiling"
)

// setFlags overrides flag variables for one test and restores them after.
func setFlags(t *testing.T, set func()) {
	t.Helper()
	saved := struct {
		origin, renderMode, dataFile string
		size, offset, sens, viewport float64
		overviewScale, maxLoads      int
		autoClean                    bool
	}{origin, renderMode, dataFile, tileSize, tileOffset, sensitivity, viewport, overviewScale, maxLoads, autoClean}
	t.Cleanup(func() {
		origin, renderMode, dataFile = saved.origin, saved.renderMode, saved.dataFile
		tileSize, tileOffset, sensitivity, viewport = saved.size, saved.offset, saved.sens, saved.viewport
		overviewScale, maxLoads, autoClean = saved.overviewScale, saved.maxLoads, saved.autoClean
	})
	set()
}

func TestTilingConfigDefaults(t *testing.T) {
	cfg, err := tilingConfig()
	if err != nil {
		t.Fatalf("tilingConfig() with default flags: %v", err)
	}
	if math.Abs(cfg.Origin.Latitude-52.5163) > 1e-9 || math.Abs(cfg.Origin.Longitude-13.3777) > 1e-9 {
		t.Errorf("origin = %s", cfg.Origin)
	}
	if cfg.Viewport.Width != 3*cfg.Size || cfg.Viewport.Height != 3*cfg.Size {
		t.Errorf("viewport = %gx%g, want three tiles", cfg.Viewport.Width, cfg.Viewport.Height)
	}
	if cfg.RenderMode != tiling.RenderScene {
		t.Errorf("render mode = %s", cfg.RenderMode)
	}
}

func TestTilingConfigFromFlags(t *testing.T) {
	setFlags(t, func() {
		origin = "33U 391000 5820000"
		renderMode = "overview"
		tileSize = 200
		tileOffset = 20
		viewport = 1000
		overviewScale = 2
	})

	cfg, err := tilingConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Size != 200 || cfg.Offset != 20 || cfg.OverviewScale != 2 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.RenderMode != tiling.RenderOverview {
		t.Errorf("render mode = %s, want overview", cfg.RenderMode)
	}
	if cfg.Viewport.Width != 1000 {
		t.Errorf("viewport width = %g, want 1000", cfg.Viewport.Width)
	}
	if math.Abs(cfg.Origin.Latitude-52.519196) > 1e-5 {
		t.Errorf("origin latitude = %f", cfg.Origin.Latitude)
	}
}

func TestTilingConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		set  func()
		code core.ErrorCode
	}{
		{"bad origin", func() { origin = "somewhere" }, core.ErrInvalidInput},
		{"bad mode", func() { renderMode = "wireframe" }, core.ErrInvalidConfig},
		{"offset too large", func() { tileOffset = tileSize }, core.ErrInvalidConfig},
		{"no loads", func() { maxLoads = 0 }, core.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFlags(t, tt.set)
			_, err := tilingConfig()
			if !core.HasCode(err, tt.code) {
				t.Errorf("tilingConfig() = %v, want %s", err, tt.code)
			}
		})
	}
}

const sampleOSM = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <node id="1" lat="52.5163" lon="13.3777"><tag k="tourism" v="attraction"/></node>
  <node id="2" lat="52.5165" lon="13.3780"/>
  <way id="10"><nd ref="1"/><nd ref="2"/><tag k="highway" v="pedestrian"/></way>
</osm>`

func TestOpenSourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.osm")
	if err := os.WriteFile(path, []byte(sampleOSM), 0o600); err != nil {
		t.Fatal(err)
	}
	setFlags(t, func() { dataFile = path })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, cleanup, err := openSource(context.Background(), logger, nil)
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	defer cleanup()

	mem, ok := src.(*source.MemorySource)
	if !ok {
		t.Fatalf("source is %T, want *source.MemorySource", src)
	}
	if nodes, ways, _ := mem.Counts(); nodes != 2 || ways != 1 {
		t.Errorf("counts = %d nodes, %d ways", nodes, ways)
	}
	if _, ok := mem.Index(); !ok {
		t.Error("file source has no search index")
	}
}

func TestOpenSourceMissingFile(t *testing.T) {
	setFlags(t, func() { dataFile = filepath.Join(t.TempDir(), "missing.osm") })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, _, err := openSource(context.Background(), logger, nil); err == nil {
		t.Fatal("openSource succeeded for a missing file")
	}
}
