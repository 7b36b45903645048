package tiling

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
	"github.com/NERVsystems/tilestream/pkg/tracing"
)

// ErrClosed is returned by Do once the manager is closed.
var ErrClosed = errors.New("tiling: manager closed")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithGlobalRegistry shares an existing global registry for the tiles of one
// grid. Each grid has its own set because the same entity is built once per
// render mode.
func WithGlobalRegistry(mode RenderMode, g *GlobalRegistry) ManagerOption {
	return func(m *Manager) {
		m.globals[mode] = g
	}
}

// WithContext sets the parent context of every load.
func WithContext(ctx context.Context) ManagerOption {
	return func(m *Manager) {
		m.parent = ctx
	}
}

type completion struct {
	mode       RenderMode
	cell       Cell
	generation uint64
	err        error
	duration   time.Duration
}

// Manager keeps the scene and overview grids around the current position.
//
// A Manager is owned by one goroutine: every method except Do and Stats must
// be called from it. Run makes the calling goroutine the owner.
type Manager struct {
	cfg       Config
	loader    Loader
	activator Activator
	globals   map[RenderMode]*GlobalRegistry
	logger    *slog.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	grids map[RenderMode]map[Cell]*Tile

	position    geo.MapPoint
	hasPosition bool
	current     *Tile

	generation  uint64
	inflight    int
	completions chan completion
	calls       chan func()
	closeOnce   sync.Once

	sceneTiles    atomic.Int64
	overviewTiles atomic.Int64
}

// NewManager creates a manager with an empty grid. A nil activator creates no
// content.
func NewManager(cfg Config, loader Loader, activator Activator, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "tile loader is required")
	}
	if activator == nil {
		activator = NopActivator{}
	}

	m := &Manager{
		cfg:       cfg,
		loader:    loader,
		activator: activator,
		logger:    slog.Default(),
		parent:    context.Background(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentLoads)),
		grids: map[RenderMode]map[Cell]*Tile{
			RenderScene:    make(map[Cell]*Tile),
			RenderOverview: make(map[Cell]*Tile),
		},
		globals:     make(map[RenderMode]*GlobalRegistry),
		completions: make(chan completion, 64),
		calls:       make(chan func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, mode := range []RenderMode{RenderScene, RenderOverview} {
		if m.globals[mode] == nil {
			m.globals[mode] = NewGlobalRegistry()
		}
	}
	m.logger = m.logger.With("component", "tile_manager")
	m.ctx, m.cancel = context.WithCancel(m.parent)
	return m, nil
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Configure validates and applies cfg. On error the previous configuration
// stays in place. Changing the size, overview scale or origin disposes every
// tile because their areas no longer match the grid.
func (m *Manager) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	old := m.cfg
	m.cfg = cfg
	if cfg.MaxConcurrentLoads != old.MaxConcurrentLoads {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentLoads))
	}
	if !old.sameGrid(cfg) {
		m.disposeAll()
	}
	m.cfg.RenderMode = old.RenderMode
	m.switchMode(cfg.RenderMode)

	m.logger.Info("configured",
		"size", cfg.Size,
		"offset", cfg.Offset,
		"sensitivity", cfg.Sensitivity,
		"autoclean", cfg.AutoClean,
		"render_mode", cfg.RenderMode.String())

	m.refresh()
	return nil
}

// OnPosition moves the tracked position to p unless it is closer than the
// configured sensitivity to the last accepted one.
func (m *Manager) OnPosition(p geo.MapPoint) {
	if m.hasPosition && p.DistanceTo(m.position) < m.cfg.Sensitivity {
		return
	}
	previous, moved := m.position, m.hasPosition
	m.position = p
	m.hasPosition = true
	if moved {
		m.crossCells(previous, p)
	}
	m.update()
}

// crossCells ensures the scene cells between two accepted positions that are
// more than one cell apart.
func (m *Manager) crossCells(from, to geo.MapPoint) {
	if cellOf(from, m.cfg.Size).chebyshev(cellOf(to, m.cfg.Size)) <= 1 {
		return
	}
	path := cellsAlong(from, to, m.cfg.Size)
	m.logger.Debug("position jumped", "from", from.String(), "to", to.String(), "cells", len(path))
	for _, c := range path {
		m.ensure(RenderScene, c)
	}
}

// OnCoordinate projects c through the configured origin and calls OnPosition.
func (m *Manager) OnCoordinate(c geo.Coordinate) {
	m.OnPosition(geo.ToMapPoint(m.cfg.Origin, c))
}

// Position returns the last accepted position.
func (m *Manager) Position() (geo.MapPoint, bool) {
	return m.position, m.hasPosition
}

// CurrentTile returns the scene tile containing the last accepted position,
// or nil before the first update.
func (m *Manager) CurrentTile() *Tile {
	return m.current
}

// Mode returns the render mode.
func (m *Manager) Mode() RenderMode {
	return m.cfg.RenderMode
}

// SetMode switches the render mode. Tiles of the other grid are kept.
func (m *Manager) SetMode(mode RenderMode) error {
	if mode != RenderScene && mode != RenderOverview {
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("unknown render mode %d", int(mode)))
	}
	if mode == m.cfg.RenderMode {
		return nil
	}
	m.switchMode(mode)
	m.refresh()
	return nil
}

// Viewport returns the viewport sizing the overview ring.
func (m *Manager) Viewport() geo.MapRectangle {
	return m.cfg.Viewport
}

// SetViewport resizes the overview ring.
func (m *Manager) SetViewport(r geo.MapRectangle) error {
	if r.Width <= 0 || r.Height <= 0 {
		return core.NewError(core.ErrInvalidConfig,
			fmt.Sprintf("viewport must have a positive size, got %gx%g", r.Width, r.Height))
	}
	m.cfg.Viewport = r
	m.refresh()
	return nil
}

// Tiles returns the tiles of one grid ordered by cell.
func (m *Manager) Tiles(mode RenderMode) []*Tile {
	grid := m.grids[mode]
	tiles := make([]*Tile, 0, len(grid))
	for _, t := range grid {
		tiles = append(tiles, t)
	}
	slices.SortFunc(tiles, func(a, b *Tile) int {
		if c := cmp.Compare(a.Cell.I, b.Cell.I); c != 0 {
			return c
		}
		return cmp.Compare(a.Cell.J, b.Cell.J)
	})
	return tiles
}

// TileCount returns the number of tiles in one grid.
func (m *Manager) TileCount(mode RenderMode) int {
	return len(m.grids[mode])
}

// Tile returns the tile of one grid at cell.
func (m *Manager) Tile(mode RenderMode, cell Cell) (*Tile, bool) {
	t, ok := m.grids[mode][cell]
	return t, ok
}

// GlobalRegistry returns the shared registry of one grid.
func (m *Manager) GlobalRegistry(mode RenderMode) *GlobalRegistry {
	return m.globals[mode]
}

// InFlight returns the number of loads whose completion has not been applied.
func (m *Manager) InFlight() int {
	return m.inflight
}

// Stats returns the tile count per grid. It is safe to call from any
// goroutine.
func (m *Manager) Stats() map[string]int {
	return map[string]int{
		RenderScene.String():    int(m.sceneTiles.Load()),
		RenderOverview.String(): int(m.overviewTiles.Load()),
	}
}

func (m *Manager) switchMode(mode RenderMode) {
	if mode == m.cfg.RenderMode {
		return
	}
	m.cfg.RenderMode = mode
	for _, t := range m.grids[RenderOverview] {
		if t.state != TileLoaded {
			continue
		}
		switch {
		case mode == RenderOverview && !t.active:
			m.activator.Activate(t)
			t.active = true
		case mode == RenderScene && t.active:
			m.activator.Deactivate(t)
			t.active = false
		}
	}
	m.logger.Debug("render mode changed", "mode", mode.String())
}

func (m *Manager) refresh() {
	if m.hasPosition {
		m.update()
		return
	}
	m.publish()
}

// update brings both grids in line with the current position.
func (m *Manager) update() {
	p := m.position
	cell := cellOf(p, m.cfg.Size)
	for _, c := range m.sceneCells(p, cell) {
		m.ensure(RenderScene, c)
	}
	m.current = m.grids[RenderScene][cell]

	ring := cellOf(p, m.cfg.overviewSize())
	for _, c := range m.overviewCells(ring) {
		m.ensure(RenderOverview, c)
	}

	if m.cfg.AutoClean {
		m.clean(cell, ring)
	}
	m.publish()
}

// sceneCells returns cell plus the neighbours p is close enough to.
func (m *Manager) sceneCells(p geo.MapPoint, cell Cell) []Cell {
	threshold := m.cfg.Size/2 - m.cfg.Offset
	d := p.Sub(centerOf(cell, m.cfg.Size))

	step := func(v float64) int {
		switch {
		case v >= threshold:
			return 1
		case v <= -threshold:
			return -1
		default:
			return 0
		}
	}
	di, dj := step(d.X), step(d.Y)

	cells := []Cell{cell}
	if di != 0 {
		cells = append(cells, cell.add(di, 0))
	}
	if dj != 0 {
		cells = append(cells, cell.add(0, dj))
	}
	if di != 0 && dj != 0 {
		cells = append(cells, cell.add(di, dj))
	}
	return cells
}

func (m *Manager) ringRadius() (int, int) {
	size := m.cfg.overviewSize()
	radius := func(extent float64) int {
		return max(0, int(math.Floor((extent/size-1)/2)))
	}
	return radius(m.cfg.Viewport.Width), radius(m.cfg.Viewport.Height)
}

// overviewCells returns the block around center. At scale 1 the centre
// matches the scene tile and is left out; larger centre cells reach past the
// scene grid and are kept.
func (m *Manager) overviewCells(center Cell) []Cell {
	rx, ry := m.ringRadius()
	skipCenter := m.cfg.OverviewScale == 1
	cells := make([]Cell, 0, (2*rx+1)*(2*ry+1))
	for dj := -ry; dj <= ry; dj++ {
		for di := -rx; di <= rx; di++ {
			if skipCenter && di == 0 && dj == 0 {
				continue
			}
			cells = append(cells, center.add(di, dj))
		}
	}
	return cells
}

func (m *Manager) clean(cell, ring Cell) {
	for c, t := range m.grids[RenderScene] {
		if c.chebyshev(cell) > 1 {
			m.dispose(t)
		}
	}
	rx, ry := m.ringRadius()
	for c, t := range m.grids[RenderOverview] {
		if abs(c.I-ring.I) > rx+1 || abs(c.J-ring.J) > ry+1 {
			m.dispose(t)
		}
	}
}

// ensure returns the tile at cell, creating and loading it when missing and
// retrying it when its last load failed.
func (m *Manager) ensure(mode RenderMode, cell Cell) *Tile {
	grid := m.grids[mode]
	if t, ok := grid[cell]; ok {
		if t.state == TileFailed {
			m.logger.Debug("retrying tile", "tile", t.String())
			m.startLoad(t)
		}
		return t
	}

	size := m.cfg.Size
	if mode == RenderOverview {
		size = m.cfg.overviewSize()
	}
	t := newTile(mode, cell, size, m.cfg.Origin, m.globals[mode])
	t.Content = m.activator.Create(t)
	grid[cell] = t
	m.logger.Debug("tile created", "tile", t.String(), "bbox", t.BBox.String())
	m.startLoad(t)
	return t
}

func (m *Manager) startLoad(t *Tile) {
	m.generation++
	ctx, cancel := context.WithCancel(m.ctx)
	t.state = TileLoading
	t.err = nil
	t.generation = m.generation
	t.cancel = cancel
	m.inflight++
	go m.load(ctx, m.sem, t, m.generation)
}

// load runs on its own goroutine and only reads the tile's exported fields.
func (m *Manager) load(ctx context.Context, sem *semaphore.Weighted, t *Tile, generation uint64) {
	mode, cell := t.Mode, t.Cell
	ctx, span := tracing.StartSpan(ctx, "tiling.load",
		trace.WithAttributes(tracing.TileAttributes(mode.String(), cell.I, cell.J, generation)...),
	)
	defer span.End()

	start := time.Now()
	err := sem.Acquire(ctx, 1)
	if err == nil {
		err = m.loader.Load(ctx, t)
		sem.Release(1)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tile load failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	c := completion{mode: mode, cell: cell, generation: generation, err: err, duration: time.Since(start)}
	select {
	case m.completions <- c:
	case <-m.ctx.Done():
	}
}

// apply records a finished load. Completions for disposed or reloaded tiles
// are dropped.
func (m *Manager) apply(c completion) {
	m.inflight--

	t, ok := m.grids[c.mode][c.cell]
	if !ok || t.generation != c.generation || t.state != TileLoading {
		monitoring.RecordStaleCompletion()
		m.logger.Debug("discarding stale completion", "mode", c.mode.String(), "cell", c.cell.String())
		return
	}
	t.cancel()
	t.cancel = nil

	monitoring.RecordTileLoad(c.mode.String(), c.duration, c.err == nil)
	if c.err != nil {
		t.state = TileFailed
		t.err = c.err
		monitoring.RecordError("tiling", "load_failed")
		m.logger.Warn("tile load failed", "tile", t.String(), "error", c.err)
		return
	}

	t.state = TileLoaded
	if c.mode == RenderScene || m.cfg.RenderMode == RenderOverview {
		m.activator.Activate(t)
		t.active = true
	}
	m.logger.Debug("tile loaded", "tile", t.String(), "duration", c.duration)
}

// ProcessCompletions applies every finished load without blocking and returns
// how many were handled.
func (m *Manager) ProcessCompletions() int {
	n := 0
	for {
		select {
		case c := <-m.completions:
			m.apply(c)
			n++
		default:
			return n
		}
	}
}

// Settle blocks until no load is in flight.
func (m *Manager) Settle(ctx context.Context) error {
	for m.inflight > 0 {
		select {
		case c := <-m.completions:
			m.apply(c)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run makes the calling goroutine the owner: it consumes positions, applies
// completions and runs functions passed to Do until ctx is done.
func (m *Manager) Run(ctx context.Context, positions <-chan geo.MapPoint) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			m.OnPosition(p)
		case c := <-m.completions:
			m.apply(c)
		case fn := <-m.calls:
			fn()
		}
	}
}

// Do runs fn on the owner goroutine and waits for it. It requires Run.
func (m *Manager) Do(ctx context.Context, fn func(*Manager)) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn(m)
	}

	select {
	case m.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
	<-done
	return nil
}

// Close disposes every tile and cancels in-flight loads.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.disposeAll()
		m.cancel()
		m.inflight = 0
		m.publish()
		m.logger.Debug("tile manager closed")
	})
}

func (m *Manager) disposeAll() {
	for _, grid := range m.grids {
		for _, t := range grid {
			m.dispose(t)
		}
	}
	m.current = nil
}

// dispose removes t from its grid. A load still running is cancelled and its
// completion will be stale.
func (m *Manager) dispose(t *Tile) {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.active {
		m.activator.Deactivate(t)
		t.active = false
	}
	m.activator.Destroy(t)
	t.Registry.Dispose()
	t.state = TileDisposed
	delete(m.grids[t.Mode], t.Cell)
	if m.current == t {
		m.current = nil
	}
	monitoring.RecordTileDisposed(t.Mode.String())
	m.logger.Debug("tile disposed", "tile", t.String())
}

func (m *Manager) publish() {
	scene, overview := len(m.grids[RenderScene]), len(m.grids[RenderOverview])
	m.sceneTiles.Store(int64(scene))
	m.overviewTiles.Store(int64(overview))
	monitoring.UpdateTilesActive(RenderScene.String(), scene)
	monitoring.UpdateTilesActive(RenderOverview.String(), overview)
}
