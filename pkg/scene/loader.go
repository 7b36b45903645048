package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/resolver"
	"github.com/NERVsystems/tilestream/pkg/source"
	"github.com/NERVsystems/tilestream/pkg/tiling"
	"github.com/NERVsystems/tilestream/pkg/tracing"
)

var errNoContent = errors.New("tile has no scene content")

// overviewSkipped lists tag keys left out of overview tiles.
var overviewSkipped = []string{"building", "amenity", "shop", "barrier"}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Loader fills tiles by resolving their bounding boxes. Scene and overview
// tiles each get their own resolver so carried state of one grid never leaks
// into the other.
//
// An element source answers lookups relative to its last Get until Reset, so
// every visit holds mu from Get to Reset, whichever grid it serves.
type Loader struct {
	provider  source.Provider
	origin    geo.Coordinate
	mu        sync.Mutex
	resolvers map[tiling.RenderMode]*resolver.Resolver
	logger    *slog.Logger
}

// NewLoader creates a loader projecting models around origin.
func NewLoader(provider source.Provider, origin geo.Coordinate, opts ...LoaderOption) *Loader {
	l := &Loader{
		provider: provider,
		origin:   origin,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "scene_loader")
	l.resolvers = map[tiling.RenderMode]*resolver.Resolver{
		tiling.RenderScene:    resolver.NewResolver(resolver.WithLogger(l.logger)),
		tiling.RenderOverview: resolver.NewResolver(resolver.WithLogger(l.logger)),
	}
	return l
}

// Load resolves the tile's bounding box and builds its models.
func (l *Loader) Load(ctx context.Context, t *tiling.Tile) error {
	ctx, span := tracing.StartSpan(ctx, "scene.load",
		trace.WithAttributes(
			attribute.String(tracing.AttrTileMode, t.Mode.String()),
			attribute.String(tracing.AttrTileBBox, t.BBox.String()),
		),
	)
	defer span.End()

	content, ok := ContentOf(t)
	if !ok {
		span.SetStatus(codes.Error, errNoContent.Error())
		return fmt.Errorf("loading %s: %w", t, errNoContent)
	}

	src, err := l.provider.Source(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no element source")
		return fmt.Errorf("loading %s: %w", t, err)
	}

	b := &builder{tile: t, content: content, origin: l.origin}

	r, ok := l.resolvers[t.Mode]
	if !ok {
		span.SetStatus(codes.Error, "unknown render mode")
		return fmt.Errorf("loading %s: unknown render mode %d", t, t.Mode)
	}
	l.mu.Lock()
	err = r.VisitBoundingBox(ctx, t.BBox, src, b)
	l.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolving tile failed")
		return fmt.Errorf("loading %s: %w", t, err)
	}

	span.SetAttributes(attribute.Int(tracing.AttrTileElements, b.built))
	span.SetStatus(codes.Ok, "")
	l.logger.Debug("tile built",
		"tile", t.String(),
		"built", b.built,
		"duplicates", b.duplicates,
		"skipped", b.skipped)
	return nil
}

// ResolverState returns the carried resolver state of one grid.
func (l *Loader) ResolverState(mode tiling.RenderMode) (pendingWays, unresolvedNodes int) {
	r, ok := l.resolvers[mode]
	if !ok {
		return 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.PendingWays(), r.UnresolvedNodes()
}

// registryID maps an element key to a registry id that is unique across kinds.
func registryID(k element.Key) int64 {
	return k.ID<<2 | int64(k.Kind)
}

// builder receives resolved elements for one tile. Elements already
// materialized by this or another tile are skipped.
type builder struct {
	tile    *tiling.Tile
	content *Content
	origin  geo.Coordinate

	built      int
	duplicates int
	skipped    int
}

func (b *builder) Visit(e element.Element) {
	if b.tile.Mode == tiling.RenderOverview && !keepInOverview(e) {
		b.skipped++
		return
	}

	switch el := e.(type) {
	case *element.Node:
		b.visitNode(el)
	case *element.Way:
		b.visitWay(el)
	case *element.Relation:
		b.visitRelation(el)
	}
}

func keepInOverview(e element.Element) bool {
	if e.Kind() == element.KindNode {
		return false
	}
	tags := e.ElementTags()
	return !slices.ContainsFunc(overviewSkipped, func(k string) bool {
		_, ok := tags[k]
		return ok
	})
}

func (b *builder) visitNode(n *element.Node) {
	// untagged nodes only carry way geometry
	if len(n.Tags) == 0 || n.IsOutOfBox {
		b.skipped++
		return
	}
	// boxes of adjacent tiles share their edges, the rectangles do not
	point := geo.ToMapPoint(b.origin, n.Coordinate)
	if !b.tile.Rect.Contains(point) {
		b.skipped++
		return
	}
	key := element.KeyOf(n)
	if !b.claimLocal(key) {
		return
	}
	b.add(&Model{
		Key:    key,
		Kind:   ModelPoint,
		Tags:   n.Tags,
		Points: []geo.MapPoint{point},
	})
}

func (b *builder) visitWay(w *element.Way) {
	if !w.IsResolved() {
		b.skipped++
		return
	}

	crossing := slices.ContainsFunc(w.Nodes, func(n *element.Node) bool {
		return n.IsOutOfBox || !b.tile.BBox.Contains(n.Coordinate)
	})

	key := element.KeyOf(w)
	if crossing {
		if !b.claimGlobal(key) {
			return
		}
	} else if !b.claimLocal(key) {
		return
	}

	points := make([]geo.MapPoint, len(w.Nodes))
	for i, n := range w.Nodes {
		points[i] = geo.ToMapPoint(b.origin, n.Coordinate)
	}

	kind := ModelLine
	if w.IsClosed() && len(w.Nodes) >= 4 {
		kind = ModelArea
	}
	b.add(&Model{Key: key, Kind: kind, Tags: w.Tags, Points: points, Global: crossing})
}

func (b *builder) visitRelation(r *element.Relation) {
	if len(r.Members) == 0 {
		b.skipped++
		return
	}
	key := element.KeyOf(r)
	// relations span tiles more often than not
	if !b.claimGlobal(key) {
		return
	}
	b.add(&Model{Key: key, Kind: ModelRelation, Tags: r.Tags, Members: len(r.Members), Global: true})
}

func (b *builder) claimLocal(key element.Key) bool {
	id := registryID(key)
	if b.tile.Registry.Contains(id) {
		b.duplicates++
		return false
	}
	b.tile.Registry.Register(id)
	return true
}

func (b *builder) claimGlobal(key element.Key) bool {
	id := registryID(key)
	if b.tile.Registry.Contains(id) || !b.tile.Registry.RegisterGlobal(id) {
		b.duplicates++
		return false
	}
	return true
}

func (b *builder) add(m *Model) {
	b.content.add(m)
	b.built++
}

var _ tiling.Loader = (*Loader)(nil)
