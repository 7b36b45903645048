package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NERVsystems/tilestream/pkg/cache"
	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
	"github.com/NERVsystems/tilestream/pkg/osm"
	"github.com/NERVsystems/tilestream/pkg/tracing"
)

// Fetcher retrieves the raw elements of a bounding box.
type Fetcher interface {
	FetchBoundingBox(ctx context.Context, bbox geo.BoundingBox) (*osm.OverpassResponse, error)
}

// OverpassOption configures an OverpassSource.
type OverpassOption func(*OverpassSource)

// WithResponseCache keeps decoded responses for ttl, at most maxItems boxes.
func WithResponseCache(ttl time.Duration, maxItems int) OverpassOption {
	return func(s *OverpassSource) {
		s.cacheTTL = ttl
		s.cacheItems = maxItems
	}
}

// WithOverpassLogger sets the logger.
func WithOverpassLogger(logger *slog.Logger) OverpassOption {
	return func(s *OverpassSource) {
		s.logger = logger
	}
}

// OverpassSource serves elements from an Overpass interpreter. Each Get
// replaces the lookup tables, so GetNode only knows the nodes of the latest
// response, which includes way nodes outside the box.
type OverpassSource struct {
	fetcher Fetcher
	group   singleflight.Group

	cacheTTL   time.Duration
	cacheItems int
	responses  *cache.TTLCache[string, *osm.OverpassResponse]

	mu        sync.RWMutex
	active    *geo.BoundingBox
	nodes     map[int64]*element.Node
	ways      map[int64]*element.Way
	relations map[int64]*element.Relation

	logger *slog.Logger
}

// NewOverpassSource creates a source backed by f. Responses are cached for
// five minutes unless configured otherwise.
func NewOverpassSource(f Fetcher, opts ...OverpassOption) *OverpassSource {
	s := &OverpassSource{
		fetcher:    f,
		cacheTTL:   5 * time.Minute,
		cacheItems: 64,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.responses = cache.NewTTLCache[string, *osm.OverpassResponse](s.cacheTTL, time.Minute, s.cacheItems)
	s.logger = s.logger.With("component", "overpass_source")
	s.clear()
	return s
}

// Close stops the response cache janitor.
func (s *OverpassSource) Close() {
	s.responses.Stop()
}

// Get fetches bbox and yields its nodes, then ways, then relations, each group
// ordered by id.
func (s *OverpassSource) Get(ctx context.Context, bbox geo.BoundingBox) iter.Seq2[element.Element, error] {
	s.mu.Lock()
	s.active = &bbox
	s.mu.Unlock()

	return func(yield func(element.Element, error) bool) {
		resp, err := s.fetch(ctx, bbox)
		if err != nil {
			yield(nil, err)
			return
		}

		nodes, ways, relations, err := convertResponse(resp)
		if err != nil {
			yield(nil, err)
			return
		}

		s.mu.Lock()
		s.nodes, s.ways, s.relations = nodes, ways, relations
		s.mu.Unlock()

		for _, id := range sortedKeys(nodes) {
			n := nodes[id]
			if !bbox.Contains(n.Coordinate) {
				continue
			}
			if !yieldChecked(ctx, yield, element.Element(n.Clone())) {
				return
			}
		}
		for _, id := range sortedKeys(ways) {
			if !yieldChecked(ctx, yield, element.Element(ways[id].Clone())) {
				return
			}
		}
		for _, id := range sortedKeys(relations) {
			if !yieldChecked(ctx, yield, element.Element(relations[id].Clone())) {
				return
			}
		}
	}
}

func yieldChecked(ctx context.Context, yield func(element.Element, error) bool, e element.Element) bool {
	if err := ctx.Err(); err != nil {
		yield(nil, err)
		return false
	}
	return yield(e, nil)
}

// fetch returns the cached response for bbox or fetches it once, however many
// tiles ask concurrently.
func (s *OverpassSource) fetch(ctx context.Context, bbox geo.BoundingBox) (*osm.OverpassResponse, error) {
	key := bbox.String()
	if resp, ok := s.responses.Get(key); ok {
		monitoring.RecordCacheHit(tracing.CacheTypeOverpass)
		return resp, nil
	}
	monitoring.RecordCacheMiss(tracing.CacheTypeOverpass)

	ch := s.group.DoChan(key, func() (any, error) {
		start := time.Now()
		resp, err := s.fetcher.FetchBoundingBox(ctx, bbox)
		if err != nil {
			return nil, err
		}
		s.responses.Set(key, resp)
		monitoring.UpdateCacheSize(tracing.CacheTypeOverpass, s.responses.Count())
		s.logger.Debug("fetched bounding box",
			"bbox", key,
			"elements", len(resp.Elements),
			"duration", time.Since(start))
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("fetching %s: %w", key, res.Err)
		}
		return res.Val.(*osm.OverpassResponse), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetNode returns a node of the latest response, flagged IsOutOfBox when it
// lies outside the active box.
func (s *OverpassSource) GetNode(id int64) (*element.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	out := n.Clone()
	out.IsOutOfBox = s.active != nil && !s.active.Contains(out.Coordinate)
	return out, true
}

// GetWay returns an unresolved copy of a way of the latest response.
func (s *OverpassSource) GetWay(id int64) (*element.Way, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.ways[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// GetRelation returns a copy of a relation of the latest response.
func (s *OverpassSource) GetRelation(id int64) (*element.Relation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.relations[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Reset ends the active query and forgets its elements.
func (s *OverpassSource) Reset() {
	s.clear()
}

func (s *OverpassSource) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.nodes = make(map[int64]*element.Node)
	s.ways = make(map[int64]*element.Way)
	s.relations = make(map[int64]*element.Relation)
}

func convertResponse(resp *osm.OverpassResponse) (map[int64]*element.Node, map[int64]*element.Way, map[int64]*element.Relation, error) {
	nodes := make(map[int64]*element.Node)
	ways := make(map[int64]*element.Way)
	relations := make(map[int64]*element.Relation)

	for _, e := range resp.Elements {
		switch e.Type {
		case "node":
			// the recursed skeleton repeats nodes without tags
			if prev, ok := nodes[e.ID]; ok && len(prev.Tags) > 0 {
				continue
			}
			nodes[e.ID] = &element.Node{
				ID:         e.ID,
				Coordinate: geo.NewCoordinate(e.Lat, e.Lon),
				Tags:       tagsOf(e.Tags),
			}
		case "way":
			if prev, ok := ways[e.ID]; ok && len(prev.Tags) > 0 {
				continue
			}
			ways[e.ID] = &element.Way{ID: e.ID, NodeIDs: slices.Clone(e.Nodes), Tags: tagsOf(e.Tags)}
		case "relation":
			members := make([]element.Member, 0, len(e.Members))
			for _, m := range e.Members {
				kind, err := element.ParseKind(m.Type)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("relation %d: %w", e.ID, err)
				}
				members = append(members, element.Member{Kind: kind, Ref: m.Ref, Role: m.Role})
			}
			relations[e.ID] = &element.Relation{ID: e.ID, Members: members, Tags: tagsOf(e.Tags)}
		default:
			// areas and derived elements carry no raw geometry
		}
	}
	return nodes, ways, relations, nil
}

func tagsOf(m map[string]string) element.Tags {
	if len(m) == 0 {
		return nil
	}
	return element.Tags(m).Clone()
}

var _ ElementSource = (*OverpassSource)(nil)
