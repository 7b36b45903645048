package source

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/index"
)

// pointTolerance is the half edge, in degrees, of the R-tree box stored per node.
const pointTolerance = 1e-9

type nodeEntry struct {
	node *element.Node
}

// Bounds implements rtreego.Spatial.
func (e *nodeEntry) Bounds() rtreego.Rect {
	c := e.node.Coordinate
	rect, _ := rtreego.NewRect(
		rtreego.Point{c.Longitude - pointTolerance, c.Latitude - pointTolerance},
		[]float64{2 * pointTolerance, 2 * pointTolerance},
	)
	return rect
}

// MemoryOption configures a MemorySource.
type MemoryOption func(*MemorySource)

// WithStrictBounds makes node lookups outside the active query box fail, the
// way a paginated remote source behaves.
func WithStrictBounds() MemoryOption {
	return func(s *MemorySource) {
		s.strict = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemorySource) {
		s.logger = logger
	}
}

// MemorySource is an in-memory element source with an R-tree over node
// positions. After BuildIndex it also serves tag searches.
type MemorySource struct {
	mu        sync.RWMutex
	nodes     map[int64]*nodeEntry
	ways      map[int64]*element.Way
	relations map[int64]*element.Relation
	nodeWays  map[int64][]int64
	memberOf  map[element.Key][]int64
	tree      *rtreego.Rtree

	active *geo.BoundingBox
	strict bool
	index  *index.Index
	logger *slog.Logger
}

// NewMemorySource creates an empty source.
func NewMemorySource(opts ...MemoryOption) *MemorySource {
	s := &MemorySource{
		nodes:     make(map[int64]*nodeEntry),
		ways:      make(map[int64]*element.Way),
		relations: make(map[int64]*element.Relation),
		nodeWays:  make(map[int64][]int64),
		memberOf:  make(map[element.Key][]int64),
		tree:      rtreego.NewTree(2, 25, 50),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "memory_source")
	return s
}

// Add stores a copy of e. Adding a node id twice moves the node.
func (s *MemorySource) Add(e element.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch el := e.(type) {
	case *element.Node:
		if old, ok := s.nodes[el.ID]; ok {
			s.tree.Delete(old)
		}
		entry := &nodeEntry{node: el.Clone()}
		entry.node.IsOutOfBox = false
		s.nodes[el.ID] = entry
		s.tree.Insert(entry)
	case *element.Way:
		if _, ok := s.ways[el.ID]; ok {
			return fmt.Errorf("duplicate way %d", el.ID)
		}
		s.ways[el.ID] = el.Clone()
		for _, id := range uniqueIDs(el.NodeIDs) {
			s.nodeWays[id] = append(s.nodeWays[id], el.ID)
		}
	case *element.Relation:
		if _, ok := s.relations[el.ID]; ok {
			return fmt.Errorf("duplicate relation %d", el.ID)
		}
		s.relations[el.ID] = el.Clone()
		for _, m := range el.Members {
			key := element.Key{Kind: m.Kind, ID: m.Ref}
			s.memberOf[key] = append(s.memberOf[key], el.ID)
		}
	default:
		return fmt.Errorf("unsupported element type %T", e)
	}
	return nil
}

// BuildIndex builds the tag search index over every stored element.
func (s *MemorySource) BuildIndex(opts ...index.BuilderOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := index.NewBuilder(opts...)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(s.nodes) {
		if err := b.Add(s.nodes[id].node); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(s.ways) {
		if err := b.Add(s.ways[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(s.relations) {
		if err := b.Add(s.relations[id]); err != nil {
			return err
		}
	}

	idx, err := b.Build()
	if err != nil {
		return err
	}
	s.index = idx
	s.logger.Debug("built search index",
		"pairs", idx.KvIndex.Len(),
		"element_bytes", idx.Elements.Size())
	return nil
}

// Index implements Indexed.
func (s *MemorySource) Index() (*index.Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index, s.index != nil
}

// Counts returns the number of stored nodes, ways and relations.
func (s *MemorySource) Counts() (nodes, ways, relations int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.ways), len(s.relations)
}

// Get yields the nodes inside bbox, then every way with a node inside, then
// every relation with one of those nodes or ways as member. Each group is
// ordered by id.
func (s *MemorySource) Get(ctx context.Context, bbox geo.BoundingBox) iter.Seq2[element.Element, error] {
	s.mu.Lock()
	s.active = &bbox
	s.mu.Unlock()

	return func(yield func(element.Element, error) bool) {
		nodes, ways, relations := s.query(bbox)

		for _, n := range nodes {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(n, nil) {
				return
			}
		}
		for _, w := range ways {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(w, nil) {
				return
			}
		}
		for _, r := range relations {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *MemorySource) query(bbox geo.BoundingBox) ([]*element.Node, []*element.Way, []*element.Relation) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []*element.Node
	for _, sp := range s.tree.SearchIntersect(searchRect(bbox)) {
		n := sp.(*nodeEntry).node
		if bbox.Contains(n.Coordinate) {
			nodes = append(nodes, n.Clone())
		}
	}
	slices.SortFunc(nodes, func(a, b *element.Node) int { return cmp.Compare(a.ID, b.ID) })

	wayIDs := make(map[int64]struct{})
	for _, n := range nodes {
		for _, id := range s.nodeWays[n.ID] {
			wayIDs[id] = struct{}{}
		}
	}
	ways := make([]*element.Way, 0, len(wayIDs))
	for _, id := range sortedSet(wayIDs) {
		ways = append(ways, s.ways[id].Clone())
	}

	relIDs := make(map[int64]struct{})
	for _, n := range nodes {
		for _, id := range s.memberOf[element.Key{Kind: element.KindNode, ID: n.ID}] {
			relIDs[id] = struct{}{}
		}
	}
	for _, w := range ways {
		for _, id := range s.memberOf[element.Key{Kind: element.KindWay, ID: w.ID}] {
			relIDs[id] = struct{}{}
		}
	}
	relations := make([]*element.Relation, 0, len(relIDs))
	for _, id := range sortedSet(relIDs) {
		relations = append(relations, s.relations[id].Clone())
	}

	return nodes, ways, relations
}

// GetNode returns a copy of the node. Outside the active query box the node is
// flagged IsOutOfBox, or reported missing when strict bounds are enabled.
func (s *MemorySource) GetNode(id int64) (*element.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	n := entry.node.Clone()
	if s.active != nil && !s.active.Contains(n.Coordinate) {
		if s.strict {
			return nil, false
		}
		n.IsOutOfBox = true
	}
	return n, true
}

// GetWay returns an unresolved copy of the way.
func (s *MemorySource) GetWay(id int64) (*element.Way, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.ways[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// GetRelation returns an unresolved copy of the relation.
func (s *MemorySource) GetRelation(id int64) (*element.Relation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.relations[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Reset ends the active query.
func (s *MemorySource) Reset() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

func searchRect(bbox geo.BoundingBox) rtreego.Rect {
	w := max(bbox.MaxLon-bbox.MinLon, 2*pointTolerance)
	h := max(bbox.MaxLat-bbox.MinLat, 2*pointTolerance)
	rect, _ := rtreego.NewRect(rtreego.Point{bbox.MinLon, bbox.MinLat}, []float64{w, h})
	return rect
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedSet(m map[int64]struct{}) []int64 {
	return sortedKeys(m)
}
