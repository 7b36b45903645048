// Package resolver turns the raw elements of a bounding-box query into fully
// resolved elements.
//
// A way can reference nodes the current query cannot see. The resolver keeps
// two maps across queries so such ways are completed by a later, adjacent
// query instead of being lost:
//
//   - the unresolved-node cache holds nodes seen by incomplete ways;
//   - the pending set holds ways that are either incomplete (deferred) or
//     complete but reaching outside the box they were resolved in.
//
// A Resolver is single-owner state. Callers that visit from several goroutines
// serialize access themselves.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
	"github.com/NERVsystems/tilestream/pkg/source"
	"github.com/NERVsystems/tilestream/pkg/tracing"
)

// Visitor receives resolved elements.
type Visitor interface {
	Visit(e element.Element)
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(e element.Element)

// Visit calls f(e).
func (f VisitorFunc) Visit(e element.Element) { f(e) }

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

type pendingWay struct {
	way *element.Way

	// deferred ways still miss nodes; the others are complete but have
	// nodes outside the box they were resolved in.
	deferred bool

	// fresh entries were added by the running visit and are left alone by
	// its leftover pass.
	fresh bool
}

// Resolver resolves way nodes and relation members.
type Resolver struct {
	pending    map[int64]*pendingWay
	unresolved map[int64]*element.Node
	logger     *slog.Logger
}

// NewResolver creates a resolver with empty caches.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		pending:    make(map[int64]*pendingWay),
		unresolved: make(map[int64]*element.Node),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver")
	return r
}

// PendingWays returns the number of ways held across queries.
func (r *Resolver) PendingWays() int {
	return len(r.pending)
}

// UnresolvedNodes returns the number of cached nodes waiting for their ways.
func (r *Resolver) UnresolvedNodes() int {
	return len(r.unresolved)
}

// visit tracks what one VisitBoundingBox call emitted.
type visit struct {
	v       Visitor
	emitted map[element.Key]struct{}
	count   int
}

func (vs *visit) emit(e element.Element) {
	vs.v.Visit(e)
	vs.emitted[element.KeyOf(e)] = struct{}{}
	vs.count++
	monitoring.RecordResolverEmitted(e.Kind().String())
}

func (vs *visit) wasEmitted(e element.Element) bool {
	_, ok := vs.emitted[element.KeyOf(e)]
	return ok
}

// VisitBoundingBox queries src for bbox and hands every element that can be
// resolved to v. Ways missing nodes are held back until a later call resolves
// them. The source is reset before returning, also on error.
func (r *Resolver) VisitBoundingBox(ctx context.Context, bbox geo.BoundingBox, src source.ElementSource, v Visitor) error {
	ctx, span := tracing.StartSpan(ctx, "resolver.visit_bbox",
		trace.WithAttributes(attribute.String(tracing.AttrTileBBox, bbox.String())),
	)
	defer span.End()

	vs := &visit{v: v, emitted: make(map[element.Key]struct{})}

	for e, err := range src.Get(ctx, bbox) {
		if err != nil {
			src.Reset()
			r.publish()
			span.RecordError(err)
			span.SetStatus(codes.Error, "source query failed")
			return fmt.Errorf("querying %s: %w", bbox, err)
		}

		switch el := e.(type) {
		case *element.Node:
			vs.emit(el)
		case *element.Way:
			r.visitWay(el, src, vs)
		case *element.Relation:
			r.resolveMembers(el, src)
			vs.emit(el)
		default:
			r.logger.Warn("skipping unexpected element", "type", fmt.Sprintf("%T", e))
		}
	}

	src.Reset()
	r.visitLeftovers(bbox, vs)
	r.publish()

	span.SetAttributes(
		attribute.Int(tracing.AttrResolverEmitted, vs.count),
		attribute.Int(tracing.AttrResolverPending, len(r.pending)),
		attribute.Int(tracing.AttrResolverUnresolved, len(r.unresolved)),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *Resolver) publish() {
	monitoring.UpdateResolverState(len(r.pending), len(r.unresolved))
}

func (r *Resolver) visitWay(w *element.Way, src source.ElementSource, vs *visit) {
	nodes := make([]*element.Node, len(w.NodeIDs))
	var fromCache []int64
	complete := true
	closed := w.IsClosed()
	last := len(w.NodeIDs) - 1

	for i, id := range w.NodeIDs {
		if n, ok := src.GetNode(id); ok {
			nodes[i] = n
			continue
		}
		if n, ok := r.unresolved[id]; ok {
			nodes[i] = n.Clone()
			fromCache = append(fromCache, id)
			// a closed way needs its first node again at the end
			if closed && i == last {
				delete(r.unresolved, id)
			}
			continue
		}
		complete = false
	}

	if !complete {
		for _, n := range nodes {
			if n == nil {
				continue
			}
			if _, ok := r.unresolved[n.ID]; !ok {
				r.unresolved[n.ID] = n.Clone()
			}
		}
		if _, ok := r.pending[w.ID]; !ok {
			r.pending[w.ID] = &pendingWay{way: w.Clone(), deferred: true, fresh: true}
			monitoring.RecordResolverDeferred()
			r.logger.Debug("deferred way", "way", w.ID, "nodes", len(w.NodeIDs))
		}
		return
	}

	w.Nodes = nodes
	vs.emit(w)

	prev, tracked := r.pending[w.ID]
	if tracked && prev.deferred {
		delete(r.pending, w.ID)
		r.releaseCached(fromCache)
		tracked = false
	}

	if !tracked && slices.ContainsFunc(nodes, func(n *element.Node) bool { return n.IsOutOfBox }) {
		r.pending[w.ID] = &pendingWay{way: cloneResolved(w), fresh: true}
	}
}

// releaseCached drops cache entries no deferred way still needs.
func (r *Resolver) releaseCached(ids []int64) {
	for _, id := range ids {
		if _, ok := r.unresolved[id]; !ok {
			continue
		}
		if r.referencedByDeferred(id) {
			continue
		}
		delete(r.unresolved, id)
	}
}

func (r *Resolver) referencedByDeferred(id int64) bool {
	for _, p := range r.pending {
		if p.deferred && slices.Contains(p.way.NodeIDs, id) {
			return true
		}
	}
	return false
}

func (r *Resolver) resolveMembers(rel *element.Relation, src source.ElementSource) {
	members := rel.Members[:0]
	for _, m := range rel.Members {
		switch m.Kind {
		case element.KindNode:
			if n, ok := src.GetNode(m.Ref); ok {
				m.Element = n
			}
		case element.KindWay:
			if w, ok := src.GetWay(m.Ref); ok {
				m.Element = w
			}
		case element.KindRelation:
			if sub, ok := src.GetRelation(m.Ref); ok {
				m.Element = sub
			}
		default:
			r.logger.Warn("unexpected member kind", "relation", rel.ID, "kind", m.Kind.String())
		}
		if m.Element != nil {
			members = append(members, m)
		}
	}
	if dropped := len(rel.Members) - len(members); dropped > 0 {
		r.logger.Debug("dropped unresolved members", "relation", rel.ID, "dropped", dropped)
	}
	rel.Members = members
}

// visitLeftovers revisits ways pending from earlier calls: nodes that now fall
// inside bbox lose their out-of-box flag and the way is emitted again.
func (r *Resolver) visitLeftovers(bbox geo.BoundingBox, vs *visit) {
	ids := make([]int64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		p := r.pending[id]
		if p.fresh {
			p.fresh = false
			continue
		}
		if p.deferred {
			continue
		}

		cleared, inside, remaining := false, false, false
		for _, n := range p.way.Nodes {
			if bbox.Contains(n.Coordinate) {
				inside = true
				if n.IsOutOfBox {
					n.IsOutOfBox = false
					cleared = true
				}
			}
			if n.IsOutOfBox {
				remaining = true
			}
		}

		if cleared && !vs.wasEmitted(p.way) {
			vs.emit(cloneResolved(p.way))
		}
		if !remaining || !inside {
			delete(r.pending, id)
		}
	}
}

func cloneResolved(w *element.Way) *element.Way {
	out := w.Clone()
	out.Nodes = make([]*element.Node, len(w.Nodes))
	for i, n := range w.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return out
}
