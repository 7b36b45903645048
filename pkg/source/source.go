// Package source provides element sources: stores of raw map elements that can
// be queried by bounding box and looked up by id.
package source

import (
	"context"
	"iter"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/index"
)

// ElementSource is a bounding-box queryable element store.
//
// Get starts a query: lookups made until the next Reset are answered relative
// to that box, and nodes outside it come back with IsOutOfBox set. Returned
// elements are copies owned by the caller.
type ElementSource interface {
	Get(ctx context.Context, bbox geo.BoundingBox) iter.Seq2[element.Element, error]
	GetNode(id int64) (*element.Node, bool)
	GetWay(id int64) (*element.Way, bool)
	GetRelation(id int64) (*element.Relation, bool)
	Reset()
}

// Indexed is implemented by sources that carry a tag search index.
type Indexed interface {
	Index() (*index.Index, bool)
}

// Provider hands out the active element source.
type Provider interface {
	Source(ctx context.Context) (ElementSource, error)
}

type staticProvider struct {
	src ElementSource
}

func (p staticProvider) Source(context.Context) (ElementSource, error) {
	return p.src, nil
}

// Static returns a provider that always returns src.
func Static(src ElementSource) Provider {
	return staticProvider{src: src}
}
