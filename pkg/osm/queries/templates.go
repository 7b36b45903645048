// Package queries builds Overpass QL queries for tile loads.
package queries

import (
	"fmt"
	"slices"
	"strings"

	"github.com/NERVsystems/tilestream/pkg/geo"
)

// DefaultTimeout is the server-side query timeout in seconds.
const DefaultTimeout = 25

// OverpassBuilder provides a fluent interface for building Overpass queries.
// Statements added between Begin and End form one union.
type OverpassBuilder struct {
	buf     strings.Builder
	timeout int
	open    bool
	output  string
	recurse bool
}

// NewOverpassBuilder creates a builder that requests JSON output.
func NewOverpassBuilder() *OverpassBuilder {
	return &OverpassBuilder{timeout: DefaultTimeout}
}

// WithTimeout sets the server-side timeout in seconds. Zero omits the setting.
func (b *OverpassBuilder) WithTimeout(seconds int) *OverpassBuilder {
	b.timeout = seconds
	return b
}

// WithNodeInBbox adds a node statement, filtered by tags when given.
func (b *OverpassBuilder) WithNodeInBbox(bbox geo.BoundingBox, tags map[string]string) *OverpassBuilder {
	b.addElement("node", bbox, tags)
	return b
}

// WithWayInBbox adds a way statement, filtered by tags when given.
func (b *OverpassBuilder) WithWayInBbox(bbox geo.BoundingBox, tags map[string]string) *OverpassBuilder {
	b.addElement("way", bbox, tags)
	return b
}

// WithRelationInBbox adds a relation statement, filtered by tags when given.
func (b *OverpassBuilder) WithRelationInBbox(bbox geo.BoundingBox, tags map[string]string) *OverpassBuilder {
	b.addElement("relation", bbox, tags)
	return b
}

// WithOutput sets the output verbosity (default "body").
func (b *OverpassBuilder) WithOutput(outputType string) *OverpassBuilder {
	b.output = outputType
	return b
}

// WithRecurseDown also returns the nodes of matched ways and the members of
// matched relations, even when they lie outside the box.
func (b *OverpassBuilder) WithRecurseDown() *OverpassBuilder {
	b.recurse = true
	return b
}

// Build returns the complete query string.
func (b *OverpassBuilder) Build() string {
	var q strings.Builder
	q.WriteString("[out:json]")
	if b.timeout > 0 {
		fmt.Fprintf(&q, "[timeout:%d]", b.timeout)
	}
	q.WriteString(";")

	if b.buf.Len() > 0 {
		q.WriteString("(")
		q.WriteString(b.buf.String())
		q.WriteString(");")
	}

	out := b.output
	if out == "" {
		out = "body"
	}
	fmt.Fprintf(&q, "out %s;", out)
	if b.recurse {
		q.WriteString(">;out skel qt;")
	}
	return q.String()
}

func (b *OverpassBuilder) addElement(kind string, bbox geo.BoundingBox, tags map[string]string) {
	fmt.Fprintf(&b.buf, "%s(%s)", kind, bbox.String())

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if value := tags[key]; value != "" {
			fmt.Fprintf(&b.buf, "[%q=%q]", key, value)
		} else {
			fmt.Fprintf(&b.buf, "[%q]", key)
		}
	}
	b.buf.WriteString(";")
}

// BoundingBoxQuery returns every element intersecting bbox plus the nodes its
// ways reference.
func BoundingBoxQuery(bbox geo.BoundingBox) string {
	return NewOverpassBuilder().
		WithNodeInBbox(bbox, nil).
		WithWayInBbox(bbox, nil).
		WithRelationInBbox(bbox, nil).
		WithRecurseDown().
		Build()
}
