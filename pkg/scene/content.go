// Package scene turns resolved elements into per-tile content.
package scene

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/tiling"
)

// ModelKind classifies a model.
type ModelKind int

const (
	ModelPoint ModelKind = iota
	ModelLine
	ModelArea
	ModelRelation
)

func (k ModelKind) String() string {
	switch k {
	case ModelPoint:
		return "point"
	case ModelLine:
		return "line"
	case ModelArea:
		return "area"
	case ModelRelation:
		return "relation"
	default:
		return fmt.Sprintf("ModelKind(%d)", int(k))
	}
}

// Model is the renderable form of one element, in map coordinates.
type Model struct {
	Key     element.Key
	Kind    ModelKind
	Tags    element.Tags
	Points  []geo.MapPoint
	Members int

	// Global is set when the model was claimed across tiles.
	Global bool
}

// Content holds the models of one tile. It is written by the loader and read
// by the server concurrently.
type Content struct {
	mu     sync.RWMutex
	models map[element.Key]*Model
	active bool
}

func newContent() *Content {
	return &Content{models: make(map[element.Key]*Model)}
}

// ContentOf returns the content of a tile created by an Activator.
func ContentOf(t *tiling.Tile) (*Content, bool) {
	c, ok := t.Content.(*Content)
	return c, ok
}

func (c *Content) add(m *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models == nil {
		return
	}
	c.models[m.Key] = m
}

// Models returns the models ordered by kind and id.
func (c *Content) Models() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Model) int {
		if d := cmp.Compare(a.Key.Kind, b.Key.Kind); d != 0 {
			return d
		}
		return cmp.Compare(a.Key.ID, b.Key.ID)
	})
	return out
}

// Len returns the number of models.
func (c *Content) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// Counts returns the number of models per kind.
func (c *Content) Counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[string]int)
	for _, m := range c.models {
		counts[m.Kind.String()]++
	}
	return counts
}

// IsActive reports whether the content is shown.
func (c *Content) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *Content) setActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
}

// destroy drops every model; later additions are ignored.
func (c *Content) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
	c.active = false
}
