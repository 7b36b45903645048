// Package element defines the map elements streamed into tiles: nodes, ways and relations.
//
// Element is a closed sum type. Only *Node, *Way and *Relation implement it, so
// consumers switch over those three cases and treat anything else as a bug.
package element

import (
	"fmt"
	"strings"

	"github.com/NERVsystems/tilestream/pkg/geo"
)

// Kind identifies the variant of an element or relation member.
type Kind int

const (
	KindNode Kind = iota
	KindWay
	KindRelation
)

// String returns the OSM name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindWay:
		return "way"
	case KindRelation:
		return "relation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses an OSM member type name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "node":
		return KindNode, nil
	case "way":
		return KindWay, nil
	case "relation":
		return KindRelation, nil
	default:
		return 0, fmt.Errorf("unknown element kind %q", s)
	}
}

// Tags holds the key/value attributes of an element.
type Tags map[string]string

// Clone returns a copy of the tags.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Element is implemented by *Node, *Way and *Relation.
type Element interface {
	ElementID() int64
	Kind() Kind
	ElementTags() Tags
	isElement()
}

// Node is a single point.
type Node struct {
	ID         int64
	Coordinate geo.Coordinate
	Tags       Tags

	// IsOutOfBox marks a node resolved outside the bounding box of the query that produced it.
	IsOutOfBox bool
}

func (n *Node) ElementID() int64  { return n.ID }
func (n *Node) Kind() Kind        { return KindNode }
func (n *Node) ElementTags() Tags { return n.Tags }
func (*Node) isElement()          {}

// Clone returns a copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Tags = n.Tags.Clone()
	return &c
}

// Way is an ordered list of nodes. Nodes is empty until the way is resolved and
// then mirrors NodeIDs position by position.
type Way struct {
	ID      int64
	NodeIDs []int64
	Nodes   []*Node
	Tags    Tags
}

func (w *Way) ElementID() int64  { return w.ID }
func (w *Way) Kind() Kind        { return KindWay }
func (w *Way) ElementTags() Tags { return w.Tags }
func (*Way) isElement()          {}

// IsClosed reports whether the first and last node ids are the same.
func (w *Way) IsClosed() bool {
	n := len(w.NodeIDs)
	return n > 1 && w.NodeIDs[0] == w.NodeIDs[n-1]
}

// IsResolved reports whether every node id has a resolved node.
func (w *Way) IsResolved() bool {
	return len(w.NodeIDs) > 0 && len(w.Nodes) == len(w.NodeIDs)
}

// Clone returns an unresolved copy of the way.
func (w *Way) Clone() *Way {
	return &Way{
		ID:      w.ID,
		NodeIDs: append([]int64(nil), w.NodeIDs...),
		Tags:    w.Tags.Clone(),
	}
}

// Member is a typed reference from a relation.
type Member struct {
	Kind Kind
	Ref  int64
	Role string

	// Element is set once the member has been resolved.
	Element Element
}

// Relation groups other elements.
type Relation struct {
	ID      int64
	Members []Member
	Tags    Tags
}

func (r *Relation) ElementID() int64  { return r.ID }
func (r *Relation) Kind() Kind        { return KindRelation }
func (r *Relation) ElementTags() Tags { return r.Tags }
func (*Relation) isElement()          {}

// Clone returns an unresolved copy of the relation.
func (r *Relation) Clone() *Relation {
	members := make([]Member, len(r.Members))
	for i, m := range r.Members {
		members[i] = Member{Kind: m.Kind, Ref: m.Ref, Role: m.Role}
	}
	return &Relation{ID: r.ID, Members: members, Tags: r.Tags.Clone()}
}

// Key is a kind-qualified element identifier, unique across kinds.
type Key struct {
	Kind Kind
	ID   int64
}

// KeyOf returns the key of e.
func KeyOf(e Element) Key {
	return Key{Kind: e.Kind(), ID: e.ElementID()}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.ID)
}
