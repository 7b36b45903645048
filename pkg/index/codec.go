package index

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
)

// Record field numbers. Records use the protobuf wire format so they stay
// readable by any protobuf tooling.
const (
	fieldKind    protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldLat     protowire.Number = 3
	fieldLon     protowire.Number = 4
	fieldTag     protowire.Number = 5
	fieldNodeRef protowire.Number = 6
	fieldMember  protowire.Number = 7

	fieldTagKey   protowire.Number = 1
	fieldTagValue protowire.Number = 2

	fieldMemberKind protowire.Number = 1
	fieldMemberRef  protowire.Number = 2
	fieldMemberRole protowire.Number = 3
)

var errCorrupt = errors.New("corrupt index record")

func appendRecord(b []byte, e element.Element) ([]byte, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldKind, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(e.Kind()))
	msg = protowire.AppendTag(msg, fieldID, protowire.VarintType)
	msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(e.ElementID()))

	for k, v := range e.ElementTags() {
		var tag []byte
		tag = protowire.AppendTag(tag, fieldTagKey, protowire.BytesType)
		tag = protowire.AppendString(tag, k)
		tag = protowire.AppendTag(tag, fieldTagValue, protowire.BytesType)
		tag = protowire.AppendString(tag, v)
		msg = protowire.AppendTag(msg, fieldTag, protowire.BytesType)
		msg = protowire.AppendBytes(msg, tag)
	}

	switch el := e.(type) {
	case *element.Node:
		msg = protowire.AppendTag(msg, fieldLat, protowire.Fixed64Type)
		msg = protowire.AppendFixed64(msg, math.Float64bits(el.Coordinate.Latitude))
		msg = protowire.AppendTag(msg, fieldLon, protowire.Fixed64Type)
		msg = protowire.AppendFixed64(msg, math.Float64bits(el.Coordinate.Longitude))
	case *element.Way:
		// node refs are delta coded
		var prev int64
		for _, id := range el.NodeIDs {
			msg = protowire.AppendTag(msg, fieldNodeRef, protowire.VarintType)
			msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(id-prev))
			prev = id
		}
	case *element.Relation:
		for _, m := range el.Members {
			var mb []byte
			mb = protowire.AppendTag(mb, fieldMemberKind, protowire.VarintType)
			mb = protowire.AppendVarint(mb, uint64(m.Kind))
			mb = protowire.AppendTag(mb, fieldMemberRef, protowire.VarintType)
			mb = protowire.AppendVarint(mb, protowire.EncodeZigZag(m.Ref))
			mb = protowire.AppendTag(mb, fieldMemberRole, protowire.BytesType)
			mb = protowire.AppendString(mb, m.Role)
			msg = protowire.AppendTag(msg, fieldMember, protowire.BytesType)
			msg = protowire.AppendBytes(msg, mb)
		}
	default:
		return b, fmt.Errorf("unsupported element type %T", e)
	}

	return protowire.AppendBytes(b, msg), nil
}

type record struct {
	kind     element.Kind
	id       int64
	coord    geo.Coordinate
	tags     element.Tags
	nodeRefs []int64
	members  []element.Member
}

func decodeRecord(b []byte) (element.Element, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
	}

	var r record
	var prevRef int64
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		msg = msg[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, errCorrupt
			}
			r.kind = element.Kind(v)
			msg = msg[n:]
		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, errCorrupt
			}
			r.id = protowire.DecodeZigZag(v)
			msg = msg[n:]
		case (num == fieldLat || num == fieldLon) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(msg)
			if n < 0 {
				return nil, errCorrupt
			}
			if num == fieldLat {
				r.coord.Latitude = math.Float64frombits(v)
			} else {
				r.coord.Longitude = math.Float64frombits(v)
			}
			msg = msg[n:]
		case num == fieldTag && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return nil, errCorrupt
			}
			k, val, err := decodeTag(v)
			if err != nil {
				return nil, err
			}
			if r.tags == nil {
				r.tags = element.Tags{}
			}
			r.tags[k] = val
			msg = msg[n:]
		case num == fieldNodeRef && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, errCorrupt
			}
			prevRef += protowire.DecodeZigZag(v)
			r.nodeRefs = append(r.nodeRefs, prevRef)
			msg = msg[n:]
		case num == fieldMember && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return nil, errCorrupt
			}
			m, err := decodeMember(v)
			if err != nil {
				return nil, err
			}
			r.members = append(r.members, m)
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return nil, errCorrupt
			}
			msg = msg[n:]
		}
	}

	switch r.kind {
	case element.KindNode:
		return &element.Node{ID: r.id, Coordinate: r.coord, Tags: r.tags}, nil
	case element.KindWay:
		return &element.Way{ID: r.id, NodeIDs: r.nodeRefs, Tags: r.tags}, nil
	case element.KindRelation:
		return &element.Relation{ID: r.id, Members: r.members, Tags: r.tags}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", errCorrupt, r.kind)
	}
}

func decodeTag(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", "", errCorrupt
		}
		b = b[n:]
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", errCorrupt
		}
		b = b[n:]
		switch num {
		case fieldTagKey:
			key = s
		case fieldTagValue:
			value = s
		}
	}
	return key, value, nil
}

func decodeMember(b []byte) (element.Member, error) {
	var m element.Member
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, errCorrupt
		}
		b = b[n:]
		switch {
		case num == fieldMemberKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errCorrupt
			}
			m.Kind = element.Kind(v)
			b = b[n:]
		case num == fieldMemberRef && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errCorrupt
			}
			m.Ref = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == fieldMemberRole && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, errCorrupt
			}
			m.Role = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, errCorrupt
			}
			b = b[n:]
		}
	}
	return m, nil
}
