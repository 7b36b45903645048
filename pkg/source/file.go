package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
)

// Format is an OSM file encoding.
type Format int

const (
	FormatXML Format = iota
	FormatPBF
)

func (f Format) String() string {
	if f == FormatPBF {
		return "pbf"
	}
	return "xml"
}

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".pbf"):
		return FormatPBF, nil
	case strings.HasSuffix(name, ".osm"), strings.HasSuffix(name, ".xml"):
		return FormatXML, nil
	default:
		return 0, fmt.Errorf("unknown OSM file format: %s", filepath.Base(path))
	}
}

type scanner interface {
	Scan() bool
	Object() osm.Object
	Err() error
	Close() error
}

// LoadFile reads an .osm or .osm.pbf file into an indexed MemorySource.
func LoadFile(ctx context.Context, path string, opts ...MemoryOption) (*MemorySource, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return LoadReader(ctx, f, format, opts...)
}

// LoadReader decodes OSM data from r into an indexed MemorySource.
func LoadReader(ctx context.Context, r io.Reader, format Format, opts ...MemoryOption) (*MemorySource, error) {
	start := time.Now()
	src := NewMemorySource(opts...)

	var sc scanner
	switch format {
	case FormatPBF:
		sc = osmpbf.New(ctx, r, runtime.GOMAXPROCS(0))
	default:
		sc = osmxml.New(ctx, r)
	}
	defer sc.Close()

	for sc.Scan() {
		e, ok, err := convert(sc.Object())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := src.Add(e); err != nil {
			return nil, fmt.Errorf("adding %s: %w", element.KeyOf(e), err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("decoding %s data: %w", format, err)
	}

	if err := src.BuildIndex(); err != nil {
		return nil, fmt.Errorf("building search index: %w", err)
	}

	nodes, ways, relations := src.Counts()
	src.logger.Info("loaded OSM data",
		"format", format.String(),
		"nodes", nodes,
		"ways", ways,
		"relations", relations,
		"duration", time.Since(start))

	return src, nil
}

func convert(o osm.Object) (element.Element, bool, error) {
	switch v := o.(type) {
	case *osm.Node:
		return &element.Node{
			ID:         int64(v.ID),
			Coordinate: geo.NewCoordinate(v.Lat, v.Lon),
			Tags:       convertTags(v.Tags),
		}, true, nil
	case *osm.Way:
		ids := make([]int64, len(v.Nodes))
		for i, wn := range v.Nodes {
			ids[i] = int64(wn.ID)
		}
		return &element.Way{ID: int64(v.ID), NodeIDs: ids, Tags: convertTags(v.Tags)}, true, nil
	case *osm.Relation:
		members := make([]element.Member, 0, len(v.Members))
		for _, m := range v.Members {
			kind, err := element.ParseKind(string(m.Type))
			if err != nil {
				return nil, false, fmt.Errorf("relation %d: %w", v.ID, err)
			}
			members = append(members, element.Member{Kind: kind, Ref: m.Ref, Role: m.Role})
		}
		return &element.Relation{ID: int64(v.ID), Members: members, Tags: convertTags(v.Tags)}, true, nil
	default:
		// bounds, changesets and notes carry no map geometry
		return nil, false, nil
	}
}

func convertTags(tags osm.Tags) element.Tags {
	if len(tags) == 0 {
		return nil
	}
	return element.Tags(tags.Map())
}
