package queries

import (
	"testing"

	"github.com/NERVsystems/tilestream/pkg/geo"
)

func TestOverpassBuilder(t *testing.T) {
	bbox := geo.BoundingBox{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4}
	box := "1.0000000,2.0000000,3.0000000,4.0000000"

	tests := []struct {
		name     string
		builder  *OverpassBuilder
		expected string
	}{
		{
			name:     "tag filter",
			builder:  NewOverpassBuilder().WithNodeInBbox(bbox, map[string]string{"amenity": "cafe"}),
			expected: `[out:json][timeout:25];(node(` + box + `)["amenity"="cafe"];);out body;`,
		},
		{
			name:     "key only filter sorted",
			builder:  NewOverpassBuilder().WithWayInBbox(bbox, map[string]string{"name": "", "highway": "bus_stop"}),
			expected: `[out:json][timeout:25];(way(` + box + `)["highway"="bus_stop"]["name"];);out body;`,
		},
		{
			name:     "custom output without timeout",
			builder:  NewOverpassBuilder().WithTimeout(0).WithRelationInBbox(bbox, nil).WithOutput("geom"),
			expected: `[out:json];(relation(` + box + `););out geom;`,
		},
		{
			name:     "empty",
			builder:  NewOverpassBuilder(),
			expected: `[out:json][timeout:25];out body;`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.builder.Build(); got != tt.expected {
				t.Errorf("unexpected query:\n got %s\nwant %s", got, tt.expected)
			}
		})
	}
}

func TestBoundingBoxQuery(t *testing.T) {
	bbox := geo.BoundingBox{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4}
	box := "1.0000000,2.0000000,3.0000000,4.0000000"

	expected := `[out:json][timeout:25];(node(` + box + `);way(` + box + `);relation(` + box + `););out body;>;out skel qt;`
	if got := BoundingBoxQuery(bbox); got != expected {
		t.Errorf("unexpected query:\n got %s\nwant %s", got, expected)
	}
}
