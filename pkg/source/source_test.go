package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/osm"
)

// sampleXML lays out four nodes: 1 and 2 inside the unit box around (0.5,0.5),
// 3 just outside it and 4 far away.
const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <node id="1" lat="0.2" lon="0.2"><tag k="amenity" v="cafe"/><tag k="name" v="Blue Door"/></node>
  <node id="2" lat="0.8" lon="0.8"/>
  <node id="3" lat="1.5" lon="0.5"/>
  <node id="4" lat="5" lon="5"><tag k="amenity" v="bench"/></node>
  <way id="10">
    <nd ref="1"/><nd ref="2"/><nd ref="3"/>
    <tag k="highway" v="residential"/>
  </way>
  <way id="11">
    <nd ref="4"/><nd ref="4"/>
    <tag k="barrier" v="fence"/>
  </way>
  <relation id="20">
    <member type="way" ref="10" role="outer"/>
    <member type="node" ref="4" role=""/>
    <tag k="type" v="route"/>
  </relation>
</osm>`

var unitBox = geo.BoundingBox{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1}

func loadSample(t *testing.T, opts ...MemoryOption) *MemorySource {
	t.Helper()
	src, err := LoadReader(context.Background(), strings.NewReader(sampleXML), FormatXML, opts...)
	if err != nil {
		t.Fatalf("LoadReader failed: %v", err)
	}
	return src
}

func collect(t *testing.T, src ElementSource, bbox geo.BoundingBox) []string {
	t.Helper()
	var keys []string
	for e, err := range src.Get(context.Background(), bbox) {
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		keys = append(keys, element.KeyOf(e).String())
	}
	return keys
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"berlin.osm.pbf", FormatPBF, false},
		{"/data/Berlin.PBF", FormatPBF, false},
		{"map.osm", FormatXML, false},
		{"export.xml", FormatXML, false},
		{"notes.txt", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFromPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLoadReader(t *testing.T) {
	src := loadSample(t)

	nodes, ways, relations := src.Counts()
	if nodes != 4 || ways != 2 || relations != 1 {
		t.Fatalf("unexpected counts %d/%d/%d", nodes, ways, relations)
	}

	n, ok := src.GetNode(1)
	if !ok || n.Tags["name"] != "Blue Door" || n.Coordinate.Latitude != 0.2 {
		t.Errorf("unexpected node 1: %+v", n)
	}
	r, ok := src.GetRelation(20)
	if !ok || len(r.Members) != 2 || r.Members[0].Kind != element.KindWay || r.Members[0].Role != "outer" {
		t.Errorf("unexpected relation 20: %+v", r)
	}
	if _, ok := src.Index(); !ok {
		t.Error("expected LoadReader to build the search index")
	}
}

func TestLoadReaderRejectsGarbage(t *testing.T) {
	_, err := LoadReader(context.Background(), strings.NewReader("<osm><node id="), FormatXML)
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMemorySourceGet(t *testing.T) {
	src := loadSample(t)
	defer src.Reset()

	got := collect(t, src, unitBox)
	want := []string{"node/1", "node/2", "way/10", "relation/20"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMemorySourceOutOfBox(t *testing.T) {
	tests := []struct {
		name      string
		opts      []MemoryOption
		wantFound bool
	}{
		{"lenient flags outside nodes", nil, true},
		{"strict hides outside nodes", []MemoryOption{WithStrictBounds()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := loadSample(t, tt.opts...)
			_ = collect(t, src, unitBox)

			inside, ok := src.GetNode(1)
			if !ok || inside.IsOutOfBox {
				t.Errorf("node 1 should be found inside the box: %+v", inside)
			}

			outside, ok := src.GetNode(3)
			if ok != tt.wantFound {
				t.Fatalf("found = %v, want %v", ok, tt.wantFound)
			}
			if ok && !outside.IsOutOfBox {
				t.Error("node 3 should be flagged out of box")
			}

			src.Reset()
			after, ok := src.GetNode(3)
			if !ok || after.IsOutOfBox {
				t.Errorf("after Reset node 3 should be plain: %+v", after)
			}
		})
	}
}

func TestMemorySourceReturnsCopies(t *testing.T) {
	src := loadSample(t)

	w, _ := src.GetWay(10)
	w.NodeIDs[0] = 99
	w.Tags["highway"] = "changed"

	again, _ := src.GetWay(10)
	if again.NodeIDs[0] != 1 || again.Tags["highway"] != "residential" {
		t.Errorf("stored way was mutated: %+v", again)
	}
}

func TestMemorySourceAdd(t *testing.T) {
	src := NewMemorySource()

	if err := src.Add(&element.Node{ID: 1, Coordinate: geo.NewCoordinate(0.5, 0.5)}); err != nil {
		t.Fatal(err)
	}
	// re-adding a node moves it
	if err := src.Add(&element.Node{ID: 1, Coordinate: geo.NewCoordinate(3, 3)}); err != nil {
		t.Fatal(err)
	}
	if got := collect(t, src, unitBox); len(got) != 0 {
		t.Errorf("moved node still found in old box: %v", got)
	}

	if err := src.Add(&element.Way{ID: 5}); err != nil {
		t.Fatal(err)
	}
	if err := src.Add(&element.Way{ID: 5}); err == nil {
		t.Error("expected duplicate way error")
	}
}

func TestMemorySourceCancelledContext(t *testing.T) {
	src := loadSample(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range src.Get(ctx, unitBox) {
		if err != nil {
			gotErr = err
			break
		}
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", gotErr)
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls atomic.Int32
	resp  *osm.OverpassResponse
	err   error
	gate  chan struct{}
}

func (f *fakeFetcher) FetchBoundingBox(ctx context.Context, bbox geo.BoundingBox) (*osm.OverpassResponse, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

func sampleResponse() *osm.OverpassResponse {
	return &osm.OverpassResponse{Elements: []osm.OverpassElement{
		{Type: "node", ID: 2, Lat: 0.8, Lon: 0.8},
		{Type: "node", ID: 1, Lat: 0.2, Lon: 0.2, Tags: map[string]string{"amenity": "cafe"}},
		{Type: "way", ID: 10, Nodes: []int64{1, 2, 3}, Tags: map[string]string{"highway": "residential"}},
		{Type: "relation", ID: 20, Members: []osm.OverpassMember{{Type: "way", Ref: 10, Role: "outer"}}},
		// recursed skeleton
		{Type: "node", ID: 1, Lat: 0.2, Lon: 0.2},
		{Type: "node", ID: 3, Lat: 1.5, Lon: 0.5},
	}}
}

func TestOverpassSourceGet(t *testing.T) {
	f := &fakeFetcher{resp: sampleResponse()}
	src := NewOverpassSource(f)
	defer src.Close()

	got := collect(t, src, unitBox)
	want := []string{"node/1", "node/2", "way/10", "relation/20"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	n, ok := src.GetNode(1)
	if !ok || n.Tags["amenity"] != "cafe" {
		t.Errorf("skeleton copy replaced the tagged node: %+v", n)
	}
	out, ok := src.GetNode(3)
	if !ok || !out.IsOutOfBox {
		t.Errorf("node 3 should be known and out of box: %+v", out)
	}

	src.Reset()
	if _, ok := src.GetNode(1); ok {
		t.Error("Reset should forget the response")
	}

	// second query of the same box is served from cache
	_ = collect(t, src, unitBox)
	if f.calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", f.calls.Load())
	}
}

func TestOverpassSourceSharesConcurrentFetches(t *testing.T) {
	f := &fakeFetcher{resp: sampleResponse(), gate: make(chan struct{})}
	src := NewOverpassSource(f)
	defer src.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := src.fetch(context.Background(), unitBox); err != nil {
				t.Errorf("fetch failed: %v", err)
			}
		}()
	}
	// let the callers pile up on the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected one shared fetch, got %d", n)
	}
	if _, ok := src.responses.Get(unitBox.String()); !ok {
		t.Error("response should be cached")
	}
}

func TestOverpassSourceError(t *testing.T) {
	f := &fakeFetcher{err: errors.New("boom")}
	src := NewOverpassSource(f)
	defer src.Close()

	var gotErr error
	for _, err := range src.Get(context.Background(), unitBox) {
		gotErr = err
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "boom") {
		t.Errorf("expected wrapped fetch error, got %v", gotErr)
	}
	if src.responses.Count() != 0 {
		t.Error("failed fetches must not be cached")
	}
}
