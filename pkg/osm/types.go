package osm

import "strings"

// OverpassResponse is the JSON document returned by the interpreter.
type OverpassResponse struct {
	Version   float64           `json:"version"`
	Generator string            `json:"generator"`
	Remark    string            `json:"remark,omitempty"`
	Elements  []OverpassElement `json:"elements"`
}

// Failed reports whether the interpreter aborted the query. Overpass reports
// timeouts and memory exhaustion as a remark on a 200 response.
func (r *OverpassResponse) Failed() bool {
	return strings.Contains(r.Remark, "runtime error")
}

// OverpassElement represents an element returned from the Overpass API
type OverpassElement struct {
	ID      int64             `json:"id"`
	Type    string            `json:"type"`
	Lat     float64           `json:"lat,omitempty"`
	Lon     float64           `json:"lon,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Nodes   []int64           `json:"nodes,omitempty"`
	Members []OverpassMember  `json:"members,omitempty"`
}

// OverpassMember is a relation member reference.
type OverpassMember struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref"`
	Role string `json:"role"`
}
