package coords

import (
	"math"
	"strings"
	"testing"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/geo"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		format  Format
		wantLat float64
		wantLon float64
		tol     float64
	}{
		{name: "decimal comma", input: "52.52, 13.405", format: FormatDecimal, wantLat: 52.52, wantLon: 13.405, tol: 1e-9},
		{name: "decimal space", input: "-33.8688 151.2093", format: FormatDecimal, wantLat: -33.8688, wantLon: 151.2093, tol: 1e-9},
		{name: "decimal integers", input: "0,0", format: FormatDecimal, tol: 1e-9},
		{name: "dms symbols", input: `19°51'22"N 99°49'0"E`, format: FormatDMS, wantLat: 19.856111, wantLon: 99.816667, tol: 1e-5},
		{name: "dms letters", input: "19d51m22sN 99d49m0sE", format: FormatDMS, wantLat: 19.856111, wantLon: 99.816667, tol: 1e-5},
		{name: "dms south west", input: `33°51'25"S 74°0'22"W`, format: FormatDMS, wantLat: -33.856944, wantLon: -74.006111, tol: 1e-5},
		{name: "utm central meridian", input: "18N 500000 4500000", format: FormatUTM, wantLat: 40.650857, wantLon: -75, tol: 1e-5},
		{name: "utm southern band", input: "56H 500000 6250000", format: FormatUTM, wantLat: -33.890365, wantLon: 153, tol: 1e-5},
		{name: "utm berlin", input: "33U 391000 5820000", format: FormatUTM, wantLat: 52.519196, wantLon: 13.393544, tol: 1e-5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if p.Format != tt.format {
				t.Errorf("format = %s, want %s", p.Format, tt.format)
			}
			if !near(p.Coordinate.Latitude, tt.wantLat, tt.tol) || !near(p.Coordinate.Longitude, tt.wantLon, tt.tol) {
				t.Errorf("Parse(%q) = %s, want %f,%f", tt.input, p.Coordinate, tt.wantLat, tt.wantLon)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		code  core.ErrorCode
	}{
		{name: "empty", input: "  ", code: core.ErrMissingParameter},
		{name: "garbage", input: "somewhere", code: core.ErrInvalidInput},
		{name: "latitude out of range", input: "91.0, 10.0", code: core.ErrInvalidInput},
		{name: "longitude out of range", input: "10.0, 181.0", code: core.ErrInvalidInput},
		{name: "dms minutes", input: `45°60'0"N 90°0'0"E`, code: core.ErrInvalidInput},
		{name: "dms degrees", input: `91°0'0"N 0°0'0"E`, code: core.ErrInvalidInput},
		{name: "utm zone 0", input: "0N 500000 5000000", code: core.ErrInvalidInput},
		{name: "utm zone 61", input: "61N 500000 5000000", code: core.ErrInvalidInput},
		{name: "mgrs band I", input: "18SIJ1234567890", code: core.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.input)
			}
			if !core.HasCode(err, tt.code) {
				t.Errorf("Parse(%q) error = %v, want code %s", tt.input, err, tt.code)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		input string
		want  Format
	}{
		{"47QME8598697460", FormatMGRS},
		{"18suj23370651", FormatMGRS},
		{"18N 500000 4500000", FormatUTM},
		{`19°51'22"N 99°49'0"E`, FormatDMS},
		{"52.52,13.405", FormatDecimal},
		{"Berlin", FormatUnknown},
		{"", FormatUnknown},
	}
	for _, tt := range tests {
		if got := Detect(tt.input); got != tt.want {
			t.Errorf("Detect(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestMGRSRoundTrip(t *testing.T) {
	points := []geo.Coordinate{
		geo.NewCoordinate(19.856, 99.817),
		geo.NewCoordinate(52.52, 13.405),
		geo.NewCoordinate(-33.857, 151.215),
		geo.NewCoordinate(38.889, -77.035),
		geo.NewCoordinate(0, 0),
	}

	for _, c := range points {
		t.Run(c.String(), func(t *testing.T) {
			s, err := ToMGRS(c, 5)
			if err != nil {
				t.Fatalf("ToMGRS(%s) error: %v", c, err)
			}
			p, err := Parse(s)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", s, err)
			}
			if p.Format != FormatMGRS {
				t.Errorf("format = %s, want mgrs", p.Format)
			}
			if !near(p.Coordinate.Latitude, c.Latitude, 1e-4) || !near(p.Coordinate.Longitude, c.Longitude, 1e-4) {
				t.Errorf("round trip %s -> %s -> %s", c, s, p.Coordinate)
			}
		})
	}
}

func TestToMGRSZone(t *testing.T) {
	s, err := ToMGRS(geo.NewCoordinate(19.856, 99.817), 5)
	if err != nil {
		t.Fatalf("ToMGRS error: %v", err)
	}
	if !strings.HasPrefix(s, "47Q") {
		t.Errorf("expected zone 47Q, got %s", s)
	}

	if _, err := ToMGRS(geo.NewCoordinate(95, 0), 5); !core.HasCode(err, core.ErrInvalidInput) {
		t.Errorf("expected invalid input for out of range coordinate, got %v", err)
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParse should panic on bad input")
		}
	}()
	MustParse("nowhere")
}
