// Package coords parses position strings given on the command line or to MCP
// tools. Decimal degrees, degrees/minutes/seconds, UTM and MGRS are accepted
// and all resolve to a WGS84 geo.Coordinate.
package coords

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/akhenakh/mgrs"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/geo"
)

// Format is a position notation.
type Format int

const (
	FormatUnknown Format = iota
	FormatDecimal
	FormatDMS
	FormatMGRS
	FormatUTM
)

func (f Format) String() string {
	switch f {
	case FormatDecimal:
		return "decimal"
	case FormatDMS:
		return "dms"
	case FormatMGRS:
		return "mgrs"
	case FormatUTM:
		return "utm"
	default:
		return "unknown"
	}
}

// Position is a parsed position string.
type Position struct {
	Coordinate geo.Coordinate
	Format     Format
	Input      string
}

var (
	// zone, band, 100km square, even number of digits
	mgrsPattern = regexp.MustCompile(`(?i)^(\d{1,2})([C-HJ-NP-X])([A-HJ-NP-Z]{2})(\d{2,10})$`)

	// zone, band, easting, northing
	utmPattern = regexp.MustCompile(`(?i)^(\d{1,2})([C-HJ-NP-X])\s+(\d+(?:\.\d+)?)\s+(\d+(?:\.\d+)?)$`)

	dmsPattern = regexp.MustCompile(`(?i)^(\d+)[°d\s]+(\d+)[′'m\s]+(\d+(?:\.\d+)?)[″"s]?\s*([NS])[\s,]+(\d+)[°d\s]+(\d+)[′'m\s]+(\d+(?:\.\d+)?)[″"s]?\s*([EW])$`)

	decimalPattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*[,\s]\s*(-?\d+(?:\.\d+)?)$`)
)

type parser struct {
	format  Format
	pattern *regexp.Regexp
	parse   func(m []string) (geo.Coordinate, error)
}

// parsers run from the most to the least specific notation.
var parsers = []parser{
	{FormatMGRS, mgrsPattern, parseMGRS},
	{FormatUTM, utmPattern, parseUTM},
	{FormatDMS, dmsPattern, parseDMS},
	{FormatDecimal, decimalPattern, parseDecimal},
}

// Detect returns the notation of s without converting it.
func Detect(s string) Format {
	s = strings.TrimSpace(s)
	for _, p := range parsers {
		if p.pattern.MatchString(s) {
			return p.format
		}
	}
	return FormatUnknown
}

// Parse converts s to a coordinate. Errors are *core.Error with code
// INVALID_INPUT.
func Parse(s string) (*Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, core.NewValidationError(core.ErrMissingParameter, "empty position")
	}

	for _, p := range parsers {
		m := p.pattern.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		c, err := p.parse(m)
		if err != nil {
			return nil, core.NewValidationError(core.ErrInvalidInput,
				fmt.Sprintf("invalid %s position %q: %v", p.format, s, err))
		}
		if !c.Valid() {
			return nil, core.NewValidationError(core.ErrInvalidInput,
				fmt.Sprintf("%s position %q converts to out of range %s", p.format, s, c))
		}
		return &Position{Coordinate: c, Format: p.format, Input: s}, nil
	}

	return nil, core.NewError(core.ErrInvalidInput, fmt.Sprintf("unrecognized position %q", s)).
		WithGuidance("Use decimal degrees (52.52, 13.405), DMS, UTM (33U 391000 5820000) or MGRS.")
}

// MustParse is Parse for positions known at compile time.
func MustParse(s string) geo.Coordinate {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p.Coordinate
}

func parseMGRS(m []string) (geo.Coordinate, error) {
	lat, lon, err := mgrs.MGRSToLatLng(strings.ToUpper(m[0]))
	if err != nil {
		return geo.Coordinate{}, err
	}
	return geo.NewCoordinate(lat, lon), nil
}

func parseUTM(m []string) (geo.Coordinate, error) {
	zone, err := strconv.Atoi(m[1])
	if err != nil || zone < 1 || zone > 60 {
		return geo.Coordinate{}, fmt.Errorf("zone %s out of range", m[1])
	}
	easting, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("easting: %w", err)
	}
	northing, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("northing: %w", err)
	}
	// bands N and above lie north of the equator
	north := strings.ToUpper(m[2])[0] >= 'N'
	return fromUTM(zone, easting, northing, north), nil
}

func parseDMS(m []string) (geo.Coordinate, error) {
	lat, err := dmsValue(m[1], m[2], m[3], 90)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := dmsValue(m[5], m[6], m[7], 180)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("longitude: %w", err)
	}
	if strings.EqualFold(m[4], "S") {
		lat = -lat
	}
	if strings.EqualFold(m[8], "W") {
		lon = -lon
	}
	return geo.NewCoordinate(lat, lon), nil
}

func dmsValue(deg, min, sec string, limit float64) (float64, error) {
	d, _ := strconv.ParseFloat(deg, 64)
	mi, _ := strconv.ParseFloat(min, 64)
	s, _ := strconv.ParseFloat(sec, 64)
	if d > limit || mi >= 60 || s >= 60 {
		return 0, fmt.Errorf("%s°%s'%s\" out of range", deg, min, sec)
	}
	return d + mi/60 + s/3600, nil
}

func parseDecimal(m []string) (geo.Coordinate, error) {
	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return geo.Coordinate{}, err
	}
	lon, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return geo.Coordinate{}, err
	}
	return geo.NewCoordinate(lat, lon), nil
}

// ToMGRS formats c with the given precision, 1 (10km) to 5 (1m).
func ToMGRS(c geo.Coordinate, precision int) (string, error) {
	if precision < 1 || precision > 5 {
		precision = 5
	}
	if !c.Valid() {
		return "", core.NewValidationError(core.ErrInvalidInput, fmt.Sprintf("coordinate %s out of range", c))
	}
	s, err := mgrs.LatLngToMGRS(c.Latitude, c.Longitude, precision)
	if err != nil {
		return "", fmt.Errorf("formatting %s as MGRS: %w", c, err)
	}
	return s, nil
}

// WGS84 transverse mercator constants.
const (
	semiMajor  = 6378137.0
	flattening = 1 / 298.257223563
	scale      = 0.9996
)

// fromUTM inverts the transverse mercator projection with the usual series
// expansion around the footpoint latitude.
func fromUTM(zone int, easting, northing float64, north bool) geo.Coordinate {
	semiMinor := semiMajor * (1 - flattening)
	e2 := 1 - (semiMinor*semiMinor)/(semiMajor*semiMajor)
	ep2 := e2 / (1 - e2)
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	x := easting - 500000
	y := northing
	if !north {
		y -= 10000000
	}
	centralMeridian := float64(6*zone-183) * math.Pi / 180

	mu := y / scale / (semiMajor * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))
	phi := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sin, cos, tan := math.Sin(phi), math.Cos(phi), math.Tan(phi)
	w := 1 - e2*sin*sin
	n := semiMajor / math.Sqrt(w)
	r := semiMajor * (1 - e2) / math.Pow(w, 1.5)
	t := tan * tan
	c := ep2 * cos * cos
	d := x / (n * scale)

	lat := phi - (n*tan/r)*(d*d/2-
		(5+3*t+10*c-4*c*c-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t+298*c+45*t*t-252*ep2-3*c*c)*math.Pow(d, 6)/720)
	lon := centralMeridian + (d-
		(1+2*t+c)*math.Pow(d, 3)/6+
		(5-2*c+28*t-3*c*c+8*ep2+24*t*t)*math.Pow(d, 5)/120)/cos

	return geo.NewCoordinate(lat*180/math.Pi, lon*180/math.Pi)
}
